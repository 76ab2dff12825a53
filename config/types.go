package config

// Escrow tunes the agreement engine.
type Escrow struct {
	// ReservePerByte is the storage deposit charged per record byte at creation.
	ReservePerByte uint64 `toml:"ReservePerByte"`
	// PauseCreate stops new agreements. Submission and release stay open.
	PauseCreate bool `toml:"PauseCreate"`
}

// Keeper controls the background auto-release worker.
type Keeper struct {
	Enabled             bool   `toml:"Enabled"`
	PollIntervalSeconds uint64 `toml:"PollIntervalSeconds"`
	KeystorePath        string `toml:"KeystorePath"`
	PassphraseEnv       string `toml:"PassphraseEnv"`
}

// Logging configures structured log output.
type Logging struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string            `toml:"OTLPEndpoint"`
	Insecure     bool              `toml:"Insecure"`
	Headers      map[string]string `toml:"Headers,omitempty"`
}

// GenesisAccount seeds a balance on first boot.
type GenesisAccount struct {
	Identity string `toml:"Identity"`
	Balance  string `toml:"Balance"`
}
