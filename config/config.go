package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"workescrow/core/state"
	"workescrow/crypto"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

const defaultKeeperPassphraseEnv = "ESCROW_KEEPER_PASSPHRASE"

type Config struct {
	RPCAddress          string           `toml:"RPCAddress"`
	MetricsAddress      string           `toml:"MetricsAddress"`
	DataDir             string           `toml:"DataDir"`
	Backend             string           `toml:"Backend"`
	RPCReadTimeout      int              `toml:"RPCReadTimeout"`
	RPCWriteTimeout     int              `toml:"RPCWriteTimeout"`
	RPCMaxSignatureSkew int64            `toml:"RPCMaxSignatureSkew"`
	Escrow              Escrow           `toml:"escrow"`
	Keeper              Keeper           `toml:"keeper"`
	Logging             Logging          `toml:"logging"`
	Telemetry           Telemetry        `toml:"telemetry"`
	Genesis             []GenesisAccount `toml:"genesis,omitempty"`
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	applyDefaults(cfg)
	if cfg.Keeper.Enabled {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Backend) == "" {
		cfg.Backend = BackendLevelDB
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if cfg.RPCReadTimeout == 0 {
		cfg.RPCReadTimeout = 15
	}
	if cfg.RPCWriteTimeout == 0 {
		cfg.RPCWriteTimeout = 15
	}
	if cfg.RPCMaxSignatureSkew == 0 {
		cfg.RPCMaxSignatureSkew = 300
	}
	if cfg.Keeper.PollIntervalSeconds == 0 {
		cfg.Keeper.PollIntervalSeconds = 30
	}
	if strings.TrimSpace(cfg.Keeper.PassphraseEnv) == "" {
		cfg.Keeper.PassphraseEnv = defaultKeeperPassphraseEnv
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Genesis == nil {
		cfg.Genesis = []GenesisAccount{}
	}
}

// GenesisAllocs parses the genesis table into ledger allocations.
func (c *Config) GenesisAllocs() ([]state.GenesisAlloc, error) {
	allocs := make([]state.GenesisAlloc, 0, len(c.Genesis))
	for i, entry := range c.Genesis {
		id, err := crypto.ParseIdentity(entry.Identity)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		balance, err := uint256.FromDecimal(strings.TrimSpace(entry.Balance))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: invalid balance %q: %w", i, entry.Balance, err)
		}
		allocs = append(allocs, state.GenesisAlloc{Identity: id, Balance: balance})
	}
	return allocs, nil
}

// KeeperPassphrase reads the keeper keystore passphrase from its env var.
func (c *Config) KeeperPassphrase() string {
	return os.Getenv(c.Keeper.PassphraseEnv)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.Keeper.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, cfg.KeeperPassphrase()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.Keeper.KeystorePath != keystorePath {
		cfg.Keeper.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:     ":8545",
		MetricsAddress: ":9100",
		DataDir:        "./escrow-data",
		Backend:        BackendLevelDB,
		Keeper:         Keeper{Enabled: true},
	}
	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "keeper.keystore")
}
