package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"workescrow/crypto"
)

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	contents := fmt.Sprintf(`RPCAddress = "127.0.0.1:9545"
MetricsAddress = "127.0.0.1:9100"
DataDir = "./data"
Backend = "bolt"

[escrow]
ReservePerByte = 3
PauseCreate = true

[keeper]
Enabled = false
PollIntervalSeconds = 10

[logging]
Env = "test"
File = "escrowd.log"
MaxBackups = 2

[[genesis]]
Identity = "%s"
Balance = "1000000000000000000000"
`, key.Identity().String())
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendBolt || cfg.RPCAddress != "127.0.0.1:9545" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.Escrow.ReservePerByte != 3 || !cfg.Escrow.PauseCreate {
		t.Fatalf("unexpected escrow section: %+v", cfg.Escrow)
	}
	if cfg.Logging.MaxSizeMB != 100 || cfg.Logging.MaxBackups != 2 {
		t.Fatalf("unexpected logging section: %+v", cfg.Logging)
	}
	if cfg.RPCMaxSignatureSkew != 300 {
		t.Fatalf("expected default signature skew, got %d", cfg.RPCMaxSignatureSkew)
	}
	allocs, err := cfg.GenesisAllocs()
	if err != nil {
		t.Fatalf("genesis allocs: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Identity != key.Identity() {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
	if allocs[0].Balance.Dec() != "1000000000000000000000" {
		t.Fatalf("unexpected balance %s", allocs[0].Balance.Dec())
	}
}

func TestLoadCreatesDefaultWithKeeperKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")
	t.Setenv(defaultKeeperPassphraseEnv, "keeper-pass")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if !cfg.Keeper.Enabled || cfg.Keeper.PollIntervalSeconds != 30 {
		t.Fatalf("unexpected keeper defaults: %+v", cfg.Keeper)
	}
	if _, err := os.Stat(cfg.Keeper.KeystorePath); err != nil {
		t.Fatalf("expected keeper keystore: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.Keeper.KeystorePath, "keeper-pass"); err != nil {
		t.Fatalf("keeper keystore must decrypt with env passphrase: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Keeper.KeystorePath != cfg.Keeper.KeystorePath {
		t.Fatalf("keystore path not persisted")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	if err := os.WriteFile(path, []byte("Backend = \"memory\"\nRefundWindow = 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "RefundWindow") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Backend: BackendMemory}
		applyDefaults(cfg)
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cases := map[string]func(c *Config){
		"backend":        func(c *Config) { c.Backend = "redis" },
		"data dir":       func(c *Config) { c.Backend = BackendLevelDB; c.DataDir = "" },
		"rpc address":    func(c *Config) { c.RPCAddress = "nope" },
		"reserve":        func(c *Config) { c.Escrow.ReservePerByte = ^uint64(0) },
		"keeper cadence": func(c *Config) { c.Keeper.Enabled = true; c.Keeper.PollIntervalSeconds = MaxKeeperPollSeconds + 1 },
		"genesis":        func(c *Config) { c.Genesis = []GenesisAccount{{Identity: "bogus", Balance: "1"}} },
		"balance":        func(c *Config) { c.Genesis = []GenesisAccount{{Identity: crypto.Identity{1}.Hex(), Balance: "12abc"}} },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
