package config

import (
	"fmt"
	"math"
	"net"
	"strings"

	"workescrow/native/escrow"
)

// MaxKeeperPollSeconds bounds how stale an expired agreement may get before
// the keeper looks at it.
var MaxKeeperPollSeconds = uint64(24 * 3600)

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	switch cfg.Backend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: unsupported backend %q", cfg.Backend)
	}
	if cfg.Backend != BackendMemory && strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required for %s backend", cfg.Backend)
	}
	if err := validateListen("RPCAddress", cfg.RPCAddress); err != nil {
		return err
	}
	if cfg.MetricsAddress != "" {
		if err := validateListen("MetricsAddress", cfg.MetricsAddress); err != nil {
			return err
		}
	}
	if cfg.RPCReadTimeout < 0 || cfg.RPCWriteTimeout < 0 {
		return fmt.Errorf("config: RPC timeouts must be positive")
	}
	if cfg.RPCMaxSignatureSkew < 0 {
		return fmt.Errorf("config: RPCMaxSignatureSkew must not be negative")
	}
	if cfg.Escrow.ReservePerByte > math.MaxUint64/escrow.RecordSize {
		return fmt.Errorf("escrow: ReservePerByte overflows reserve")
	}
	if cfg.Keeper.Enabled {
		if cfg.Keeper.PollIntervalSeconds == 0 || cfg.Keeper.PollIntervalSeconds > MaxKeeperPollSeconds {
			return fmt.Errorf("keeper: PollIntervalSeconds must be within (0, %d]", MaxKeeperPollSeconds)
		}
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation limits must not be negative")
	}
	if _, err := cfg.GenesisAllocs(); err != nil {
		return err
	}
	return nil
}

func validateListen(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", field, addr, err)
	}
	return nil
}
