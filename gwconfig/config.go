// Package gwconfig loads the YAML configuration for the surrounding
// gateway process: protocol timeouts/retries, session dormancy, and the
// security provisioning inputs (device authentication key, per-user
// password hashes) the core session layer needs but does not itself
// define a source for.
package gwconfig

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written in the
// usual "500ms"/"2m" form; yaml.v3 has no native duration decoding.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("gwconfig: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the gateway's on-disk configuration, modeled on the pack's
// YAML-loaded Config/Load(path) pattern.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Session  SessionConfig  `yaml:"session"`
	Security SecurityConfig `yaml:"security"`
	Logs     LogsConfig     `yaml:"logs"`
}

// ListenConfig names the local control/data bind addresses. Actually
// opening sockets is an external collaborator's job; this just carries
// the values through from configuration.
type ListenConfig struct {
	ControlAddr string `yaml:"control_addr"`
	DataAddr    string `yaml:"data_addr"`
}

// TimeoutsConfig carries the per-role ack timeout/retry knobs.
type TimeoutsConfig struct {
	TunnelingAck      Duration `yaml:"tunneling_ack"`
	TunnelingRetries  int      `yaml:"tunneling_retries"`
	DeviceMgmtAck     Duration `yaml:"device_mgmt_ack"`
	DeviceMgmtRetries int      `yaml:"device_mgmt_retries"`
}

// SessionConfig carries the secure-session sweeper knobs.
type SessionConfig struct {
	Dormancy      Duration `yaml:"dormancy"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// SecurityConfig carries the device-authentication key and per-user
// password hashes, both hex-encoded 16-byte AES keys.
type SecurityConfig struct {
	DeviceAuthKey      string            `yaml:"device_auth_key"`
	UserPasswordHashes map[string]string `yaml:"user_password_hashes"`
}

// LogsConfig configures the composition root's logrus output.
type LogsConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the YAML configuration at path, filling in the
// documented defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Listen: ListenConfig{
			ControlAddr: "0.0.0.0:3671",
			DataAddr:    "0.0.0.0:3671",
		},
		Timeouts: TimeoutsConfig{
			TunnelingAck:      Duration(1 * time.Second),
			TunnelingRetries:  3,
			DeviceMgmtAck:     Duration(10 * time.Second),
			DeviceMgmtRetries: 2,
		},
		Session: SessionConfig{
			Dormancy:      Duration(2 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Security: SecurityConfig{
			UserPasswordHashes: map[string]string{},
		},
		Logs: LogsConfig{
			Level: "info",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeviceAuthKeyBytes decodes the configured device authentication key.
// An empty configuration value decodes to the all-zero key.
func (c *Config) DeviceAuthKeyBytes() ([16]byte, error) {
	return decodeKey(c.Security.DeviceAuthKey)
}

// PasswordHash implements gwcore.PasswordHashProvider, resolving a user
// id to its configured password hash.
func (c *Config) PasswordHash(userID uint16) ([16]byte, bool) {
	raw, ok := c.Security.UserPasswordHashes[strconv.Itoa(int(userID))]
	if !ok {
		return [16]byte{}, false
	}
	key, err := decodeKey(raw)
	if err != nil {
		return [16]byte{}, false
	}
	return key, true
}

func decodeKey(hexStr string) ([16]byte, error) {
	var key [16]byte
	if hexStr == "" {
		return key, nil
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return key, fmt.Errorf("gwconfig: invalid hex key: %w", err)
	}
	if len(b) != 16 {
		return key, fmt.Errorf("gwconfig: key must be 16 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}
