package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references in r, decodes the YAML,
// applies defaults, and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} in data with values from the
// process environment. An unset variable without a default expands to the
// empty string. Bare $VAR is left untouched so passwords may contain '$'.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is an error only when required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			slog.Debug("config: no env file", "path", path)
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	slog.Debug("config: env file loaded", "path", path)
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	required := []struct{ name, value string }{
		{"discord.token", cfg.Discord.Token},
		{"discord.guild_id", cfg.Discord.GuildID},
		{"discord.voice_channel_id", cfg.Discord.VoiceChannelID},
		{"icecast.server", cfg.Icecast.Server},
		{"icecast.password", cfg.Icecast.Password},
		{"icecast.mount_point", cfg.Icecast.MountPoint},
	}
	for _, f := range required {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}

	// Icecast
	if cfg.Icecast.Port < 1 || cfg.Icecast.Port > 65535 {
		errs = append(errs, fmt.Errorf("icecast.port %d is out of range [1, 65535]", cfg.Icecast.Port))
	}
	if cfg.Icecast.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("icecast.stop_timeout %v must not be negative", cfg.Icecast.StopTimeout))
	}
	if cfg.Icecast.Restart.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("icecast.restart.max_failures %d must not be negative", cfg.Icecast.Restart.MaxFailures))
	}
	if cfg.Icecast.Restart.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("icecast.restart.reset_timeout %v must not be negative", cfg.Icecast.Restart.ResetTimeout))
	}

	// Bridge
	b := cfg.Bridge
	if b.CommandPrefix == "" {
		errs = append(errs, errors.New("bridge.command_prefix must not be empty"))
	}
	if b.BufferDuration <= 0 || b.BufferDuration%audio.MinFrameDuration != 0 {
		errs = append(errs, fmt.Errorf("bridge.buffer_duration %v must be a positive multiple of 10ms", b.BufferDuration))
	}
	if b.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("bridge.tick_interval %v must be positive", b.TickInterval))
	}
	if b.MaxSilence <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_silence %v must be positive", b.MaxSilence))
	} else if b.BufferDuration > 0 && b.MaxSilence < b.BufferDuration {
		errs = append(errs, fmt.Errorf("bridge.max_silence %v is shorter than buffer_duration %v", b.MaxSilence, b.BufferDuration))
	}
	if b.Channels != 1 && b.Channels != 2 {
		errs = append(errs, fmt.Errorf("bridge.channels %d is invalid; valid values: 1, 2", b.Channels))
	}
	for _, c := range []struct{ name, path string }{{"bridge.start_cue", b.StartCue}, {"bridge.stop_cue", b.StopCue}} {
		if c.path == "" {
			continue
		}
		if _, err := os.Stat(c.path); err != nil {
			slog.Warn("config: cue file is not readable; it will be skipped", "field", c.name, "path", c.path, "err", err)
		}
	}

	return errors.Join(errs...)
}
