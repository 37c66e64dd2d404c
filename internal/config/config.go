// Package config provides the configuration schema, loader, and hot-reload
// watcher for voxcast.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the slog level for l. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr     = ":9090"
	DefaultLogLevel       = LogInfo
	DefaultIcecastPort    = 8000
	DefaultIcecastUser    = "source"
	DefaultFFmpegPath     = "ffmpeg"
	DefaultBitrate        = "132k"
	DefaultStopTimeout    = 5 * time.Second
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second
	DefaultCommandPrefix  = "!"
	DefaultMaxSilence     = 30 * time.Second
	DefaultBufferDuration = 10 * time.Millisecond
	DefaultTickInterval   = 5 * time.Millisecond
	DefaultChannels       = 2
)

// Config is the root configuration structure for voxcast.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Discord DiscordConfig `yaml:"discord"`
	Icecast IcecastConfig `yaml:"icecast"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address serving /metrics, /healthz, /readyz and
	// /events (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DiscordConfig identifies the bot and the channels it serves.
type DiscordConfig struct {
	Token          string `yaml:"token"`
	GuildID        string `yaml:"guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`

	// TextChannelID is where commands are read. Empty uses the chat built
	// into the voice channel.
	TextChannelID string `yaml:"text_channel_id"`

	// ControllerRoleID restricts stream control to one role. Empty allows
	// everyone.
	ControllerRoleID string `yaml:"controller_role_id"`

	// SlashCommands registers the /stream command.
	SlashCommands bool `yaml:"slash_commands"`
}

// IcecastConfig describes the Icecast mount and the encoder feeding it.
type IcecastConfig struct {
	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	MountPoint string `yaml:"mount_point"`

	// FFmpegPath is the encoder binary, looked up in PATH when relative.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Bitrate is passed to ffmpeg as -b:a.
	Bitrate string `yaml:"bitrate"`

	// StopTimeout is how long a stopping encoder may drain before it is
	// killed.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig tunes the circuit breaker around encoder launches.
type RestartConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BridgeConfig tunes the bridge engine.
type BridgeConfig struct {
	// CommandPrefix marks chat messages as commands. Hot-reloadable.
	CommandPrefix string `yaml:"command_prefix"`

	// MaxSilence ends a stream after this much uninterrupted silence.
	// Hot-reloadable.
	MaxSilence time.Duration `yaml:"max_silence"`

	// BufferDuration is the audio window mixed per tick. Must be a positive
	// multiple of 10ms.
	BufferDuration time.Duration `yaml:"buffer_duration"`

	// TickInterval is the watchdog period between ticks.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Channels is the channel count written to the encoder: 1 or 2.
	Channels int `yaml:"channels"`

	// Autoconnect starts streaming as soon as the bot is up.
	Autoconnect bool `yaml:"autoconnect"`

	// StartCue and StopCue are optional audio files played into the voice
	// channel when a stream starts or stops.
	StartCue string `yaml:"start_cue"`
	StopCue  string `yaml:"stop_cue"`

	// SuggestCommands appends a "did you mean" hint to unknown commands.
	SuggestCommands bool `yaml:"suggest_commands"`
}

// ApplyDefaults fills unset fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, DefaultLogLevel)

	setDefault(&cfg.Icecast.Port, DefaultIcecastPort)
	setDefault(&cfg.Icecast.Username, DefaultIcecastUser)
	setDefault(&cfg.Icecast.FFmpegPath, DefaultFFmpegPath)
	setDefault(&cfg.Icecast.Bitrate, DefaultBitrate)
	setDefault(&cfg.Icecast.StopTimeout, DefaultStopTimeout)
	setDefault(&cfg.Icecast.Restart.MaxFailures, DefaultMaxFailures)
	setDefault(&cfg.Icecast.Restart.ResetTimeout, DefaultResetTimeout)

	setDefault(&cfg.Bridge.CommandPrefix, DefaultCommandPrefix)
	setDefault(&cfg.Bridge.MaxSilence, DefaultMaxSilence)
	setDefault(&cfg.Bridge.BufferDuration, DefaultBufferDuration)
	setDefault(&cfg.Bridge.TickInterval, DefaultTickInterval)
	setDefault(&cfg.Bridge.Channels, DefaultChannels)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
