package config

import "time"

// ConfigDiff describes what changed between two configs. Fields that can be
// applied to a running bridge are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CommandPrefixChanged bool
	NewCommandPrefix     string

	MaxSilenceChanged bool
	NewMaxSilence     time.Duration

	// RestartRequired names changed sections that only take effect after a
	// restart, e.g. "icecast".
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CommandPrefixChanged || d.MaxSilenceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Bridge.CommandPrefix != new.Bridge.CommandPrefix {
		d.CommandPrefixChanged = true
		d.NewCommandPrefix = new.Bridge.CommandPrefix
	}
	if old.Bridge.MaxSilence != new.Bridge.MaxSilence {
		d.MaxSilenceChanged = true
		d.NewMaxSilence = new.Bridge.MaxSilence
	}

	// Compare the remaining fields with the hot-reloadable ones masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer.ListenAddr != newServer.ListenAddr || !sameTLS(oldServer.TLS, newServer.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Icecast != new.Icecast {
		d.RestartRequired = append(d.RestartRequired, "icecast")
	}
	oldBridge, newBridge := old.Bridge, new.Bridge
	oldBridge.CommandPrefix, newBridge.CommandPrefix = "", ""
	oldBridge.MaxSilence, newBridge.MaxSilence = 0, 0
	if oldBridge != newBridge {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
