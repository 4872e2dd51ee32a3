package config

// ConfigDiff describes what changed between two process configs.
// Log level and model changes can be applied without a restart; QueueChanged
// is only reported, since queue settings take effect after a restart. Other
// fields (Discord token/prefix, database DSNs, ...) are not tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     string

	ModelsChanged bool
	QueueChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Models != new.Models {
		d.ModelsChanged = true
	}

	if old.Queue != new.Queue {
		d.QueueChanged = true
	}

	return d
}
