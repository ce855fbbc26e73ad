package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only the Live
// fields can be applied without a restart; everything else is reported in
// RestartRequired so the operator can be warned.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GeneratingTimeoutChanged bool
	NewGeneratingTimeout     time.Duration

	GreetingPhrasesChanged bool
	NewGreetingPhrases     []string

	// RestartRequired lists the top-level keys whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Live reports whether d carries at least one hot-reloadable change.
func (d ConfigDiff) Live() bool {
	return d.LogLevelChanged || d.GeneratingTimeoutChanged || d.GreetingPhrasesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.GeneratingTimeout != new.Session.GeneratingTimeout {
		d.GeneratingTimeoutChanged = true
		d.NewGeneratingTimeout = new.Session.GeneratingTimeout
	}
	if !slices.Equal(old.Session.GreetingPhrases, new.Session.GreetingPhrases) {
		d.GreetingPhrasesChanged = true
		d.NewGreetingPhrases = slices.Clone(new.Session.GreetingPhrases)
	}

	oldSrv, newSrv := old.Server, new.Server
	if oldSrv.ListenAddr != newSrv.ListenAddr || oldSrv.PublicBaseURL != newSrv.PublicBaseURL || !sameTLS(oldSrv.TLS, newSrv.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Channel != new.Channel {
		d.RestartRequired = append(d.RestartRequired, "channel")
	}
	if old.Session.ChannelPrefix != new.Session.ChannelPrefix {
		d.RestartRequired = append(d.RestartRequired, "session.channel_prefix")
	}
	if old.Share != new.Share {
		d.RestartRequired = append(d.RestartRequired, "share")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
