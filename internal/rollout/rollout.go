// Package rollout evaluates feature flags against an immutable snapshot.
//
// Callers take one Snapshot per operation and pass it explicitly; there is no
// package-level flag state.
package rollout

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// FlagRedisTabLock adds a Redis lease on top of the in-process tab lock
	// so several replicas serialize event application per tab.
	FlagRedisTabLock = "redis_tab_lock"
	// FlagNotifyOnAnomaly sends unmatched webhook events to the notifier.
	FlagNotifyOnAnomaly = "notify_on_anomaly"
	// FlagRuleNotify enables the notification side effect of notify rules.
	FlagRuleNotify = "rule_notify"
)

type Flag struct {
	Enabled    bool     `mapstructure:"enabled" json:"enabled"`
	Percentage int      `mapstructure:"percentage" json:"percentage"`
	Allow      []string `mapstructure:"allow" json:"allow,omitempty"`
}

type Snapshot struct {
	Flags map[string]Flag `mapstructure:"flags" json:"flags"`
}

// DefaultSnapshot enables every flag for all keys.
func DefaultSnapshot() Snapshot {
	return Snapshot{Flags: map[string]Flag{
		FlagRedisTabLock:    {Enabled: true, Percentage: 100},
		FlagNotifyOnAnomaly: {Enabled: true, Percentage: 100},
		FlagRuleNotify:      {Enabled: true, Percentage: 100},
	}}
}

// Enabled reports whether flag is on for key. Unknown flags are off.
func Enabled(s Snapshot, flag, key string) bool {
	f, ok := s.Flags[strings.TrimSpace(flag)]
	if !ok || !f.Enabled {
		return false
	}
	for _, allowed := range f.Allow {
		if allowed == key {
			return true
		}
	}
	return Bucket(flag, key) < clampPercentage(f.Percentage)
}

// Bucket maps (flag, key) to a stable bucket in [0, 100).
func Bucket(flag, key string) int {
	return int(xxhash.Sum64String(flag+":"+key) % 100)
}

func clampPercentage(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
