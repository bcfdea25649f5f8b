package rollout

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/folio/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Source hands out the current snapshot.
type Source interface {
	Snapshot() Snapshot
}

// Holder keeps the latest valid snapshot and swaps it atomically when the
// backing file changes.
type Holder struct {
	current atomic.Value // holds Snapshot
}

func NewStaticHolder(s Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(s)
	return h
}

func NewHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	log = log.Named("rollout")
	path := strings.TrimSpace(cfg.RolloutConfigPath)
	if path == "" {
		log.Info("no rollout config path set, using defaults")
		return NewStaticHolder(DefaultSnapshot()), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rollout config: %w", err)
	}

	snapshot, err := decode(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticHolder(snapshot)

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			log.Warn("rollout reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("rollout reloaded", zap.String("file", e.Name), zap.Int("flags", len(updated.Flags)))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *Holder) Snapshot() Snapshot {
	return h.current.Load().(Snapshot)
}

func decode(v *viper.Viper) (Snapshot, error) {
	var s Snapshot
	if err := v.UnmarshalKey("rollout", &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode rollout config: %w", err)
	}
	if err := validate(s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func validate(s Snapshot) error {
	for name, f := range s.Flags {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("rollout flag with empty name")
		}
		if f.Percentage < 0 || f.Percentage > 100 {
			return fmt.Errorf("rollout flag %q: percentage %d out of range", name, f.Percentage)
		}
	}
	return nil
}
