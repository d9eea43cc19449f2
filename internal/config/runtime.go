package config

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nulpointcorp/switchboard/internal/intent"
	"github.com/nulpointcorp/switchboard/internal/redact"
)

// DefaultIntentTimeout bounds one intent routing call.
const DefaultIntentTimeout = 10 * time.Second

// RuntimeSettings are the hot-reloadable pipeline settings.
type RuntimeSettings struct {
	Redaction    redact.Config   `mapstructure:"redaction"`
	IntentRouter intent.Settings `mapstructure:"intent_router"`
}

// Validate checks both blocks.
func (s RuntimeSettings) Validate() error {
	if err := s.Redaction.Validate(); err != nil {
		return invalid("redaction", "%v", err)
	}
	if s.IntentRouter.Timeout < 0 {
		return invalid("intent_router.timeout", "must not be negative")
	}
	return nil
}

// Runtime holds the current RuntimeSettings. Readers get a consistent
// snapshot; a reload swaps the whole value. A reload that fails validation
// keeps the previous settings.
type Runtime struct {
	cur  atomic.Pointer[RuntimeSettings]
	v    *viper.Viper
	log  *slog.Logger
	file string
}

// NewRuntime reads the runtime blocks from path (or the default file
// locations when empty). A missing file yields disabled defaults.
func NewRuntime(path string, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("intent_router.timeout", DefaultIntentTimeout)
	v.SetDefault("redaction.on_error", string(redact.WarnAndBypass))

	r := &Runtime{v: v, log: log, file: v.ConfigFileUsed()}
	s, err := r.decode()
	if err != nil {
		return nil, err
	}
	r.cur.Store(s)
	return r, nil
}

func (r *Runtime) decode() (*RuntimeSettings, error) {
	var s RuntimeSettings
	if err := r.v.Unmarshal(&s); err != nil {
		return nil, invalid("runtime settings", "%v", err)
	}
	if s.IntentRouter.Timeout == 0 {
		s.IntentRouter.Timeout = DefaultIntentTimeout
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Watch starts reloading on file changes. It is a no-op without a file.
func (r *Runtime) Watch() {
	if r.v == nil || r.file == "" {
		return
	}
	r.v.OnConfigChange(func(ev fsnotify.Event) {
		r.reload(ev.Name)
	})
	r.v.WatchConfig()
	r.log.Info("runtime_settings_watching", slog.String("file", r.file))
}

// reload re-decodes the file viper has already re-read.
func (r *Runtime) reload(name string) {
	s, err := r.decode()
	if err != nil {
		r.log.Warn("runtime_settings_rejected",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.cur.Store(s)
	r.log.Info("runtime_settings_reloaded",
		slog.String("file", name),
		slog.Bool("redaction_enabled", s.Redaction.Enabled),
		slog.Int("redaction_rules", len(s.Redaction.Rules)),
		slog.Bool("intent_router_enabled", s.IntentRouter.Enabled),
	)
}

// Load returns the current snapshot.
func (r *Runtime) Load() RuntimeSettings { return *r.cur.Load() }

// Redaction implements proxy.Runtime.
func (r *Runtime) Redaction() redact.Config { return r.Load().Redaction }

// IntentRouter implements proxy.Runtime.
func (r *Runtime) IntentRouter() intent.Settings { return r.Load().IntentRouter }

// File is the watched file, empty when none was found.
func (r *Runtime) File() string { return r.file }
