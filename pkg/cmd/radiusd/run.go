package radiusd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tekesan/freeradius-server/pkg/internal/health"
	"github.com/tekesan/freeradius-server/pkg/internal/reload"
	"github.com/tekesan/freeradius-server/pkg/server"
	"github.com/tekesan/freeradius-server/pkg/telemetry"
	"github.com/tekesan/freeradius-server/pkg/util/interrupt"
)

// Config is the radiusd config file read in with Viper.
type Config struct {
	server.Config `mapstructure:",squash" yaml:",inline"`
	// OpenTelemetry setup. Exporters are configured with OTEL_* variables.
	Telemetry telemetry.Config `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// LoadConfig decodes the config read in by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{Config: server.DefaultConfig}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if file := v.ConfigFileUsed(); file != "" {
		servers, err := readServers(file)
		if err != nil {
			return nil, err
		}
		cfg.Servers = servers
	}
	return cfg, nil
}

// readServers decodes the virtual server sections of the config file.
// Viper lowercases map keys but module sections are case-sensitive
// (user names, packet type names), so they are read with yaml directly.
// JSON files are valid yaml.
func readServers(file string) ([]map[string]any, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var doc struct {
		Servers []map[string]any `yaml:"servers"`
	}
	if err = yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("error decoding servers of %q: %w", file, err)
	}
	return doc.Servers, nil
}

// validate logs warnings and returns all config errors combined.
func validate(log logr.Logger, cfg *Config) error {
	warns, errs := cfg.Validate()
	for _, w := range warns {
		log.Info("config validation warn", "warn", w.Error())
	}
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		log.Info("config validation error", "error", e.Error())
	}
	return fmt.Errorf("found %d config errors: %w", len(errs), multierr.Combine(errs...))
}

// Check validates cfg and runs all module checks without opening listeners.
func Check(ctx context.Context, cfg *Config) error {
	log := logr.FromContextOrDiscard(ctx)
	if err := validate(log, cfg); err != nil {
		return err
	}
	srv, err := server.New(server.Options{Config: &cfg.Config, Logger: log})
	if err != nil {
		return err
	}
	return srv.Check(ctx)
}

// Run runs radiusd until ctx is canceled. The config is reloaded when the
// config file changes or on SIGHUP.
func Run(ctx context.Context, v *viper.Viper, cfg *Config) error {
	log := logr.FromContextOrDiscard(ctx)
	if err := validate(log, cfg); err != nil {
		return err
	}

	cleanup, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer cleanup()

	mgr := event.New(event.WithLogger(log.WithName("event")))
	instruments, err := telemetry.Instrument(telemetry.Options{EventMgr: mgr})
	if err != nil {
		return fmt.Errorf("error instrumenting server: %w", err)
	}
	defer instruments.Close()

	srv, err := server.New(server.Options{
		Config: &cfg.Config,
		Event:  mgr,
		Logger: log,
	})
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.HealthService.Enabled {
		probe, err := health.New(cfg.HealthService.Bind)
		if err != nil {
			return fmt.Errorf("error creating health probe service: %w", err)
		}
		log.Info("health probe service running", "addr", cfg.HealthService.Bind)
		eg.Go(func() error {
			return probe(ctx, health.Ready(srv.Healthy))
		})
	}

	r := &reloader{v: v, srv: srv, mgr: mgr, current: cfg}
	if file := v.ConfigFileUsed(); file != "" {
		if err = reload.Watch(ctx, file, r.reload); err != nil {
			log.Error(err, "error watching config file, auto reload disabled")
		}
	}
	eg.Go(func() error {
		for range interrupt.Reload(ctx) {
			log.Info("received SIGHUP")
			if err := r.reload(ctx); err != nil {
				log.Error(err, "failed to reload config")
			}
		}
		return nil
	})

	eg.Go(func() error {
		return srv.Start(ctx)
	})
	return eg.Wait()
}

type reloader struct {
	mu      sync.Mutex
	v       *viper.Viper
	srv     *server.Server
	mgr     event.Manager
	current *Config
}

// reload re-reads the config file and applies it.
func (r *reloader) reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}
	cfg, err := LoadConfig(r.v)
	if err != nil {
		return err
	}
	if err = validate(logr.FromContextOrDiscard(ctx), cfg); err != nil {
		return err
	}
	if err = r.srv.Reload(ctx, &cfg.Config); err != nil {
		return err
	}
	prev := r.current
	r.current = cfg
	reload.FireConfigUpdate(r.mgr, cfg, prev)
	return nil
}
