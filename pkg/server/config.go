package server

import (
	"fmt"
	"time"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/transport"
	"github.com/tekesan/freeradius-server/pkg/util/configutil"
	"github.com/tekesan/freeradius-server/pkg/util/validation"
)

// DefaultConfig is a default Config.
var DefaultConfig = Config{
	Workers: Workers{
		QueueSize: 1024,
	},
	Grace: 5 * time.Second,
	Quota: Quota{
		Enabled:    false,
		PPS:        200,
		Burst:      400,
		MaxEntries: 10000,
	},
	HealthService: HealthService{
		Enabled: false,
		Bind:    "0.0.0.0:9090",
	},
}

// Config is the root configuration of radiusd.
type Config struct {
	// Servers are the virtual servers. Each one is a free-form section
	// handed to its protocol or application module:
	//
	//	name:     unique name of the virtual server
	//	protocol: name of a protocol module, or
	//	app:      name of an application module
	//	listen:   list of listen sections (name, transport, tls, mandatory, io, ...)
	//	recv:     packet type sections
	Servers []map[string]any `json:"servers,omitempty" yaml:"servers,omitempty"`
	// Workers configure the shared worker pool.
	Workers Workers `json:"workers,omitempty" yaml:"workers,omitempty"`
	// Grace bounds how long a listener teardown waits for in-flight requests.
	Grace time.Duration `json:"grace,omitempty" yaml:"grace,omitempty"`
	// Quota limits the packets accepted per source address.
	Quota Quota `json:"quota,omitempty" yaml:"quota,omitempty"`
	// GRPC health probe service for use with Kubernetes pods.
	// (https://github.com/grpc-ecosystem/grpc-health-probe)
	HealthService HealthService `json:"healthService,omitempty" yaml:"healthService,omitempty"`
	// Debug dumps every received request and sent reply.
	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

type (
	Workers struct {
		Count     int `json:"count,omitempty" yaml:"count,omitempty"` // 0 means GOMAXPROCS
		QueueSize int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`
	}
	Quota struct {
		Enabled    bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		PPS        float64 `json:"pps,omitempty" yaml:"pps,omitempty"` // packets per second per source
		Burst      int     `json:"burst,omitempty" yaml:"burst,omitempty"`
		MaxEntries int     `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`
	}
	HealthService struct {
		Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		Bind    string `json:"bind,omitempty" yaml:"bind,omitempty"`
	}
)

// SetDefaults sets Config defaults to use with Viper.
func SetDefaults(i configutil.SetDefault) {
	i.SetDefault("grace", DefaultConfig.Grace)
	configutil.Prefix("workers", i).SetDefault("queuesize", DefaultConfig.Workers.QueueSize)

	quota := configutil.Prefix("quota", i)
	quota.SetDefault("pps", DefaultConfig.Quota.PPS)
	quota.SetDefault("burst", DefaultConfig.Quota.Burst)
	quota.SetDefault("maxentries", DefaultConfig.Quota.MaxEntries)

	configutil.Prefix("healthservice", i).SetDefault("bind", DefaultConfig.HealthService.Bind)
}

// sections returns the virtual server sections of c.
func (c *Config) sections() []conf.Section {
	out := make([]conf.Section, 0, len(c.Servers))
	for i, m := range c.Servers {
		cs := conf.FromValue("server", m)
		if cs == nil {
			cs = conf.FromValue(fmt.Sprintf("server[%d]", i), map[string]any{})
		}
		out = append(out, cs)
	}
	return out
}

// Validate validates Config. Module specific keys are validated by the
// modules themselves during bootstrap and parse.
func (c *Config) Validate() (warns []error, errs []error) {
	e := func(m string, args ...any) { errs = append(errs, fmt.Errorf(m, args...)) }
	w := func(m string, args ...any) { warns = append(warns, fmt.Errorf(m, args...)) }

	if c == nil {
		e("config must not be nil")
		return
	}

	if len(c.Servers) == 0 {
		w("No virtual servers configured.")
	}

	names := map[string]bool{}
	for i, vs := range c.sections() {
		name := vs.Name2()
		if !validation.ValidName(name) {
			e("Invalid virtual server name %q at index %d: %s and length be 1-%d", name, i,
				validation.QualifiedNameErrMsg, validation.QualifiedNameMaxLength)
			continue
		}
		if names[name] {
			e("Duplicate virtual server name %q", name)
		}
		names[name] = true

		proto, hasProto := vs.Value("protocol")
		app, hasApp := vs.Value("app")
		switch {
		case hasProto && hasApp:
			e("Virtual server %q names both protocol %q and app %q", name, proto, app)
		case !hasProto && !hasApp:
			e("Virtual server %q names neither a protocol nor an app", name)
		}
		for _, m := range []string{proto, app} {
			if m != "" && !validation.ValidModuleName(m) {
				e("Invalid module name %q in virtual server %q: %s", m, name, validation.ModuleNameErrMsg)
			}
		}

		listens := vs.Sections("listen")
		if len(listens) == 0 {
			w("Virtual server %q has no listen sections.", name)
		}
		seen := map[string]bool{}
		for j, l := range listens {
			lname := listenerName(name, j, l)
			if n := l.Name2(); n != "" && !validation.ValidName(n) {
				e("Invalid listener name %q in virtual server %q: %s", n, name, validation.QualifiedNameErrMsg)
			}
			if seen[lname] {
				e("Duplicate listener name %q in virtual server %q", lname, name)
			}
			seen[lname] = true
			if v, ok := l.Value("transport"); ok {
				if _, err := transport.Parse(v); err != nil {
					e("Listener %q: %v", lname, err)
				}
			}
		}
	}

	if c.Workers.Count < 0 {
		e("Invalid worker count %d, use a number >= 0", c.Workers.Count)
	}
	if c.Workers.QueueSize < 1 {
		e("Invalid worker queue size %d, use a number >= 1", c.Workers.QueueSize)
	}
	if c.Grace < 0 {
		e("Invalid grace period %s, use a duration >= 0", c.Grace)
	}

	if c.Quota.Enabled {
		if c.Quota.PPS <= 0 {
			e("Invalid quota pps %v, use a number > 0", c.Quota.PPS)
		}
		if c.Quota.Burst < 1 {
			e("Invalid quota burst %d, use a number >= 1", c.Quota.Burst)
		}
		if c.Quota.MaxEntries < 1 {
			e("Invalid quota max entries %d, use a number >= 1", c.Quota.MaxEntries)
		}
	}

	if c.HealthService.Enabled {
		if err := validation.ValidHostPort(c.HealthService.Bind); err != nil {
			e("Invalid health probe bind address %q: %v", c.HealthService.Bind, err)
		}
	}

	return
}

// listenerName returns the name of the i-th listen section of server vs.
func listenerName(vs string, i int, l conf.Section) string {
	if n := l.Name2(); n != "" {
		return vs + "/" + n
	}
	return fmt.Sprintf("%s/listen[%d]", vs, i)
}
