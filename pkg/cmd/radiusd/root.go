package radiusd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tekesan/freeradius-server/pkg/server"
	"github.com/tekesan/freeradius-server/pkg/util/interrupt"
	"github.com/tekesan/freeradius-server/pkg/version"

	// Modules shipped with radiusd.
	_ "github.com/tekesan/freeradius-server/pkg/protocols/radius"
)

// EnvPrefix prefixes environment variables overriding config keys.
const EnvPrefix = "RADIUSD"

// Execute runs App() and calls os.Exit when finished.
func Execute() {
	if err := App().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func App() *cli.App {
	app := cli.NewApp()
	app.Name = "radiusd"
	app.Usage = "RADIUS server built from protocol and application modules."
	app.Description = `A modular RADIUS server. Every virtual server is driven by one protocol
module, or by one application module with per-listener I/O modules.

Visit the repository for the configuration reference.`
	app.Version = version.String()

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}

	var (
		debug      bool
		check      bool
		configFile string
		verbosity  int
	)
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       `config file (default: ./radiusd.yml) Supports: yaml/yml, json`,
			EnvVars:     []string{EnvPrefix + "_CONFIG"},
			Destination: &configFile,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Aliases:     []string{"d"},
			Usage:       "Enable debug mode and highest log verbosity",
			Destination: &debug,
			EnvVars:     []string{EnvPrefix + "_DEBUG"},
		},
		&cli.IntFlag{
			Name:        "verbosity",
			Aliases:     []string{"v"},
			Usage:       "The higher the verbosity the more logs are shown",
			EnvVars:     []string{EnvPrefix + "_VERBOSITY"},
			Destination: &verbosity,
		},
		&cli.BoolFlag{
			Name:        "check",
			Aliases:     []string{"C"},
			Usage:       "Check the configuration and exit without opening any listener",
			Destination: &check,
		},
	}
	app.Commands = []*cli.Command{
		configCommand(),
	}
	app.Action = func(c *cli.Context) error {
		// Init viper
		v, err := initViper(c, configFile)
		if err != nil {
			return cli.Exit(err, 1)
		}
		// Load config
		cfg, err := LoadConfig(v)
		if err != nil {
			return cli.Exit(err, 1)
		}

		// Flags override config
		if c.IsSet("debug") {
			cfg.Debug = debug
		}
		if cfg.Debug {
			verbosity = 1000
		}

		// Create logger
		log, err := newLogger(cfg.Debug, verbosity)
		if err != nil {
			return cli.Exit(fmt.Errorf("error creating zap logger: %w", err), 1)
		}
		log.Info("starting", "version", version.Banner())
		if v.ConfigFileUsed() != "" {
			log.Info("using config file", "config", v.ConfigFileUsed())
		}

		ctx, cancel := interrupt.TerminationContext(c.Context)
		defer cancel()
		ctx = logr.NewContext(ctx, log)

		if check {
			if err = Check(ctx, cfg); err != nil {
				return cli.Exit(err, 1)
			}
			log.Info("configuration appears to be OK")
			return nil
		}

		if err = Run(ctx, v, cfg); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	}
	return app
}

func initViper(c *cli.Context, configFile string) (*viper.Viper, error) {
	v := viper.New()
	if c.IsSet("config") {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("radiusd")
		v.AddConfigPath(".")
	}
	// Load Environment Variables
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	server.SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is only an error when set explicitly.
		var notFound viper.ConfigFileNotFoundError
		if c.IsSet("config") || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %q: %w", v.ConfigFileUsed(), err)
		}
	}
	return v, nil
}

// newLogger returns a new zap logger with a modified production
// or development default config to ensure human readability.
func newLogger(debug bool, verbosity int) (l logr.Logger, err error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
