package radiusd

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tekesan/freeradius-server/pkg/configs"
)

// configTypes are the embedded configurations printed by the config command.
var configTypes = map[string][]byte{
	"full":    configs.DefaultConfigBytes,
	"minimal": configs.MinimalConfigBytes,
}

func configTypeNames() string {
	names := make([]string, 0, len(configTypes))
	for n := range configTypes {
		names = append(names, n)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Output an example configuration file",
		Description: `Prints an embedded configuration to stdout, or writes it to a file:

	radiusd config > radiusd.yml
	radiusd config --type minimal --output radiusd.yml

The full configuration runs a protocol virtual server on the standard
RADIUS ports and an application virtual server with one UDP and one TCP
listener. The minimal one is a single protocol virtual server.

Run "radiusd --check" on the result before starting the server.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Config type: " + configTypeNames(),
				Value:   "full",
			},
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout. Existing files are not overwritten",
			},
		},
		Action: func(c *cli.Context) error {
			b, ok := configTypes[c.String("type")]
			if !ok {
				return cli.Exit(fmt.Sprintf("unknown config type %q (valid types: %s)",
					c.String("type"), configTypeNames()), 1)
			}

			out := c.Path("output")
			if out == "" {
				if _, err := c.App.Writer.Write(b); err != nil {
					return cli.Exit(fmt.Errorf("error writing config: %w", err), 1)
				}
				return nil
			}

			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return cli.Exit(fmt.Errorf("error creating %q: %w", out, err), 1)
			}
			if _, err = f.Write(b); err != nil {
				_ = f.Close()
				return cli.Exit(fmt.Errorf("error writing config to %q: %w", out, err), 1)
			}
			if err = f.Close(); err != nil {
				return cli.Exit(fmt.Errorf("error writing config to %q: %w", out, err), 1)
			}
			_, _ = fmt.Fprintf(c.App.Writer, "Configuration written to %s\n", out)
			return nil
		},
	}
}
