package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/internal/config"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
		EnvVars: []string{"UNL_CONFIG"},
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Human readable debug logging",
	}
)

func main() {
	app := &cli.App{
		Name:  "unl",
		Usage: "NAT traversing TCP node",
		Flags: []cli.Flag{configFlag, verboseFlag},
		Commands: []*cli.Command{
			nodeCommand,
			connectCommand,
			discoverCommand,
			rendezvousCommand,
			directoryCommand,
		},
		Before: setup,
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				log.Sync()
			}
			return nil
		},
		CommandNotFound: func(c *cli.Context, cmd string) {
			fmt.Fprintf(os.Stderr, "No such command: %s\n", cmd)
			os.Exit(1)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config file and builds the logger for every command
func setup(c *cli.Context) error {
	file := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if file, err = config.Load(path); err != nil {
			return err
		}
	}
	log, err := newLogger(file.Log, c.Bool(verboseFlag.Name))
	if err != nil {
		return err
	}
	c.App.Metadata = map[string]any{"config": file, "logger": log}
	return nil
}

func newLogger(cfg config.Log, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose || cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" && !verbose {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func fileFrom(c *cli.Context) config.File {
	if f, ok := c.App.Metadata["config"].(config.File); ok {
		return f
	}
	return config.Default()
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
		return log
	}
	return zap.NewNop()
}
