package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/saintparish4/unl/internal/directory"
	"github.com/saintparish4/unl/internal/rendezvous"
)

var addrFlag = &cli.StringFlag{
	Name:  "addr",
	Usage: "Listen address",
}

var rendezvousCommand = &cli.Command{
	Name:  "rendezvous",
	Usage: "Run a development rendezvous server",
	Flags: []cli.Flag{
		addrFlag,
		&cli.DurationFlag{
			Name:  "lead",
			Usage: "Delay between accepting a punch and its scheduled start",
		},
		&cli.BoolFlag{
			Name:  "no-relay",
			Usage: "Refuse to relay connections",
		},
	},
	Action: func(c *cli.Context) error {
		file := fileFrom(c).Rendezvous
		cfg := rendezvous.DefaultConfig()
		cfg.Addr = file.Addr
		cfg.Lead = file.Lead
		if c.IsSet(addrFlag.Name) {
			cfg.Addr = c.String(addrFlag.Name)
		}
		if c.IsSet("lead") {
			cfg.Lead = c.Duration("lead")
		}
		cfg.DisableRelay = c.Bool("no-relay")
		cfg.Logger = loggerFrom(c)

		s := rendezvous.New(cfg)
		if err := s.Start(); err != nil {
			return err
		}
		fmt.Printf("Rendezvous server listening on %s\n", s.Addr())
		return serveUntilSignal(c.Context, s.Shutdown)
	},
}

var directoryCommand = &cli.Command{
	Name:  "directory",
	Usage: "Run a development directory server",
	Flags: []cli.Flag{
		addrFlag,
		&cli.DurationFlag{
			Name:  "stale",
			Usage: "Drop records not refreshed for this long",
		},
	},
	Action: func(c *cli.Context) error {
		file := fileFrom(c).Directory
		cfg := directory.DefaultConfig()
		cfg.Addr = file.Addr
		cfg.StaleTimeout = file.StaleTimeout
		if c.IsSet(addrFlag.Name) {
			cfg.Addr = c.String(addrFlag.Name)
		}
		if c.IsSet("stale") {
			cfg.StaleTimeout = c.Duration("stale")
		}
		cfg.Logger = loggerFrom(c)

		s := directory.New(cfg)
		if err := s.Start(); err != nil {
			return err
		}
		fmt.Printf("Directory server listening on %s\n", s.URL())
		return serveUntilSignal(c.Context, s.Shutdown)
	},
}

// serveUntilSignal blocks until interrupted, then shuts down gracefully
func serveUntilSignal(ctx context.Context, shutdown func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return shutdown(shutdownCtx)
}
