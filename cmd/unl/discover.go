package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/saintparish4/unl/internal/portmap"
	"github.com/saintparish4/unl/pkg/nat"
	"github.com/saintparish4/unl/pkg/netutil"
	"github.com/saintparish4/unl/pkg/stun"
)

var discoverCommand = &cli.Command{
	Name:  "discover",
	Usage: "Print the public and LAN address and classify the NAT",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "stun",
			Usage:   "STUN server (repeatable)",
			EnvVars: []string{"STUN_SERVER"},
		},
		rendezvousFlag,
		portmapFlag,
	},
	Action: runDiscover,
}

func runDiscover(c *cli.Context) error {
	ctx := c.Context
	log := loggerFrom(c)

	scfg := stun.DefaultConfig()
	scfg.Logger = log
	if servers := c.StringSlice("stun"); len(servers) > 0 {
		scfg.Servers = servers
	}
	fmt.Printf("Discovering public endpoint via STUN (%v)...\n", scfg.Servers)
	ep, err := stun.New(scfg).Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	fmt.Printf("  Public endpoint : %s\n", ep)

	if ip, err := netutil.LANIP(); err == nil {
		fmt.Printf("  LAN address     : %s\n", ip)
	} else {
		fmt.Printf("  LAN address     : unavailable (%v)\n", err)
	}

	servers := c.StringSlice(rendezvousFlag.Name)
	if len(servers) == 0 {
		servers = fileFrom(c).Servers.Rendezvous
	}
	if len(servers) > 0 {
		pcfg := nat.DefaultProberConfig(servers...)
		pcfg.Logger = log
		probe, err := nat.NewProber(pcfg).Detect(ctx)
		if err != nil {
			fmt.Printf("  NAT class       : unknown (%v)\n", err)
		} else {
			fmt.Printf("  NAT class       : %s (delta %d, via %s)\n", probe.Class, probe.Delta, probe.Server)
		}
	} else {
		fmt.Println("  NAT class       : skipped, no rendezvous server")
	}

	if c.Bool(portmapFlag.Name) {
		pcfg := portmap.DefaultConfig()
		pcfg.Logger = log
		m := portmap.New(pcfg)
		defer m.Close()
		if ip, err := m.ExternalIP(ctx); err == nil {
			fmt.Printf("  Gateway WAN IP  : %s\n", ip)
		} else {
			fmt.Printf("  Gateway WAN IP  : unavailable (%v)\n", err)
		}
	}
	return nil
}
