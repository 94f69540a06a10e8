package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/internal/metrics"
	"github.com/saintparish4/unl/internal/portmap"
	"github.com/saintparish4/unl/pkg/conntable"
	"github.com/saintparish4/unl/pkg/directory"
	"github.com/saintparish4/unl/pkg/p2pnet"
	"github.com/saintparish4/unl/pkg/types"
	"github.com/saintparish4/unl/pkg/unl"
)

const pumpInterval = 100 * time.Millisecond

var (
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "Networking mode: p2p or direct",
	}
	roleFlag = &cli.StringFlag{
		Name:  "role",
		Usage: "Node role: passive, active or simultaneous (probed when unset)",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "Passive listen port, 0 for any",
	}
	peerIDFlag = &cli.StringFlag{
		Name:  "peer-id",
		Usage: "Identity announced to the directory",
	}
	rendezvousFlag = &cli.StringSliceFlag{
		Name:  "rendezvous",
		Usage: "Rendezvous server address (repeatable)",
	}
	forwardingFlag = &cli.StringSliceFlag{
		Name:  "forwarding",
		Usage: "Forwarding server address (repeatable)",
	}
	directoryFlag = &cli.StringFlag{
		Name:  "directory",
		Usage: "Directory WebSocket URL",
	}
	portmapFlag = &cli.BoolFlag{
		Name:  "portmap",
		Usage: "Map the passive port on the gateway through NAT-PMP or UPnP",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Serve Prometheus metrics on this address",
	}
)

var nodeFlags = []cli.Flag{
	modeFlag,
	roleFlag,
	portFlag,
	peerIDFlag,
	rendezvousFlag,
	forwardingFlag,
	directoryFlag,
	portmapFlag,
	metricsFlag,
}

var nodeCommand = &cli.Command{
	Name:   "node",
	Usage:  "Run a node: advertise, bootstrap and relay lines typed on stdin",
	Flags:  nodeFlags,
	Action: runNode,
}

func runNode(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, c)
	if err != nil {
		return err
	}
	defer n.Stop()

	if _, err := n.Advertise(ctx); err != nil {
		loggerFrom(c).Warn("advertise failed", zap.Error(err))
	}
	if _, err := n.Bootstrap(ctx); err != nil {
		loggerFrom(c).Warn("bootstrap failed", zap.Error(err))
	}
	return pump(ctx, n)
}

// netConfig merges command line overrides into the file configuration
func netConfig(c *cli.Context) (p2pnet.Config, error) {
	cfg := fileFrom(c).NetConfig()
	cfg.Logger = loggerFrom(c)

	if s := c.String(modeFlag.Name); s != "" {
		mode, err := types.ParseMode(s)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if s := c.String(roleFlag.Name); s != "" {
		role, err := types.ParseRole(s)
		if err != nil {
			return cfg, err
		}
		cfg.Role = role
	}
	if c.IsSet(portFlag.Name) {
		cfg.PassivePort = c.Int(portFlag.Name)
	}
	if s := c.String(peerIDFlag.Name); s != "" {
		cfg.PeerID = s
	}
	if servers := c.StringSlice(rendezvousFlag.Name); len(servers) > 0 {
		cfg.RendezvousServers = servers
	}
	if servers := c.StringSlice(forwardingFlag.Name); len(servers) > 0 {
		cfg.ForwardingServers = servers
	}
	if s := c.String(directoryFlag.Name); s != "" {
		cfg.DirectoryURL = s
	}
	if c.Bool(portmapFlag.Name) {
		cfg.PortMapping = true
	}
	return cfg, nil
}

func startNode(ctx context.Context, c *cli.Context) (*p2pnet.Net, error) {
	cfg, err := netConfig(c)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger

	m := metrics.New()
	opts := []p2pnet.Option{p2pnet.WithMetrics(m)}
	if cfg.DirectoryURL != "" {
		dcfg := directory.DefaultConfig(cfg.DirectoryURL)
		dcfg.Logger = log
		opts = append(opts, p2pnet.WithDirectory(directory.New(dcfg)))
	}
	if cfg.PortMapping {
		pcfg := portmap.DefaultConfig()
		pcfg.Logger = log
		opts = append(opts, p2pnet.WithMapper(portmap.New(pcfg)))
	}

	n, err := p2pnet.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	if addr := c.String(metricsFlag.Name); addr != "" {
		serveMetrics(ctx, addr, m, log)
	}

	got := n.Config()
	fmt.Println("=== UNL Node ===")
	fmt.Printf("  Peer ID : %s\n", got.PeerID)
	fmt.Printf("  Mode    : %s\n", got.Mode)
	fmt.Printf("  Role    : %s\n", got.Role)
	fmt.Printf("  NAT     : %s\n", got.NAT)
	fmt.Printf("  WAN/LAN : %s / %s\n", got.WANIP, got.LANIP)
	if addr := n.ListenAddr(); addr != "" {
		fmt.Printf("  Listen  : %s\n", addr)
	}
	fmt.Println()
	return n, nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", zap.String("addr", addr))
}

// pump drives the node until ctx ends. Lines read from stdin are broadcast;
// lines from peers are printed.
func pump(ctx context.Context, n *p2pnet.Net) error {
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case input <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	known := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case line := <-input:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := n.Broadcast(line); err != nil {
				fmt.Fprintf(os.Stderr, "broadcast: %v\n", err)
			}
		case <-ticker.C:
			live := n.Synchronize()
			seen := make(map[string]bool, len(live))
			for _, conn := range live {
				seen[conn.ID] = true
				if !known[conn.ID] {
					fmt.Printf("✓ connected %s\n", conn)
				}
				for line := range n.Lines(conn) {
					fmt.Printf("[%s] %s\n", conn.RemoteAddr(), line)
				}
			}
			for id := range known {
				if !seen[id] {
					fmt.Printf("✗ disconnected %s\n", id)
				}
			}
			known = seen
		}
	}
}

var connectCommand = &cli.Command{
	Name:      "connect",
	Usage:     "Connect to a node by address or peer id, then chat over the connection",
	ArgsUsage: "<ip:port | peer-id>",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "peer-role",
			Usage: "Role of the remote node when connecting by address",
			Value: "passive",
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for a punch negotiated through the directory",
			Value: time.Minute,
		},
	}, nodeFlags...),
	Action: runConnect,
}

func runConnect(c *cli.Context) error {
	target := c.Args().First()
	if target == "" {
		return fmt.Errorf("connect needs an address or peer id (use --help for usage)")
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, c)
	if err != nil {
		return err
	}
	defer n.Stop()

	if ep, err := types.ParseEndpoint(target); err == nil {
		role, err := types.ParseRole(c.String("peer-role"))
		if err != nil {
			return err
		}
		fmt.Printf("Connecting to %s (%s)...\n", ep, role)
		conn, err := n.AddNode(ctx, ep.IP, ep.Port, role)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		fmt.Printf("Connected to %s\n", conn.RemoteAddr())
		return pump(ctx, n)
	}

	if err := connectPeer(ctx, n, target, c.Duration("wait")); err != nil {
		return err
	}
	return pump(ctx, n)
}

// connectPeer resolves peerID through the directory and waits for the
// negotiated connection to show up in the table
func connectPeer(ctx context.Context, n *p2pnet.Net, peerID string, wait time.Duration) error {
	done := make(chan error, 1)
	events := unl.EventFuncs{
		Success: func(*conntable.Connection) { done <- nil },
		Failure: func(err error) { done <- err },
	}
	p, err := n.Connect(peerID, events)
	if err != nil {
		return err
	}
	fmt.Printf("Negotiating with %s through %s...\n", peerID, p.Server)

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", peerID, err)
			}
			// pump admits the connection on its next tick
			return nil
		case <-ticker.C:
			n.Poll()
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", peerID, ctx.Err())
		}
	}
}
