package portmap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

type natPMP struct {
	client *natpmp.Client
}

func discoverNATPMP(timeout time.Duration) (protocol, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("nat-pmp: %w", err)
	}
	client := natpmp.NewClientWithTimeout(gw, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("nat-pmp gateway %s: %w", gw, err)
	}
	return &natPMP{client: client}, nil
}

func (n *natPMP) name() string { return "nat-pmp" }

func (n *natPMP) add(_ context.Context, internal, external int, lifetime time.Duration) (int, error) {
	res, err := n.client.AddPortMapping("tcp", internal, external, int(lifetime/time.Second))
	if err != nil {
		return 0, err
	}
	return int(res.MappedExternalPort), nil
}

// remove requests a zero lifetime, which deletes the mapping
func (n *natPMP) remove(_ context.Context, internal, _ int) error {
	_, err := n.client.AddPortMapping("tcp", internal, 0, 0)
	return err
}

func (n *natPMP) externalIP(context.Context) (net.IP, error) {
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	addr := res.ExternalIPAddress
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), nil
}
