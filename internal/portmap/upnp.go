package portmap

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/saintparish4/unl/pkg/netutil"
)

// igdClient is the subset of the generated WAN connection clients we use
type igdClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

type upnp struct {
	client      igdClient
	localIP     string
	description string
}

func discoverUPnP(ctx context.Context, description string) (protocol, error) {
	local, err := netutil.LANIP()
	if err != nil {
		return nil, err
	}

	var client igdClient
	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		client = clients[0]
	} else if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		client = clients[0]
	} else if clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		client = clients[0]
	}
	if client == nil {
		return nil, errors.New("upnp: no internet gateway device")
	}
	return &upnp{client: client, localIP: local.String(), description: description}, nil
}

func (u *upnp) name() string { return "upnp" }

func (u *upnp) add(_ context.Context, internal, external int, lifetime time.Duration) (int, error) {
	err := u.client.AddPortMapping("", uint16(external), "TCP", uint16(internal), u.localIP, true, u.description, uint32(lifetime/time.Second))
	if err != nil {
		return 0, err
	}
	return external, nil
}

func (u *upnp) remove(_ context.Context, _, external int) error {
	return u.client.DeletePortMapping("", uint16(external), "TCP")
}

func (u *upnp) externalIP(context.Context) (net.IP, error) {
	s, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.New("upnp: malformed external address " + s)
	}
	return ip, nil
}
