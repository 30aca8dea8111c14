package souliss

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultDiscoveryTimeout is how long discovery waits for replies.
const DefaultDiscoveryTimeout = 3 * time.Second

// multicastAllHosts is the all-hosts group gateways listen on.
var multicastAllHosts = net.IPv4(224, 0, 0, 1)

// DiscoveryConfig holds gateway discovery settings.
type DiscoveryConfig struct {
	// Port is the gateway vNet port. Default: 230.
	Port int

	// LocalPort is the UDP port replies are read on. Zero is ephemeral.
	LocalPort int

	// Timeout bounds the wait for replies. Default: 3 seconds.
	Timeout time.Duration

	NodeIndex byte
	UserIndex byte

	// Targets overrides the broadcast destinations.
	Targets []net.IP
}

// DiscoveryFunc adapts a function to a DiscoverySink that only cares
// about gateway replies.
type DiscoveryFunc func(ip net.IP, octet byte)

// OnGatewayDiscovered calls f.
func (f DiscoveryFunc) OnGatewayDiscovered(ip net.IP, octet byte) { f(ip, octet) }

// OnTypicalDetected is a no-op.
func (DiscoveryFunc) OnTypicalDetected(int, int, byte) {}

// OnTopicDetected is a no-op.
func (DiscoveryFunc) OnTopicDetected(string, string) {}

// Discovery finds gateways by broadcasting the discovery request.
type Discovery struct {
	cfg DiscoveryConfig
	log logRef
}

// NewDiscovery creates a discovery run configuration.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.Port == 0 {
		cfg.Port = DefaultGatewayPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDiscoveryTimeout
	}
	return &Discovery{cfg: cfg}
}

// SetLogger sets the logger for discovery runs.
func (d *Discovery) SetLogger(logger Logger) {
	d.log.set(logger)
}

// BroadcastTargets returns the all-hosts multicast group, the limited
// broadcast address and the directed broadcast of every IPv4 interface
// that is up and not loopback.
func BroadcastTargets() []net.IP {
	targets := []net.IP{multicastAllHosts, net.IPv4bcast}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if bc := directedBroadcast(ipNet); bc != nil {
				targets = append(targets, bc)
			}
		}
	}
	return targets
}

// directedBroadcast returns the subnet broadcast address of an IPv4
// network, or nil.
func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	bc := make(net.IP, net.IPv4len)
	for i := range ip {
		bc[i] = ip[i] | ^n.Mask[i]
	}
	return bc
}

// Run broadcasts one discovery request to every target and collects
// replies until the timeout or ctx expires. Each distinct gateway is
// reported to sink (which may be nil) once.
func (d *Discovery) Run(ctx context.Context, sink DiscoverySink) ([]DiscoveryEvent, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.cfg.LocalPort})
	if err != nil {
		return nil, fmt.Errorf("discovery listen: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	datagram, err := Wrap(BuildRequestFrame(FuncDiscoverGateway, 0, 0), Route{
		DestOctet: BroadcastOctet,
		NodeIndex: d.cfg.NodeIndex,
		UserIndex: d.cfg.UserIndex,
	})
	if err != nil {
		return nil, err
	}

	targets := d.cfg.Targets
	if len(targets) == 0 {
		targets = BroadcastTargets()
	}
	sent := 0
	for _, ip := range targets {
		addr := &net.UDPAddr{IP: ip, Port: d.cfg.Port}
		if _, err := conn.WriteToUDP(datagram, addr); err != nil {
			d.log.debug("discovery send failed", "target", addr.String(), "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, fmt.Errorf("%w: no discovery target reachable", ErrSendFailed)
	}

	//nolint:errcheck // a failed deadline surfaces as a read error below
	conn.SetReadDeadline(time.Now().Add(d.cfg.Timeout))

	decoder := NewDecoder(0)
	seen := make(map[string]bool)
	var found []DiscoveryEvent
	buf := make([]byte, readBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
				return found, nil
			}
			return found, fmt.Errorf("discovery read: %w", err)
		}

		events, err := decoder.Decode(buf[:n])
		if err != nil {
			continue
		}
		for _, ev := range events {
			de, ok := ev.(DiscoveryEvent)
			if !ok || seen[de.IP.String()] {
				continue
			}
			seen[de.IP.String()] = true
			found = append(found, de)
			d.log.info("souliss gateway discovered", "address", de.IP.String(), "octet", de.NodeOctet)
			if sink != nil {
				sink.OnGatewayDiscovered(de.IP, de.NodeOctet)
			}
		}
	}
}
