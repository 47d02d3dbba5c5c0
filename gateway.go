package natkeeper

import (
	"fmt"
	"net"
	"strings"

	"github.com/jackpal/gateway"
)

// GatewayAuto asks ResolveGateway to look up the default gateway.
const GatewayAuto = "auto"

// discoverDefaultGateway is swapped out in tests.
var discoverDefaultGateway = gateway.DiscoverGateway

// ResolveGateway turns a configured gateway value into an IPv4 address.
// The value is either a literal IPv4 address or "auto".
func ResolveGateway(value string) (net.IP, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, GatewayAuto) {
		return discoverGateway()
	}

	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid gateway address %q: must be IPv4 or %q", value, GatewayAuto)
	}
	return ip.To4(), nil
}

// discoverGateway finds the default gateway from the system routing table,
// falling back to a heuristic if the routing table cannot be read.
func discoverGateway() (net.IP, error) {
	gw, err := discoverDefaultGateway()
	if err == nil && gw != nil && gw.To4() != nil && !gw.Equal(net.IPv4zero) {
		return gw.To4(), nil
	}

	return discoverGatewayFallback()
}

// discoverGatewayFallback assumes the gateway is .1 in the subnet of the
// local address used to reach the internet. No packets are sent.
func discoverGatewayFallback() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("failed to determine local IP: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address type: %T", conn.LocalAddr())
	}
	ip := localAddr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("not IPv4 address")
	}

	return net.IPv4(ip[0], ip[1], ip[2], 1).To4(), nil
}
