package natkeeper

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Protocol is the transport protocol of a port mapping.
type Protocol uint8

const (
	ProtocolUDP Protocol = 1
	ProtocolTCP Protocol = 2
)

// String returns the lower-case protocol name used by NAT-PMP libraries.
func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Response is a decoded gateway response.
// It is implemented by *PublicAddressResponse and *MappingResponse.
type Response interface {
	isResponse()
}

// PublicAddressResponse answers a public address request.
type PublicAddressResponse struct {
	Address net.IP
	Epoch   uint32
}

// MappingResponse answers a port mapping request.
type MappingResponse struct {
	Protocol     Protocol
	InternalPort uint16
	ExternalPort uint16
	Lifetime     time.Duration
	Epoch        uint32
}

func (*PublicAddressResponse) isResponse() {}
func (*MappingResponse) isResponse()       {}

// Session is an open conversation with a single NAT-PMP gateway.
// A Session is owned by one caller and is not safe for concurrent use.
type Session interface {
	SendPublicAddressRequest() error
	SendPortMappingRequest(proto Protocol, internalPort, externalPort uint16, lifetimeSeconds uint32) error
	// ReadResponseOrRetry returns the next decoded response, or ErrTryAgain
	// if none is available yet. Any other error is fatal to the exchange.
	ReadResponseOrRetry() (Response, error)
	Close() error
}

// ExchangeStarter is implemented by sessions that can still deliver
// responses to requests from an earlier exchange. BeginExchange discards
// them; the Client calls it before every query.
type ExchangeStarter interface {
	BeginExchange()
}

// PublicAddressInfo is the gateway's view of its external address.
type PublicAddressInfo struct {
	Address net.IP
	Epoch   uint32
}

// PortMapping is a mapping granted by the gateway.
type PortMapping struct {
	Protocol     Protocol
	InternalPort uint16
	ExternalPort uint16
	Lifetime     time.Duration
	GrantedAt    time.Time
	Epoch        uint32
}

// RenewAfter returns the time at which the mapping should be renewed.
func (m *PortMapping) RenewAfter() time.Time {
	return m.GrantedAt.Add(m.Lifetime / 2)
}

// GoodUntil returns the time at which the mapping expires absent renewal.
func (m *PortMapping) GoodUntil() time.Time {
	return m.GrantedAt.Add(m.Lifetime)
}

// Mapper requests port mappings from the gateway.
type Mapper interface {
	RequestMapping(ctx context.Context, internalPort, externalPort uint16, verify bool) (*PortMapping, error)
}

// Notifier applies a new external port to a downstream consumer.
type Notifier interface {
	ApplyPort(ctx context.Context, port uint16) error
}

// Releaser removes a mapping from the gateway.
type Releaser interface {
	Release(ctx context.Context, m *PortMapping) error
}
