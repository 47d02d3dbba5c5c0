package natkeeper

import (
	"context"
	"fmt"
	"time"
)

// RequestAvailableMapping asks the gateway for any TCP mapping.
func (c *Client) RequestAvailableMapping(ctx context.Context) (*PortMapping, error) {
	return c.RequestMapping(ctx, 0, 0, false)
}

// RequestMapping requests a TCP mapping.
//
// With verify false the gateway picks both ports and the first mapping
// response is accepted. With verify true the given ports are requested and a
// response is accepted only if both ports match and the lifetime is positive;
// anything else is retried on the next backoff timeout.
func (c *Client) RequestMapping(ctx context.Context, internalPort, externalPort uint16, verify bool) (*PortMapping, error) {
	mode := "renew"
	if !verify {
		mode = "fresh"
		internalPort, externalPort = 0, 0
	}
	lifetime := uint32(c.lifetime / time.Second)

	c.beginExchange()
	unexpected := 0
	resp, err := c.backoff.Do(ctx, Exchange{
		Name: "mapping",
		Send: func() error {
			return c.session.SendPortMappingRequest(ProtocolTCP, internalPort, externalPort, lifetime)
		},
		Read: c.session.ReadResponseOrRetry,
		Accept: func(r Response) (bool, error) {
			mr, ok := r.(*MappingResponse)
			if !ok || mr.Protocol != ProtocolTCP {
				unexpected++
				c.logger.Warn("unexpected response to TCP mapping request",
					"response", describeResponse(r),
					"count", unexpected)
				if unexpected > c.unexpectedLimit {
					return false, fmt.Errorf("%w: %s", ErrUnexpectedResponse, describeResponse(r))
				}
				return false, nil
			}

			c.logger.Info("got mapping response",
				"internal", mr.InternalPort,
				"external", mr.ExternalPort,
				"lifetime", mr.Lifetime)

			if !verify {
				return true, nil
			}
			if mr.InternalPort == internalPort && mr.ExternalPort == externalPort && mr.Lifetime > 0 {
				return true, nil
			}
			c.logger.Info("mapping is not the one requested, retrying",
				"wantInternal", internalPort,
				"wantExternal", externalPort)
			return false, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w (%s, internal %d, external %d): %w",
			ErrMappingFailed, mode, internalPort, externalPort, err)
	}

	mr := resp.(*MappingResponse)
	c.metrics.mappingGranted(mode, mr)

	return &PortMapping{
		Protocol:     mr.Protocol,
		InternalPort: mr.InternalPort,
		ExternalPort: mr.ExternalPort,
		Lifetime:     mr.Lifetime,
		GrantedAt:    c.clock.Now(),
		Epoch:        mr.Epoch,
	}, nil
}

func describeResponse(r Response) string {
	switch v := r.(type) {
	case *PublicAddressResponse:
		return fmt.Sprintf("public address %s (epoch %d)", v.Address, v.Epoch)
	case *MappingResponse:
		return fmt.Sprintf("%s mapping %d->%d (%s)", v.Protocol, v.InternalPort, v.ExternalPort, v.Lifetime)
	default:
		return fmt.Sprintf("%T", r)
	}
}
