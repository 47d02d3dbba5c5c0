package natkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// pmpClient is the part of *natpmp.Client used by PMPSession.
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

type callResult struct {
	resp Response
	err  error
}

// PMPSession implements Session on github.com/jackpal/go-nat-pmp.
//
// Each send starts one library call in the background, unless an identical
// call of the same exchange is still running. ReadResponseOrRetry never
// blocks: it returns the finished call, or ErrTryAgain. Results of calls
// started before the current exchange are dropped.
type PMPSession struct {
	gateway net.IP
	client  pmpClient
	logger  *slog.Logger
	closed  atomic.Bool

	mu       sync.Mutex
	gen      uint64
	request  string
	inFlight bool
	ready    []callResult
}

// NewPMPSession opens a session with the gateway. Each protocol call gives
// up after callTimeout, which then reads as ErrTryAgain.
func NewPMPSession(gateway net.IP, callTimeout time.Duration, logger *slog.Logger) *PMPSession {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return newPMPSession(gateway, natpmp.NewClientWithTimeout(gateway, callTimeout), logger)
}

func newPMPSession(gateway net.IP, client pmpClient, logger *slog.Logger) *PMPSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &PMPSession{
		gateway: gateway,
		client:  client,
		logger:  logger.With("gateway", gateway.String()),
	}
}

// Gateway returns the gateway address.
func (s *PMPSession) Gateway() net.IP {
	return s.gateway
}

// SendPublicAddressRequest starts a public address query.
func (s *PMPSession) SendPublicAddressRequest() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.start("public address", func() (Response, error) {
		r, err := s.client.GetExternalAddress()
		if err != nil {
			return nil, err
		}
		ip := r.ExternalIPAddress
		return &PublicAddressResponse{
			Address: net.IPv4(ip[0], ip[1], ip[2], ip[3]),
			Epoch:   r.SecondsSinceStartOfEpoc,
		}, nil
	})
	return nil
}

// SendPortMappingRequest starts a port mapping request.
func (s *PMPSession) SendPortMappingRequest(proto Protocol, internalPort, externalPort uint16, lifetimeSeconds uint32) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if proto != ProtocolTCP && proto != ProtocolUDP {
		return fmt.Errorf("unsupported protocol: %s", proto)
	}

	request := fmt.Sprintf("%s mapping %d->%d lifetime %d", proto, internalPort, externalPort, lifetimeSeconds)
	s.start(request, func() (Response, error) {
		r, err := s.client.AddPortMapping(proto.String(), int(internalPort), int(externalPort), int(lifetimeSeconds))
		if err != nil {
			return nil, err
		}
		return &MappingResponse{
			Protocol:     proto,
			InternalPort: r.InternalPort,
			ExternalPort: r.MappedExternalPort,
			Lifetime:     time.Duration(r.PortMappingLifetimeInSeconds) * time.Second,
			Epoch:        r.SecondsSinceStartOfEpoc,
		}, nil
	})
	return nil
}

// ReadResponseOrRetry returns the finished response of the current
// exchange, or ErrTryAgain when nothing is ready.
func (s *PMPSession) ReadResponseOrRetry() (Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, ErrTryAgain
	}
	r := s.ready[0]
	s.ready = s.ready[1:]
	return r.resp, r.err
}

// BeginExchange drops unread responses and ignores calls still in flight
// from earlier requests.
func (s *PMPSession) BeginExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked("")
}

// Release deletes m from the gateway by requesting a zero lifetime.
func (s *PMPSession) Release(ctx context.Context, m *PortMapping) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.client.AddPortMapping(m.Protocol.String(), int(m.InternalPort), 0, 0)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("NAT-PMP port unmapping failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("NAT-PMP port unmapping: %w", ctx.Err())
	}
}

// Close ends the session. Calls still in flight are discarded.
func (s *PMPSession) Close() error {
	if s.closed.Swap(true) {
		return ErrSessionClosed
	}
	return nil
}

func (s *PMPSession) resetLocked(request string) {
	if n := len(s.ready); n > 0 {
		s.logger.Debug("discarding responses of an earlier exchange", "count", n)
	}
	s.gen++
	s.request = request
	s.inFlight = false
	s.ready = nil
}

func (s *PMPSession) start(request string, call func() (Response, error)) {
	s.mu.Lock()
	if request != s.request {
		s.resetLocked(request)
	}
	if s.inFlight || len(s.ready) > 0 {
		s.mu.Unlock()
		s.logger.Debug("gateway call still pending, not resending", "request", request)
		return
	}
	s.inFlight = true
	gen := s.gen
	s.mu.Unlock()

	go func() {
		resp, err := call()

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen || s.closed.Load() {
			s.logger.Debug("dropping response of an earlier request", "request", request)
			return
		}
		s.inFlight = false
		if err != nil && isTimeout(err) {
			s.logger.Debug("gateway call timed out", "request", request, "error", err)
			return
		}
		s.ready = append(s.ready, callResult{resp: resp, err: err})
	}()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}
