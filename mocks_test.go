package natkeeper

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// step is one scripted ReadResponseOrRetry result.
type step struct {
	resp Response
	err  error
}

func tryAgain() step { return step{err: ErrTryAgain} }

func tcpMapping(internal, external uint16, lifetime time.Duration) step {
	return step{resp: &MappingResponse{
		Protocol:     ProtocolTCP,
		InternalPort: internal,
		ExternalPort: external,
		Lifetime:     lifetime,
	}}
}

func publicAddress(ip string, epoch uint32) step {
	return step{resp: &PublicAddressResponse{Address: net.ParseIP(ip), Epoch: epoch}}
}

// sentRequest records one Send call on a scriptedSession.
type sentRequest struct {
	publicAddress bool
	proto         Protocol
	internal      uint16
	external      uint16
	lifetime      uint32
}

// scriptedSession replays steps in order; once exhausted it keeps returning
// then (or ErrTryAgain if then is unset).
type scriptedSession struct {
	mu      sync.Mutex
	steps   []step
	then    *step
	sendErr error
	sends   []sentRequest
	begun   int
	closed  bool
}

func newScriptedSession(steps ...step) *scriptedSession {
	return &scriptedSession{steps: steps}
}

func (s *scriptedSession) BeginExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun++
}

func (s *scriptedSession) exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

func (s *scriptedSession) SendPublicAddressRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentRequest{publicAddress: true})
	return s.sendErr
}

func (s *scriptedSession) SendPortMappingRequest(proto Protocol, internal, external uint16, lifetime uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentRequest{proto: proto, internal: internal, external: external, lifetime: lifetime})
	return s.sendErr
}

func (s *scriptedSession) ReadResponseOrRetry() (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) == 0 {
		if s.then != nil {
			return s.then.resp, s.then.err
		}
		return nil, ErrTryAgain
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.resp, st.err
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSession) sent() []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRequest(nil), s.sends...)
}

// recordingSleeper returns immediately and records every duration.
// After limit sleeps (if limit > 0) it returns context.Canceled.
type recordingSleeper struct {
	mu        sync.Mutex
	durations []time.Duration
	limit     int
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.durations) >= s.limit {
		return context.Canceled
	}
	s.durations = append(s.durations, d)
	return nil
}

func (s *recordingSleeper) slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

// recordingNotifier records ports; the first failures calls return err.
type recordingNotifier struct {
	mu       sync.Mutex
	ports    []uint16
	calls    int
	failures int
	err      error
}

func (n *recordingNotifier) ApplyPort(_ context.Context, port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.failures {
		return n.err
	}
	n.ports = append(n.ports, port)
	return nil
}

func (n *recordingNotifier) applied() []uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint16(nil), n.ports...)
}

func (n *recordingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type mapperCall struct {
	internal uint16
	external uint16
	verify   bool
}

type mapperResult struct {
	mapping *PortMapping
	err     error
}

// fakeMapper replays results and records calls.
type fakeMapper struct {
	mu      sync.Mutex
	results []mapperResult
	calls   []mapperCall
}

var errScriptExhausted = errors.New("mapper script exhausted")

func (f *fakeMapper) RequestMapping(_ context.Context, internal, external uint16, verify bool) (*PortMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mapperCall{internal, external, verify})
	if len(f.results) == 0 {
		return nil, errScriptExhausted
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.mapping, r.err
}

func (f *fakeMapper) recorded() []mapperCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mapperCall(nil), f.calls...)
}

func granted(internal, external uint16, lifetime time.Duration, epoch uint32) mapperResult {
	return mapperResult{mapping: &PortMapping{
		Protocol:     ProtocolTCP,
		InternalPort: internal,
		ExternalPort: external,
		Lifetime:     lifetime,
		Epoch:        epoch,
	}}
}

func failed(err error) mapperResult {
	return mapperResult{err: err}
}

// fakeReleaser records released mappings.
type fakeReleaser struct {
	mu       sync.Mutex
	released []*PortMapping
	err      error
}

func (r *fakeReleaser) Release(_ context.Context, m *PortMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, m)
	return r.err
}
