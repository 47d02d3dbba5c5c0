package natkeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runManager runs the manager until its sleeper stops it after limit renewal waits.
func runManager(t *testing.T, mapper Mapper, notifier Notifier, limit int, opts ...RenewalOption) (*RenewalManager, *recordingSleeper, error) {
	t.Helper()
	sleeper := &recordingSleeper{limit: limit}
	r := NewRenewalManager(mapper, notifier, append([]RenewalOption{WithSleeper(sleeper)}, opts...)...)
	err := r.Run(context.Background())
	return r, sleeper, err
}

func TestRenewalManagerSchedule(t *testing.T) {
	t.Run("sleeps half the granted lifetime", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 10),
			granted(5000, 40000, 120*time.Second, 200),
			granted(5000, 40000, 120*time.Second, 300),
		}}
		notifier := &recordingNotifier{}

		r, sleeper, err := runManager(t, mapper, notifier, 2)
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, []time.Duration{180 * time.Second, 60 * time.Second}, sleeper.slept())
		assert.Equal(t, []mapperCall{
			{0, 0, false},
			{5000, 40000, true},
			{5000, 40000, true},
		}, mapper.recorded())
		assert.Equal(t, uint16(40000), r.Current().ExternalPort)
		assert.Equal(t, uint32(300), r.Current().Epoch)
	})

	t.Run("unchanged port does not notify again", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 0),
			granted(5000, 40000, 360*time.Second, 0),
		}}
		notifier := &recordingNotifier{}

		_, _, err := runManager(t, mapper, notifier, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []uint16{40000}, notifier.applied())
	})

	t.Run("changed port notifies exactly once", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 0),
			granted(5000, 40005, 360*time.Second, 0),
			granted(5000, 40005, 360*time.Second, 0),
		}}
		notifier := &recordingNotifier{}

		r, _, err := runManager(t, mapper, notifier, 2)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []uint16{40000, 40005}, notifier.applied())
		assert.Equal(t, uint16(40005), r.Current().ExternalPort)
	})
}

func TestRenewalManagerFallback(t *testing.T) {
	t.Run("failed renewal falls back to fresh acquisition", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 0),
			failed(ErrMappingFailed),
			granted(5001, 40007, 360*time.Second, 0),
		}}
		notifier := &recordingNotifier{}

		r, _, err := runManager(t, mapper, notifier, 1)
		require.ErrorIs(t, err, context.Canceled)

		calls := mapper.recorded()
		require.Len(t, calls, 3)
		assert.Equal(t, mapperCall{5000, 40000, true}, calls[1])
		assert.Equal(t, mapperCall{0, 0, false}, calls[2])
		assert.Equal(t, []uint16{40000, 40007}, notifier.applied())
		assert.Equal(t, uint16(40007), r.Current().ExternalPort)
	})

	t.Run("failed fallback is fatal", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 0),
			failed(ErrMappingFailed),
			failed(ErrMappingFailed),
		}}

		_, _, err := runManager(t, mapper, &recordingNotifier{}, 0)
		require.ErrorIs(t, err, ErrMappingFailed)
		assert.Len(t, mapper.recorded(), 3)
	})

	t.Run("failed initial mapping is fatal", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{failed(ErrMappingFailed)}}
		notifier := &recordingNotifier{}

		_, sleeper, err := runManager(t, mapper, notifier, 0)
		require.ErrorIs(t, err, ErrMappingFailed)
		assert.Empty(t, sleeper.slept())
		assert.Zero(t, notifier.callCount())
	})

	t.Run("epoch regression forces fresh acquisition", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 5000),
			granted(5000, 40000, 360*time.Second, 3),
			granted(5000, 40002, 360*time.Second, 4),
		}}
		notifier := &recordingNotifier{}

		_, _, err := runManager(t, mapper, notifier, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, mapperCall{0, 0, false}, mapper.recorded()[2])
		assert.Equal(t, []uint16{40000, 40002}, notifier.applied())
	})
}

func TestRenewalManagerNotifier(t *testing.T) {
	t.Run("notifier failure is fatal", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{granted(5000, 40000, 360*time.Second, 0)}}
		notifier := &recordingNotifier{failures: 1, err: errors.New("qbittorrent down")}

		_, _, err := runManager(t, mapper, notifier, 0)
		require.ErrorIs(t, err, ErrNotifierFailed)
	})

	t.Run("queued notifier keeps the mapping alive", func(t *testing.T) {
		mapper := &fakeMapper{results: []mapperResult{
			granted(5000, 40000, 360*time.Second, 0),
			granted(5000, 40000, 360*time.Second, 0),
		}}
		target := &recordingNotifier{failures: 100, err: errors.New("qbittorrent down")}
		queue := NewNotifyQueue(target)

		_, sleeper, err := runManager(t, mapper, queue, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.Len(t, sleeper.slept(), 1)
		assert.Zero(t, target.callCount())
	})
}

func TestRenewalManagerRelease(t *testing.T) {
	mapper := &fakeMapper{results: []mapperResult{
		granted(5000, 40000, 360*time.Second, 0),
		granted(5000, 40000, 360*time.Second, 0),
	}}
	releaser := &fakeReleaser{}

	_, _, err := runManager(t, mapper, &recordingNotifier{}, 1, WithReleaser(releaser))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, releaser.released, 1)
	assert.Equal(t, uint16(40000), releaser.released[0].ExternalPort)
}

func TestRenewalManagerReleaseFailureIsReturned(t *testing.T) {
	mapper := &fakeMapper{results: []mapperResult{
		granted(5000, 40000, 360*time.Second, 0),
		granted(5000, 40000, 360*time.Second, 0),
	}}
	gone := errors.New("gateway unreachable")
	releaser := &fakeReleaser{err: gone}

	_, _, err := runManager(t, mapper, &recordingNotifier{}, 1, WithReleaser(releaser))
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, gone)
	assert.ErrorContains(t, err, "release mapping 40000->5000")
}

func TestRenewalManagerEndToEnd(t *testing.T) {
	t.Run("mismatched renewal exhausts backoff then reacquires", func(t *testing.T) {
		// One fresh grant, nine rejected renewals, one fresh grant on a new port.
		steps := []step{tcpMapping(5000, 40000, 360*time.Second)}
		for i := 0; i < 10; i++ {
			steps = append(steps, tcpMapping(5000, 40001, 360*time.Second))
		}
		session := newScriptedSession(steps...)
		client, backoffSleeper := newTestClient(session)
		notifier := &recordingNotifier{}

		r, _, err := runManager(t, client, notifier, 1)
		require.ErrorIs(t, err, context.Canceled)

		sent := session.sent()
		require.Len(t, sent, 11)
		assert.Equal(t, uint16(0), sent[0].external)
		for _, s := range sent[1:10] {
			assert.Equal(t, uint16(40000), s.external)
		}
		assert.Equal(t, uint16(0), sent[10].external)
		assert.Len(t, backoffSleeper.slept(), 11)

		assert.Equal(t, []uint16{40000, 40001}, notifier.applied())
		assert.Equal(t, uint16(40001), r.Current().ExternalPort)
	})

	t.Run("renewal with the same port does not notify", func(t *testing.T) {
		session := newScriptedSession(
			tcpMapping(5000, 40000, 360*time.Second),
			tcpMapping(5000, 40000, 360*time.Second),
		)
		client, _ := newTestClient(session)
		notifier := &recordingNotifier{}

		_, _, err := runManager(t, client, notifier, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []uint16{40000}, notifier.applied())
		assert.Len(t, session.sent(), 2)
	})
}
