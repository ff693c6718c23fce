package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	err      error
	calls    int
}

func (s *staticSource) FetchSyncPayloads(context.Context) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.payloads, s.err
}

func (s *staticSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingIngestor struct {
	mu     sync.Mutex
	bodies []string
	reject string
}

func (r *recordingIngestor) IngestLegacySync(_ context.Context, body []byte) (ingest.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, string(body))
	if string(body) == r.reject {
		return ingest.Result{}, errors.New("rejected")
	}
	return ingest.Result{RoomID: "room"}, nil
}

func TestNewPullerRequiresDependencies(t *testing.T) {
	_, err := NewPuller(PullerConfig{Ingestor: &recordingIngestor{}})
	require.ErrorIs(t, err, errMissingSource)
	_, err = NewPuller(PullerConfig{Source: &staticSource{}})
	require.ErrorIs(t, err, errMissingIngestor)
}

func TestPullOnceIsolatesPerRoomFailures(t *testing.T) {
	source := &staticSource{payloads: []json.RawMessage{
		json.RawMessage(`{"room_id":"r1"}`),
		json.RawMessage(`{"room_id":"bad"}`),
		json.RawMessage(`{"room_id":"r3"}`),
	}}
	ingestor := &recordingIngestor{reject: `{"room_id":"bad"}`}
	puller, err := NewPuller(PullerConfig{Source: source, Ingestor: ingestor})
	require.NoError(t, err)

	report, err := puller.PullOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PullReport{Fetched: 3, Stored: 2, Failed: 1}, report)
	assert.Equal(t, []string{`{"room_id":"r1"}`, `{"room_id":"bad"}`, `{"room_id":"r3"}`}, ingestor.bodies)
}

func TestPullOnceReportsFetchFailure(t *testing.T) {
	failure := errors.New("connection refused")
	puller, err := NewPuller(PullerConfig{Source: &staticSource{err: failure}, Ingestor: &recordingIngestor{}})
	require.NoError(t, err)

	_, err = puller.PullOnce(context.Background())
	require.ErrorIs(t, err, failure)
}

func TestRunKeepsPullingAfterFailedTicks(t *testing.T) {
	source := &staticSource{err: errors.New("upstream down")}
	puller, err := NewPuller(PullerConfig{Source: source, Ingestor: &recordingIngestor{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- puller.Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return source.callCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("puller did not stop after cancellation")
	}
}

func TestRunWithoutIntervalReturnsImmediately(t *testing.T) {
	source := &staticSource{}
	puller, err := NewPuller(PullerConfig{Source: source, Ingestor: &recordingIngestor{}})
	require.NoError(t, err)

	require.NoError(t, puller.Run(context.Background(), 0))
	assert.Zero(t, source.callCount())
}
