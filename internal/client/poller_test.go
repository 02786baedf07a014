package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/schedule"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	calls   int
	replies []fetchReply
}

type fetchReply struct {
	res Result
	err error
}

func (f *scriptedFetcher) Result(_ context.Context, sessionID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return Result{SessionID: sessionID, Status: domain.StatusAnalyzing}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	r.res.SessionID = sessionID
	return r.res, r.err
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(f ResultFetcher, onTerminal func(Result)) (*Poller, *schedule.Manual) {
	clock := schedule.NewManual(time.Unix(0, 0))
	return NewPoller(PollerConfig{
		Fetcher:    f,
		Scheduler:  clock,
		Grace:      5 * time.Second,
		Interval:   5 * time.Second,
		OnTerminal: onTerminal,
	}), clock
}

func TestPollerSuppressedWhenConnectedWithinGrace(t *testing.T) {
	f := &scriptedFetcher{}
	p, clock := newTestPoller(f, nil)

	p.Start("s1", false)
	clock.Advance(4 * time.Second)
	p.SetConnected(true)
	clock.Advance(time.Minute)

	assert.Equal(t, 0, f.count())
	assert.False(t, p.Polling())
	assert.Equal(t, 0, clock.Pending())
}

func TestPollerFetchesAfterGraceUntilDone(t *testing.T) {
	f := &scriptedFetcher{replies: []fetchReply{
		{res: Result{Status: domain.StatusAnalyzing}},
		{err: errors.New("connection reset")},
		{res: Result{Status: domain.StatusDone, Result: domain.AnalysisResult(`{"x":1}`)}},
	}}
	var got []Result
	p, clock := newTestPoller(f, func(r Result) { got = append(got, r) })

	p.Start("s1", false)
	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.count(), "first fetch right after grace")
	assert.True(t, p.Polling())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.count(), "failed fetch is retried on the next tick")

	clock.Advance(5 * time.Second)
	assert.Equal(t, 3, f.count())
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusDone, got[0].Status)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.False(t, p.Polling())

	clock.Advance(time.Minute)
	assert.Equal(t, 3, f.count(), "polling stops after a terminal result")
}

func TestPollerAppliesError(t *testing.T) {
	info := &domain.ErrorInfo{Code: "BACKEND_ERROR", Message: "down"}
	f := &scriptedFetcher{replies: []fetchReply{{res: Result{Status: domain.StatusError, Error: info}}}}
	var got []Result
	p, clock := newTestPoller(f, func(r Result) { got = append(got, r) })

	p.Start("s1", false)
	clock.Advance(20 * time.Second)

	require.Len(t, got, 1)
	assert.Equal(t, info, got[0].Error)
	assert.Equal(t, 1, f.count())
}

func TestPollerStopsWhenStreamConnects(t *testing.T) {
	f := &scriptedFetcher{}
	p, clock := newTestPoller(f, nil)

	p.Start("s1", false)
	clock.Advance(5 * time.Second)
	require.True(t, p.Polling())

	p.SetConnected(true)
	clock.Advance(time.Minute)
	assert.Equal(t, 1, f.count())
	assert.False(t, p.Polling())

	p.SetConnected(false)
	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.count(), "a terminal disconnect re-arms polling")
}

func TestPollerStopClearsTimers(t *testing.T) {
	f := &scriptedFetcher{}
	p, clock := newTestPoller(f, nil)

	p.Start("s1", false)
	clock.Advance(5 * time.Second)
	p.Start("s2", true)
	clock.Advance(time.Minute)
	assert.Equal(t, 1, f.count(), "session change cancels the old loop")

	p.Start("s3", false)
	p.Stop()
	clock.Advance(time.Minute)
	assert.Equal(t, 1, f.count())
	assert.Equal(t, 0, clock.Pending())
}

func TestPollerFinishPreventsPolling(t *testing.T) {
	f := &scriptedFetcher{}
	p, clock := newTestPoller(f, nil)

	p.Start("s1", false)
	p.Finish()
	p.SetConnected(true)
	p.SetConnected(false)
	clock.Advance(time.Minute)
	assert.Equal(t, 0, f.count())
}
