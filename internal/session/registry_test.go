package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/flipside/internal/domain"
)

func newTestRegistry(now *time.Time) *Registry {
	reg := NewRegistry()
	reg.SetClock(func() time.Time { return *now })
	return reg
}

func TestRegistryCreateAndGet(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	reg := newTestRegistry(&now)

	s, err := reg.Create("s1", domain.SessionInput{Type: domain.ContentText, ContentLength: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalyzing, s.Status)
	assert.True(t, s.Result.Empty())
	assert.Equal(t, now, s.CreatedAt)

	got, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, s, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	_, err = reg.Create("s1", domain.SessionInput{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestRegistryMarkCompleteIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	reg := newTestRegistry(&now)
	_, err := reg.Create("s1", domain.SessionInput{})
	require.NoError(t, err)

	result := domain.AnalysisResult(`{"steelMan":"x"}`)
	require.NoError(t, reg.MarkComplete("s1", result))
	require.NoError(t, reg.MarkComplete("s1", domain.AnalysisResult(`{"steelMan":"x"}`)))

	err = reg.MarkComplete("s1", domain.AnalysisResult(`{"steelMan":"y"}`))
	assert.ErrorIs(t, err, ErrResultConflict)

	first, _ := reg.Get("s1")
	second, _ := reg.Get("s1")
	assert.Equal(t, domain.StatusDone, first.Status)
	assert.Equal(t, []byte(first.Result), []byte(second.Result))
	assert.Equal(t, `{"steelMan":"x"}`, string(first.Result))

	// Mutating a returned copy must not leak into the registry.
	first.Result[2] = 'X'
	again, _ := reg.Get("s1")
	assert.Equal(t, `{"steelMan":"x"}`, string(again.Result))
}

func TestRegistryTerminalTransitions(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	reg := newTestRegistry(&now)

	_, _ = reg.Create("done", domain.SessionInput{})
	_, _ = reg.Create("failed", domain.SessionInput{})

	require.NoError(t, reg.MarkComplete("done", domain.AnalysisResult(`{}`)))
	assert.ErrorIs(t, reg.MarkError("done", domain.ErrorInfo{Code: "X"}), ErrAlreadyTerminal)

	info := domain.ErrorInfo{Code: "BACKEND_ERROR", Message: "boom"}
	require.NoError(t, reg.MarkError("failed", info))
	require.NoError(t, reg.MarkError("failed", info))
	assert.ErrorIs(t, reg.MarkComplete("failed", domain.AnalysisResult(`{}`)), ErrAlreadyTerminal)

	s, _ := reg.Get("failed")
	assert.Equal(t, domain.StatusError, s.Status)
	assert.True(t, s.Result.Empty())
	require.NotNil(t, s.Error)
	assert.Equal(t, info, *s.Error)

	// Update must not move a terminal session.
	analyzing := domain.StatusAnalyzing
	reg.Update("failed", Patch{Status: &analyzing})
	s, _ = reg.Get("failed")
	assert.Equal(t, domain.StatusError, s.Status)

	assert.True(t, errors.Is(reg.MarkComplete("nope", nil), ErrNotFound))
	assert.True(t, errors.Is(reg.MarkError("nope", info), ErrNotFound))
}

func TestRegistryUpdateCannotFinishSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Create("s1", domain.SessionInput{Type: domain.ContentText})
	require.NoError(t, err)

	for _, status := range []domain.SessionStatus{domain.StatusDone, domain.StatusError} {
		reg.Update("s1", Patch{Status: &status})
		s, _ := reg.Get("s1")
		assert.Equal(t, domain.StatusAnalyzing, s.Status, "update to %s", status)
		assert.Nil(t, s.Error)
	}

	result := domain.AnalysisResult(`{"a":1}`)
	require.NoError(t, reg.MarkComplete("s1", result))
	s, _ := reg.Get("s1")
	assert.Equal(t, domain.StatusDone, s.Status)
	assert.True(t, s.Result.Equal(result))
}

func TestRegistryUpdateUnknownIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	backend := "b-1"
	reg.Update("missing", Patch{BackendID: &backend})
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_, _ = reg.Create(id+"-"+time.Duration(i).String(), domain.SessionInput{})
			reg.Get(id)
			reg.Len()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, reg.Len())
}

type fakePruner struct {
	calls     int
	olderThan time.Duration
}

func (p *fakePruner) CleanupExpired(_ context.Context, olderThan time.Duration) (int64, error) {
	p.calls++
	p.olderThan = olderThan
	return 0, nil
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	reg := newTestRegistry(&now)
	_, _ = reg.Create("old", domain.SessionInput{})
	now = now.Add(30 * time.Minute)
	_, _ = reg.Create("young", domain.SessionInput{})
	now = now.Add(31 * time.Minute)

	var evicted []string
	pruner := &fakePruner{}
	n := Sweep(context.Background(), reg, SweeperConfig{
		TTL:     time.Hour,
		OnEvict: func(id string) { evicted = append(evicted, id) },
		Archive: pruner,
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, evicted)
	_, ok := reg.Get("old")
	assert.False(t, ok)
	_, ok = reg.Get("young")
	assert.True(t, ok)
	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, defaultRetention, pruner.olderThan)
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartSweeper(ctx, reg, SweeperConfig{TTL: time.Hour, Interval: time.Millisecond})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
