package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/flipside/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(b *Bus, sessionID string) (*[]Delivery, func()) {
	var (
		mu  sync.Mutex
		got []Delivery
	)
	unsub := b.Subscribe(sessionID, Forward(sessionID, func(d Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	}))
	return &got, unsub
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	b := NewBus()
	got, unsub := collect(b, "s1")
	defer unsub()

	published := []domain.Event{
		domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking},
		domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentDone, Progress: domain.Progress(100)},
		domain.PanelUpdateEvent{Panel: domain.PanelSource, Payload: json.RawMessage(`{"a":1}`)},
		domain.CompleteEvent{SessionID: "s1", Result: domain.AnalysisResult(`{}`)},
	}
	for _, ev := range published {
		b.Publish("s1", ev)
	}

	require.Len(t, *got, len(published))
	terminals := 0
	for i, d := range *got {
		assert.Equal(t, uint64(i+1), d.Seq)
		assert.Equal(t, "s1", d.SessionID)
		assert.Equal(t, published[i].Kind(), d.Event.Kind())
		if d.Event.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, (*got)[len(*got)-1].Event.Terminal())
}

func TestBusTypedHandlers(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var status, panel, complete, failed int
	unsub := b.Subscribe("s1", Handlers{
		OnAgentStatus: func(uint64, domain.AgentStatusEvent) { status++ },
		OnPanelUpdate: func(uint64, domain.PanelUpdateEvent) { panel++ },
		OnComplete:    func(uint64, domain.CompleteEvent) { complete++ },
		OnError:       func(uint64, domain.ErrorEvent) { failed++ },
	})
	defer unsub()

	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentSource, Status: domain.AgentSearching})
	b.PublishPanelUpdate("s1", domain.PanelUpdateEvent{Panel: domain.PanelBias})
	b.PublishComplete("s1", domain.CompleteEvent{SessionID: "s1"})
	b.PublishError("s2", domain.ErrorEvent{Code: "X"})

	assert.Equal(t, 1, status)
	assert.Equal(t, 1, panel)
	assert.Equal(t, 1, complete)
	assert.Equal(t, 0, failed, "events for other sessions must not leak")
}

func TestBusLateSubscriberMissesPastEvents(t *testing.T) {
	t.Parallel()

	b := NewBus()
	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})

	got, unsub := collect(b, "s1")
	defer unsub()
	assert.Empty(t, *got)

	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentDone})
	require.Len(t, *got, 1)
	assert.Equal(t, uint64(2), (*got)[0].Seq)
}

func TestBusUnsubscribeFromHandler(t *testing.T) {
	t.Parallel()

	b := NewBus()
	calls := 0
	var unsub func()
	unsub = b.Subscribe("s1", Forward("s1", func(Delivery) {
		calls++
		unsub()
		unsub()
	}))

	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})
	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentDone})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBus()
	got, unsub := collect(b, "s1")
	other, unsubOther := collect(b, "s1")
	defer unsubOther()
	assert.Equal(t, 2, b.SubscriberCount("s1"))

	unsub()
	b.PublishError("s1", domain.ErrorEvent{Code: "BACKEND_ERROR"})

	assert.Empty(t, *got)
	assert.Len(t, *other, 1)
}

func TestBusDrop(t *testing.T) {
	t.Parallel()

	b := NewBus()
	got, unsub := collect(b, "s1")
	defer unsub()

	b.Drop("s1")
	b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})

	assert.Empty(t, *got)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestBusConcurrentPublishersKeepSequence(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var (
		mu   sync.Mutex
		seqs []uint64
	)
	unsub := b.Subscribe("s1", Forward("s1", func(d Delivery) {
		mu.Lock()
		seqs = append(seqs, d.Seq)
		mu.Unlock()
	}))
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				b.PublishAgentStatus("s1", domain.AgentStatusEvent{AgentID: domain.AgentSource, Status: domain.AgentSearching})
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 200)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}
