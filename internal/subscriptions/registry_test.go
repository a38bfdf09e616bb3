package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/prompts"
)

// fakeHolder stands in for the coordinator.
type fakeHolder struct {
	mu      sync.Mutex
	refs    map[string]int
	replays map[string][]prompts.Prompt
}

func newFakeHolder() *fakeHolder {
	return &fakeHolder{refs: make(map[string]int), replays: make(map[string][]prompts.Prompt)}
}

func (f *fakeHolder) Retain(sessionID string) {
	f.mu.Lock()
	f.refs[sessionID]++
	f.mu.Unlock()
}

func (f *fakeHolder) Release(sessionID string) {
	f.mu.Lock()
	f.refs[sessionID]--
	f.mu.Unlock()
}

func (f *fakeHolder) ReplayPrompts(sessionID string) []prompts.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replays[sessionID]
}

func (f *fakeHolder) refCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[sessionID]
}

func newTestRegistry(t *testing.T, heartbeat time.Duration) (*Registry, *fakeHolder, *bus.MemoryEventBus) {
	t.Helper()
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	holder := newFakeHolder()
	r := NewRegistry(holder, memBus, log, heartbeat)
	t.Cleanup(r.CloseAll)
	return r, holder, memBus
}

func recv(t *testing.T, c <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case e, ok := <-c:
		require.True(t, ok, "stream closed unexpectedly")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribe_OpeningSequence(t *testing.T) {
	r, holder, _ := newTestRegistry(t, time.Hour)
	holder.replays["s1"] = []prompts.Prompt{
		{SessionID: "s1", RequestID: "r1", ToolName: "Bash", Source: prompts.SourceHook},
	}

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, events.TypeConnected, recv(t, sub.C).Type)
	require.Equal(t, events.TypeHeartbeat, recv(t, sub.C).Type)

	replayed := recv(t, sub.C)
	require.Equal(t, events.TypePermissionRequest, replayed.Type)
	require.Equal(t, "r1", replayed.Prompt.RequestID)

	require.Equal(t, 1, holder.refCount("s1"))
	require.Equal(t, 1, r.Count())
}

// racingHolder surfaces a prompt on the bus in the middle of the attach
// handshake, then hands the same prompt to the replay.
type racingHolder struct {
	*fakeHolder
	bus *bus.MemoryEventBus
}

func (h *racingHolder) ReplayPrompts(sessionID string) []prompts.Prompt {
	p := prompts.Prompt{SessionID: sessionID, RequestID: "r1", ToolName: "Bash", Source: prompts.SourceHook}
	_ = h.bus.Publish(context.Background(), events.SessionSubject(sessionID), events.NewPrompt(events.TypePermissionRequest, p))
	_ = h.bus.Publish(context.Background(), events.SessionSubject(sessionID), events.New(sessionID, events.TypeMessage))
	time.Sleep(50 * time.Millisecond)
	return []prompts.Prompt{p}
}

func TestSubscribe_HandshakeOutrunsLiveEvents(t *testing.T) {
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	holder := &racingHolder{fakeHolder: newFakeHolder(), bus: memBus}
	r := NewRegistry(holder, memBus, log, time.Hour)
	t.Cleanup(r.CloseAll)

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, events.TypeConnected, recv(t, sub.C).Type)
	require.Equal(t, events.TypeHeartbeat, recv(t, sub.C).Type)

	replayed := recv(t, sub.C)
	require.Equal(t, events.TypePermissionRequest, replayed.Type)
	require.Equal(t, "r1", replayed.Prompt.RequestID)

	// The live message published mid-handshake follows the opening
	// sequence; the live copy of the replayed prompt is not delivered twice.
	next := recv(t, sub.C)
	require.Equal(t, events.TypeMessage, next.Type)

	select {
	case e, ok := <-sub.C:
		require.True(t, ok)
		require.NotEqual(t, events.TypePermissionRequest, e.Type, "replayed prompt duplicated")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribe_LiveEvents(t *testing.T) {
	r, _, memBus := newTestRegistry(t, time.Hour)

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	recv(t, sub.C) // connected
	recv(t, sub.C) // heartbeat

	e := events.New("s1", events.TypeMessage)
	require.NoError(t, memBus.Publish(context.Background(), events.SessionSubject("s1"), e))

	got := recv(t, sub.C)
	require.Equal(t, events.TypeMessage, got.Type)
	require.Equal(t, e.ID, got.ID)

	// Events for other sessions do not leak in.
	require.NoError(t, memBus.Publish(context.Background(), events.SessionSubject("s2"), events.New("s2", events.TypeMessage)))
	select {
	case leaked := <-sub.C:
		t.Fatalf("unexpected event: %s for %s", leaked.Type, leaked.SessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_Heartbeats(t *testing.T) {
	r, _, _ := newTestRegistry(t, 20*time.Millisecond)

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	beats := 0
	deadline := time.After(2 * time.Second)
	for beats < 3 {
		select {
		case e, ok := <-sub.C:
			require.True(t, ok)
			if e.Type == events.TypeHeartbeat {
				beats++
			}
		case <-deadline:
			t.Fatalf("saw %d heartbeats before deadline", beats)
		}
	}
}

func TestResubscribe_ReplaysExactlyOnce(t *testing.T) {
	r, holder, _ := newTestRegistry(t, time.Hour)
	holder.replays["s1"] = []prompts.Prompt{
		{SessionID: "s1", RequestID: "r1", ToolName: "Bash", Source: prompts.SourceHook},
	}

	first, err := r.Subscribe("s1")
	require.NoError(t, err)
	recv(t, first.C)
	recv(t, first.C)
	require.Equal(t, "r1", recv(t, first.C).Prompt.RequestID)
	first.Close()

	second, err := r.Subscribe("s1")
	require.NoError(t, err)
	defer second.Close()
	recv(t, second.C)
	recv(t, second.C)

	replays := 0
	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case e, ok := <-second.C:
			require.True(t, ok)
			if e.Type == events.TypePermissionRequest {
				replays++
			}
		case <-timeout:
			require.Equal(t, 1, replays, "exactly one replayed prompt")
			return
		}
	}
}

func TestClose_ReleasesSession(t *testing.T) {
	r, holder, _ := newTestRegistry(t, time.Hour)

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)
	require.Equal(t, 1, holder.refCount("s1"))

	sub.Close()
	require.Equal(t, 0, holder.refCount("s1"))
	require.Equal(t, 0, r.Count())

	// Close is idempotent.
	sub.Close()
	require.Equal(t, 0, holder.refCount("s1"))

	_, ok := <-sub.C
	require.False(t, ok, "channel closed after Close")
}

func TestSlowSubscriberDropped(t *testing.T) {
	r, _, memBus := newTestRegistry(t, time.Hour)

	sub, err := r.Subscribe("s1")
	require.NoError(t, err)

	// Never read: the queue fills and the client is dropped.
	for i := 0; i < queueSize+10; i++ {
		require.NoError(t, memBus.Publish(context.Background(), events.SessionSubject("s1"), events.New("s1", events.TypeMessage)))
	}

	require.Eventually(t, func() bool { return r.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The channel drains buffered events, then reports closure.
	for {
		if _, ok := <-sub.C; !ok {
			break
		}
	}
}

func TestCloseAll(t *testing.T) {
	r, holder, _ := newTestRegistry(t, time.Hour)

	a, err := r.Subscribe("s1")
	require.NoError(t, err)
	b, err := r.Subscribe("s2")
	require.NoError(t, err)

	r.CloseAll()
	require.Equal(t, 0, r.Count())
	require.Equal(t, 0, holder.refCount("s1"))
	require.Equal(t, 0, holder.refCount("s2"))

	for range a.C {
	}
	for range b.C {
	}
}
