package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/ashureev/shsh-chat/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subscription struct {
	conversationID string
	agentID        string
	onEvent        transport.EventHandler
	cancelled      bool
}

// fakeTransport records subscriptions and reports canned metadata for
// every send. Stream connects and history fetches report a bare 200, the
// way the HTTP transport does when the gateway sends no quota headers.
type fakeTransport struct {
	mu        sync.Mutex
	subs      []*subscription
	observers map[int]transport.MetadataFunc
	nextObs   int
	sends     []transport.SendRequest
	sendMeta  protocol.Metadata
	sendErr   error
	history   map[string][]protocol.HistoryMessage
	subErr    error
	// failNextSub fails only the next Subscribe call.
	failNextSub error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		observers: make(map[int]transport.MetadataFunc),
		sendMeta:  protocol.Metadata{StatusCode: http.StatusAccepted},
		history:   make(map[string][]protocol.HistoryMessage),
	}
}

func (f *fakeTransport) Subscribe(_ context.Context, conversationID, agentID string, onEvent transport.EventHandler) (func(), error) {
	f.mu.Lock()
	if err := f.failNextSub; err != nil {
		f.failNextSub = nil
		f.mu.Unlock()
		return nil, err
	}
	if f.subErr != nil {
		f.mu.Unlock()
		return nil, f.subErr
	}
	sub := &subscription{conversationID: conversationID, agentID: agentID, onEvent: onEvent}
	f.subs = append(f.subs, sub)
	fns := f.observersLocked()
	f.mu.Unlock()

	for _, fn := range fns {
		fn(protocol.Metadata{StatusCode: http.StatusOK})
	}
	return func() {
		f.mu.Lock()
		sub.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) observersLocked() []transport.MetadataFunc {
	fns := make([]transport.MetadataFunc, 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	return fns
}

func (f *fakeTransport) Send(_ context.Context, req transport.SendRequest) (*transport.Response, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	meta, err := f.sendMeta, f.sendErr
	fns := f.observersLocked()
	f.mu.Unlock()

	for _, fn := range fns {
		fn(meta)
	}
	if err != nil {
		return nil, err
	}
	return &transport.Response{ConversationID: req.ConversationID, MessageID: req.MessageID, Metadata: meta}, nil
}

func (f *fakeTransport) History(_ context.Context, conversationID string) ([]protocol.HistoryMessage, error) {
	f.mu.Lock()
	h, ok := f.history[conversationID]
	fns := f.observersLocked()
	f.mu.Unlock()

	if !ok {
		return nil, &transport.StatusError{StatusCode: http.StatusNotFound}
	}
	for _, fn := range fns {
		fn(protocol.Metadata{StatusCode: http.StatusOK})
	}
	return h, nil
}

func (f *fakeTransport) Observe(fn transport.MetadataFunc) func() {
	f.mu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) live() []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*subscription
	for _, s := range f.subs {
		if !s.cancelled {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// emitAll delivers evt to every subscription ever opened, cancelled or not,
// the way a racing transport goroutine could.
func (f *fakeTransport) emitAll(evt protocol.Event) {
	f.mu.Lock()
	subs := append([]*subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.onEvent(evt)
	}
}

func (f *fakeTransport) emit(evt protocol.Event) {
	for _, s := range f.live() {
		s.onEvent(evt)
	}
}

func newTestController(t *testing.T, ft *fakeTransport) *Controller {
	t.Helper()
	c, err := New(context.Background(), Config{
		Transport:      ft,
		AgentID:        "agent-a",
		ConversationID: "conv-1",
		Retry:          retry.Options{MaxAttempts: 1},
		Clock:          clockwork.NewFakeClockAt(epoch),
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestControllerSubscribesOnCreate(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	live := ft.live()
	require.Len(t, live, 1)
	assert.Equal(t, "conv-1", live[0].conversationID)
	assert.Equal(t, "agent-a", live[0].agentID)
	assert.Equal(t, 1, c.ActiveSubscriptions())

	snap := c.Snapshot()
	assert.Equal(t, "conv-1", snap.ConversationID)
	assert.Equal(t, RateLimitView{Limit: 30, Remaining: 30}, snap.RateLimit)
	assert.Empty(t, snap.Messages)
}

func TestControllerAssemblesTextMessages(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)

	for _, evt := range []protocol.Event{
		{Type: protocol.EventRunStarted, ConversationID: "conv-1"},
		{Type: protocol.EventTextMessageStart, MessageID: "a1"},
		{Type: protocol.EventTextMessageContent, MessageID: "a1", Delta: "Hi "},
		{Type: protocol.EventTextMessageContent, MessageID: "a1", Delta: "there"},
		{Type: protocol.EventToolCallStart, ToolName: "search"},
		{Type: protocol.EventTextMessageEnd, MessageID: "a1"},
	} {
		ft.emit(evt)
	}

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.Equal(t, "a1", snap.LatestAssistantID)
	assert.True(t, snap.IsRunning)

	activity, ok := snap.ActivityFor("a1")
	require.True(t, ok)
	require.NotNil(t, activity.CurrentTool)
	assert.Equal(t, "search", activity.CurrentTool.Name)

	_, ok = snap.ActivityFor(snap.Messages[0].ID)
	assert.False(t, ok)

	// Redelivery of the same reply is ignored.
	ft.emit(protocol.Event{Type: protocol.EventTextMessageStart, MessageID: "a1"})
	ft.emit(protocol.Event{Type: protocol.EventTextMessageContent, MessageID: "a1", Delta: "Hi there"})
	ft.emit(protocol.Event{Type: protocol.EventTextMessageEnd, MessageID: "a1"})
	assert.Len(t, c.Snapshot().Messages, 2)
}

func TestControllerDropsEventsForOtherConversations(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	ft.emit(protocol.Event{Type: protocol.EventThinkingStart, ConversationID: "someone-else"})
	assert.False(t, c.Snapshot().IsThinking)

	ft.emit(protocol.Event{Type: protocol.EventThinkingStart, ConversationID: "conv-1"})
	assert.True(t, c.Snapshot().IsThinking)
}

func TestControllerAgentSwapKeepsOneSubscription(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	ft.emit(protocol.Event{Type: protocol.EventThinkingStart})

	for _, agent := range []string{"agent-b", "agent-c", "agent-b"} {
		require.NoError(t, c.SetAgent(agent))
		live := ft.live()
		require.Len(t, live, 1)
		assert.Equal(t, agent, live[0].agentID)
	}
	assert.False(t, c.Snapshot().IsThinking, "run state resets on a new subscription")
	assert.Equal(t, "agent-b", c.Snapshot().AgentID)

	// Stale callbacks from torn-down subscriptions are ignored.
	ft.emitAll(protocol.Event{Type: protocol.EventThinkingStart})
	assert.True(t, c.Snapshot().IsThinking)
	ft.emitAll(protocol.Event{Type: protocol.EventThinkingEnd})
	assert.False(t, c.Snapshot().IsThinking)
}

func TestControllerStaleCallbackAfterTeardownIsIgnored(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	old := ft.live()[0]

	_, err := c.StartNewConversation()
	require.NoError(t, err)

	old.onEvent(protocol.Event{Type: protocol.EventToolCallStart, ToolName: "exec"})
	assert.Nil(t, c.Snapshot().CurrentTool)
}

func TestControllerStartNewConversation(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)
	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)

	id, err := c.StartNewConversation()
	require.NoError(t, err)
	assert.NotEqual(t, "conv-1", id)

	snap := c.Snapshot()
	assert.Equal(t, id, snap.ConversationID)
	assert.Empty(t, snap.Messages)
	live := ft.live()
	require.Len(t, live, 1)
	assert.Equal(t, id, live[0].conversationID)
}

func TestControllerLoadConversation(t *testing.T) {
	ft := newFakeTransport()
	ft.history["conv-old"] = []protocol.HistoryMessage{
		{ID: "u", Role: protocol.RoleUser, Content: "question"},
		{ID: "a", Role: protocol.RoleAssistant, Content: "answer"},
	}
	c := newTestController(t, ft)

	require.NoError(t, c.LoadConversation(context.Background(), "conv-old"))
	snap := c.Snapshot()
	assert.Equal(t, "conv-old", snap.ConversationID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "a", snap.LatestAssistantID)

	err := c.LoadConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, transport.IsNotFound(err))
	assert.Equal(t, "conv-old", c.Snapshot().ConversationID, "failed load keeps the session")
}

func TestControllerRateLimitFromSendMetadata(t *testing.T) {
	ft := newFakeTransport()
	ft.sendMeta = protocol.Metadata{StatusCode: http.StatusAccepted, Limit: intPtr(5), Remaining: intPtr(0), RetryAfter: intPtr(90)}
	c := newTestController(t, ft)

	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.True(t, snap.RateLimit.IsLimited)
	assert.Equal(t, 5, snap.RateLimit.Limit)
	assert.Equal(t, "1m 30s", snap.RateLimit.FormattedTime)

	_, err = c.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, c.Snapshot().Messages, 1, "refused sends are not recorded")
}

func TestControllerRateLimitSurvivesResubscribe(t *testing.T) {
	ft := newFakeTransport()
	resetAt := epoch.Add(5 * time.Second)
	ft.sendMeta = protocol.Metadata{
		StatusCode: http.StatusTooManyRequests,
		Remaining:  intPtr(0),
		Reset:      int64Ptr(resetAt.Unix()),
		RetryAfter: intPtr(5),
	}
	ft.sendErr = &transport.StatusError{StatusCode: http.StatusTooManyRequests}
	ft.history["conv-old"] = []protocol.HistoryMessage{{ID: "u", Role: protocol.RoleUser, Content: "hi"}}
	c := newTestController(t, ft)

	_, err := c.Send(context.Background(), "hello")
	require.ErrorIs(t, err, transport.ErrRateLimited)

	// Each of these reports a bare 200 for the stream connect or history fetch.
	_, err = c.StartNewConversation()
	require.NoError(t, err)
	require.NoError(t, c.LoadConversation(context.Background(), "conv-old"))
	require.NoError(t, c.SetAgent("agent-b"))

	rl := c.Snapshot().RateLimit
	assert.True(t, rl.IsLimited)
	require.NotNil(t, rl.ResetAt)
	assert.WithinDuration(t, resetAt, *rl.ResetAt, 0)
	assert.Equal(t, "5s", rl.FormattedTime)

	_, err = c.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestControllerRateLimitRejectionMarksMessage(t *testing.T) {
	ft := newFakeTransport()
	ft.sendMeta = protocol.Metadata{StatusCode: http.StatusTooManyRequests}
	ft.sendErr = &transport.StatusError{StatusCode: http.StatusTooManyRequests}
	c := newTestController(t, ft)

	msg, err := c.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, transport.ErrRateLimited)
	assert.Equal(t, StatusError, msg.Status)
	assert.True(t, c.Snapshot().RateLimit.IsLimited)
}

func TestControllerCloseReleasesEverything(t *testing.T) {
	ft := newFakeTransport()
	ft.sendMeta = protocol.Metadata{StatusCode: http.StatusTooManyRequests}
	ft.sendErr = &transport.StatusError{StatusCode: http.StatusTooManyRequests}
	c := newTestController(t, ft)
	_, _ = c.Send(context.Background(), "hello")
	require.Equal(t, 1, c.limits.ActiveCountdowns())

	c.Close()
	c.Close()

	assert.Empty(t, ft.live())
	assert.Zero(t, ft.observerCount())
	assert.Zero(t, c.limits.ActiveCountdowns())
	assert.Zero(t, c.ActiveSubscriptions())

	_, err := c.Send(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.StartNewConversation()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SetAgent("other"), ErrClosed)
	assert.Panics(t, func() { c.Snapshot() })

	// Late events are ignored.
	ft.emitAll(protocol.Event{Type: protocol.EventThinkingStart})
}

func TestControllerSubscribeFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.subErr = errors.New("gateway down")

	_, err := New(context.Background(), Config{Transport: ft, Logger: discardLogger()})
	require.Error(t, err)
	assert.Zero(t, ft.observerCount())
}

func TestControllerFailedSwitchKeepsSession(t *testing.T) {
	ft := newFakeTransport()
	ft.history["conv-old"] = []protocol.HistoryMessage{
		{ID: "u", Role: protocol.RoleUser, Content: "question"},
		{ID: "a", Role: protocol.RoleAssistant, Content: "answer"},
	}
	c := newTestController(t, ft)
	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	ft.emit(protocol.Event{Type: protocol.EventThinkingStart})

	assertUnchanged := func(t *testing.T) {
		t.Helper()
		snap := c.Snapshot()
		assert.Equal(t, "conv-1", snap.ConversationID)
		assert.Equal(t, "agent-a", snap.AgentID)
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, "hello", snap.Messages[0].Content)
		assert.True(t, snap.IsThinking)
		assert.Equal(t, 1, c.ActiveSubscriptions())

		live := ft.live()
		require.Len(t, live, 1)
		assert.Equal(t, "conv-1", live[0].conversationID)
		assert.Equal(t, "agent-a", live[0].agentID)
	}

	down := errors.New("gateway down")
	switches := map[string]func() error{
		"load": func() error { return c.LoadConversation(context.Background(), "conv-old") },
		"new": func() error {
			_, err := c.StartNewConversation()
			return err
		},
		"agent": func() error { return c.SetAgent("agent-b") },
	}
	for name, fn := range switches {
		t.Run(name, func(t *testing.T) {
			ft.mu.Lock()
			ft.failNextSub = down
			ft.mu.Unlock()

			err := fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, down)
			assertUnchanged(t)
		})
	}

	// The restored subscription still delivers events.
	ft.emit(protocol.Event{Type: protocol.EventThinkingEnd})
	assert.False(t, c.Snapshot().IsThinking)
}

func TestControllerFailedSwitchReportsRestoreFailure(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	ft.mu.Lock()
	ft.subErr = errors.New("gateway down")
	ft.mu.Unlock()

	err := c.SetAgent("agent-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore subscription")
	assert.Equal(t, "agent-a", c.Snapshot().AgentID)
	assert.Equal(t, "conv-1", c.Snapshot().ConversationID)
	assert.Zero(t, c.ActiveSubscriptions())
}

func TestControllerHoldsEventsUntilSwitchCommits(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	var once sync.Once
	release := ft.Observe(func(protocol.Metadata) {
		// Runs inside Subscribe, before the switch is committed.
		once.Do(func() {
			for _, s := range ft.live() {
				if s.agentID == "agent-b" {
					s.onEvent(protocol.Event{Type: protocol.EventThinkingStart})
				}
			}
		})
	})
	defer release()

	require.NoError(t, c.SetAgent("agent-b"))
	assert.True(t, c.Snapshot().IsThinking, "early event is applied after the run state reset")
}

func TestControllerOnChangeNotifies(t *testing.T) {
	ft := newFakeTransport()
	c := newTestController(t, ft)

	changed := make(chan struct{}, 1)
	c.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	ft.emit(protocol.Event{Type: protocol.EventThinkingStart})

	select {
	case <-changed:
		assert.True(t, c.Snapshot().IsThinking)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}
