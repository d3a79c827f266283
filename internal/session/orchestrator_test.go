// ABOUTME: Tests for the session orchestrator.
// ABOUTME: Covers composition, persistence, defaults, and per-session serialization.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/nexus-gateway/internal/dispatch"
	"github.com/nexusgate/nexus-gateway/internal/registry"
	"github.com/nexusgate/nexus-gateway/internal/store"
)

// fakeDispatcher records requests and answers with a canned completion.
type fakeDispatcher struct {
	mu          sync.Mutex
	requests    []*dispatch.Request
	reply       string
	rawBody     []byte // overrides reply when set
	err         error
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func (f *fakeDispatcher) Do(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	body := f.rawBody
	if body == nil {
		body, _ = json.Marshal(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: f.reply,
				}},
			},
		})
	}
	return &dispatch.Response{StatusCode: 200, ContentType: "application/json", Body: body, InstanceID: "inst-1"}, nil
}

func (f *fakeDispatcher) sentRequests() []*dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dispatch.Request(nil), f.requests...)
}

// fakeModels is a canned default-model source.
type fakeModels struct{ model string }

func (f *fakeModels) DefaultModel(registry.Kind) string { return f.model }

// failingStore rejects appends but reads fine.
type failingStore struct {
	store.Store
}

func (f *failingStore) AppendTurns(ctx context.Context, sessionID string, turns []store.Turn) error {
	return errors.New("disk full")
}

func newTestOrchestrator(d Dispatcher, st store.Store) *Orchestrator {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return New(st, d, &fakeModels{}, nil)
}

func decodeChatRequest(t *testing.T, body []byte) openai.ChatCompletionRequest {
	t.Helper()
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func TestRespond_ComposesPreambleHistoryAndMessage(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.AppendTurns(ctx, "s1", []store.Turn{
		{Role: store.RoleUser, Content: "What is Go?"},
		{Role: store.RoleAssistant, Content: "A programming language."},
	}))

	d := &fakeDispatcher{reply: "Yes."}
	o := newTestOrchestrator(d, st)
	defer o.Close()

	reply, err := o.Respond(ctx, "s1", "Is it fast?", "llama-3")
	require.NoError(t, err)
	assert.Equal(t, "Yes.", reply)

	sent := d.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, registry.KindChat, sent[0].Kind)
	assert.Equal(t, "llama-3", sent[0].Model)
	assert.Equal(t, "application/json", sent[0].ContentType)

	chatReq := decodeChatRequest(t, sent[0].Body)
	assert.Equal(t, "llama-3", chatReq.Model)
	require.Len(t, chatReq.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, chatReq.Messages[0].Role)
	assert.Equal(t, systemPreamble, chatReq.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, chatReq.Messages[1].Role)
	assert.Equal(t, "What is Go?", chatReq.Messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, chatReq.Messages[2].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, chatReq.Messages[3].Role)
	assert.Equal(t, "Is it fast?", chatReq.Messages[3].Content)
}

func TestRespond_PersistsBothTurnsInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	d := &fakeDispatcher{reply: "Hi there."}
	o := newTestOrchestrator(d, st)
	defer o.Close()

	_, err := o.Respond(context.Background(), "s1", "Hello", "m")
	require.NoError(t, err)

	turns, err := st.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello", turns[0].Content)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hi there.", turns[1].Content)
}

func TestRespond_UnknownSessionStartsEmpty(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	o := newTestOrchestrator(d, nil)
	defer o.Close()

	_, err := o.Respond(context.Background(), "brand-new", "hi", "m")
	require.NoError(t, err)

	sent := d.sentRequests()
	require.Len(t, sent, 1)
	chatReq := decodeChatRequest(t, sent[0].Body)
	// Preamble plus the new message only.
	assert.Len(t, chatReq.Messages, 2)
}

func TestRespond_UsesDefaultModelWhenUnspecified(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	o := New(store.NewMemoryStore(), d, &fakeModels{model: "qwen-2"}, nil)
	defer o.Close()

	_, err := o.Respond(context.Background(), "s1", "hi", "")
	require.NoError(t, err)

	sent := d.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, "qwen-2", sent[0].Model)
	assert.Equal(t, "qwen-2", decodeChatRequest(t, sent[0].Body).Model)
}

func TestRespond_NoContentFallback(t *testing.T) {
	cases := map[string][]byte{
		"empty choices": []byte(`{"choices":[]}`),
		"empty content": []byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`),
		"not json":      []byte(`<html>gateway timeout</html>`),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemoryStore()
			o := newTestOrchestrator(&fakeDispatcher{rawBody: body}, st)
			defer o.Close()

			reply, err := o.Respond(context.Background(), "s1", "hi", "m")
			require.NoError(t, err)
			assert.Equal(t, "(no content)", reply)

			turns, err := st.ListTurns(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, "(no content)", turns[1].Content)
		})
	}
}

func TestRespond_DispatchFailureRecordsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	d := &fakeDispatcher{err: registry.ErrNoAvailableBackend}
	o := newTestOrchestrator(d, st)
	defer o.Close()

	_, err := o.Respond(context.Background(), "s1", "hi", "m")
	assert.ErrorIs(t, err, registry.ErrNoAvailableBackend)

	turns, listErr := st.ListTurns(context.Background(), "s1")
	require.NoError(t, listErr)
	assert.Empty(t, turns, "a failed turn must leave no history behind")
}

func TestRespond_PersistenceFailureStillReturnsReply(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore()}
	d := &fakeDispatcher{reply: "the answer"}
	o := newTestOrchestrator(d, st)
	defer o.Close()

	reply, err := o.Respond(context.Background(), "s1", "hi", "m")
	assert.ErrorIs(t, err, ErrTurnNotPersisted)
	assert.Equal(t, "the answer", reply)
}

func TestRespond_SerializesTurnsWithinASession(t *testing.T) {
	st := store.NewMemoryStore()
	d := &fakeDispatcher{reply: "ok", delay: 10 * time.Millisecond}
	o := newTestOrchestrator(d, st)
	defer o.Close()

	const turns = 5
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Respond(context.Background(), "s1", fmt.Sprintf("msg-%d", i), "m")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	d.mu.Lock()
	maxInFlight := d.maxInFlight
	d.mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "turns on one session must not overlap")

	// Each turn saw the history its predecessors wrote.
	histories := make([]int, 0, turns)
	for _, req := range d.sentRequests() {
		chatReq := decodeChatRequest(t, req.Body)
		histories = append(histories, len(chatReq.Messages)-2)
	}
	assert.ElementsMatch(t, []int{0, 2, 4, 6, 8}, histories)

	stored, err := st.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored, 2*turns)
	for i := 0; i < len(stored); i += 2 {
		assert.Equal(t, store.RoleUser, stored[i].Role)
		assert.Equal(t, store.RoleAssistant, stored[i+1].Role)
	}
}

func TestRespond_DistinctSessionsRunConcurrently(t *testing.T) {
	d := &fakeDispatcher{reply: "ok", delay: 50 * time.Millisecond}
	o := newTestOrchestrator(d, nil)
	defer o.Close()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Respond(context.Background(), fmt.Sprintf("s%d", i), "hi", "m")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Serialized they would take 200ms; concurrent they overlap.
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestDelete_RemovesSession(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(&fakeDispatcher{reply: "ok"}, st)
	defer o.Close()

	ctx := context.Background()
	_, err := o.Respond(ctx, "s1", "hi", "m")
	require.NoError(t, err)

	require.NoError(t, o.Delete(ctx, "s1"))

	sessions, err := o.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.ErrorIs(t, o.Delete(ctx, "s1"), store.ErrSessionNotFound)
}

func TestLockTable_SweepsIdleEntries(t *testing.T) {
	table := newLockTable(0)
	defer table.close()

	release := table.acquire("s1")
	assert.Equal(t, 1, table.size())

	// A held lock never gets swept, even past its TTL.
	table.runSweep()
	assert.Equal(t, 1, table.size())

	release()
	table.runSweep()
	assert.Equal(t, 0, table.size())
}
