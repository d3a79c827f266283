// ABOUTME: Session orchestrator turning stored history plus a new user message into a chat call.
// ABOUTME: Serializes turns per session and persists both sides of each exchange atomically.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexusgate/nexus-gateway/internal/dispatch"
	"github.com/nexusgate/nexus-gateway/internal/registry"
	"github.com/nexusgate/nexus-gateway/internal/store"
)

// ErrTurnNotPersisted indicates the backend produced a reply but recording
// the exchange failed. The reply is still valid and should reach the caller
// with a warning rather than an error status.
var ErrTurnNotPersisted = errors.New("turn not persisted")

// systemPreamble is prepended to every composed conversation.
const systemPreamble = "You are an AI assistant. Answer as helpfully and concisely as possible."

// noContentFallback stands in for a reply when the backend returns no
// usable choice content.
const noContentFallback = "(no content)"

// Dispatcher is the dispatch surface the orchestrator needs.
type Dispatcher interface {
	Do(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error)
}

// ModelSource resolves a default chat model when the caller names none.
type ModelSource interface {
	DefaultModel(kind registry.Kind) string
}

// Orchestrator owns the request/reply session flow: load history, compose
// the upstream chat request, dispatch it, and persist the exchange. Turns
// within one session are serialized by per-session locks; distinct sessions
// proceed concurrently.
type Orchestrator struct {
	store      store.Store
	dispatcher Dispatcher
	models     ModelSource
	locks      *lockTable
	logger     *slog.Logger
}

// New creates an Orchestrator over the given store and dispatcher.
func New(st store.Store, d Dispatcher, models ModelSource, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      st,
		dispatcher: d,
		models:     models,
		locks:      newLockTable(10 * time.Minute),
		logger:     logger.With("component", "session"),
	}
}

// Close releases background resources.
func (o *Orchestrator) Close() {
	o.locks.close()
}

// Respond runs one full session turn: it composes the conversation from
// stored history plus the new user message, dispatches it as a chat
// completion, persists both turns, and returns the assistant reply.
//
// A nil error means the reply was produced and recorded. When the reply was
// produced but recording failed, Respond returns the reply together with an
// error wrapping ErrTurnNotPersisted; callers should deliver the reply and
// surface the persistence problem as a warning. An unknown session id is
// not an error: it starts a new session with empty history.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, userMessage, model string) (string, error) {
	release := o.locks.acquire(sessionID)
	defer release()

	history, err := o.store.ListTurns(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session history: %w", err)
	}

	if model == "" {
		model = o.models.DefaultModel(registry.KindChat)
	}

	body, err := json.Marshal(composeRequest(model, history, userMessage))
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	resp, err := o.dispatcher.Do(ctx, &dispatch.Request{
		Kind:        registry.KindChat,
		Model:       model,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}

	reply := extractReply(resp.Body)

	o.logger.Debug("session turn completed",
		"session_id", sessionID,
		"instance_id", resp.InstanceID,
		"history_turns", len(history),
	)

	turns := []store.Turn{
		{Role: store.RoleUser, Content: userMessage},
		{Role: store.RoleAssistant, Content: reply},
	}
	if err := o.store.AppendTurns(ctx, sessionID, turns); err != nil {
		o.logger.Error("recording session turn failed",
			"session_id", sessionID,
			"error", err,
		)
		return reply, fmt.Errorf("%w: %v", ErrTurnNotPersisted, err)
	}

	return reply, nil
}

// History returns the stored turns of a session in order.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]store.Turn, error) {
	return o.store.ListTurns(ctx, sessionID)
}

// Sessions lists the ids of all sessions with stored history.
func (o *Orchestrator) Sessions(ctx context.Context) ([]string, error) {
	return o.store.ListSessions(ctx)
}

// Delete removes a session and its history. The session lock is held so a
// turn in flight finishes before the delete lands.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	release := o.locks.acquire(sessionID)
	defer release()

	return o.store.DeleteSession(ctx, sessionID)
}

// composeRequest builds the upstream chat completion: system preamble,
// stored history in order, then the new user message.
func composeRequest(model string, history []store.Turn, userMessage string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPreamble,
	})
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	return openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
}

// extractReply pulls the assistant text out of a chat completion response.
// Anything unusable falls back to a placeholder rather than an error; the
// backend answered, it just had nothing to say.
func extractReply(body []byte) string {
	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return noContentFallback
	}
	if len(completion.Choices) == 0 {
		return noContentFallback
	}
	content := completion.Choices[0].Message.Content
	if content == "" {
		return noContentFallback
	}
	return content
}
