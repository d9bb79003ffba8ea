// Package engine composes the transport, the recovery controller and the
// session state machine into one logical ordered conversation. All failures
// surface as state transitions, never as panics across this boundary.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/veilchat/veilchat/internal/api"
	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/llm"
	"github.com/veilchat/veilchat/internal/logger"
	"github.com/veilchat/veilchat/internal/recovery"
	"github.com/veilchat/veilchat/internal/session"
	"github.com/veilchat/veilchat/internal/store"
	"github.com/veilchat/veilchat/internal/stream"
)

const systemPrompt = "You're a friendly assistant"

// ErrSessionExpired means the anonymization service forgot the conversation;
// the session correlation id is dead and the conversation must be reset.
var ErrSessionExpired = errors.New("engine: session expired, reset the conversation")

// Transport is the push-connection surface the engine drives. *stream.Client
// implements it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, payload []byte)
	OnMessage(fn func(stream.Frame)) func()
	OnError(fn func(error)) func()
	OnOpen(fn func()) func()
	OnClose(fn func()) func()
}

// API is the subset of the anonymization service the engine calls.
type API interface {
	Anonymize(ctx context.Context, text, sessionID string) (*api.AnonymizeResult, error)
	Deanonymize(ctx context.Context, text, sessionID string) (*api.DeanonymizeResult, error)
	VerifySignature(ctx context.Context, content string, att api.Attestation) (bool, string, error)
	BatchMessage(ctx context.Context, endpoint, message, sessionID string) (string, error)
	Health(ctx context.Context) error
}

// framePayload is the logical JSON payload carried by stream frames. One
// decode path handles both the named "error" event and error-typed payloads.
type framePayload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta,omitempty"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// sendPayload is the client->server turn request.
type sendPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId"`
}

// Engine is the session orchestrator.
type Engine struct {
	cfg       config.Config
	api       API
	transport Transport
	llm       llm.Client
	records   *store.Store
	rec       *recovery.Controller

	mu         sync.Mutex
	state      session.State
	llmHistory []openai.ChatCompletionMessage
	subs       map[int]func(session.State)
	nextSub    int
	unsubs     []func()
}

// New wires an engine from its collaborators. llmClient and records may be
// nil: direct mode and attestation persistence are then disabled.
func New(cfg config.Config, apiClient API, transport Transport, llmClient llm.Client, records *store.Store) *Engine {
	e := &Engine{
		cfg:       cfg,
		api:       apiClient,
		transport: transport,
		llm:       llmClient,
		records:   records,
		state:     session.NewState(),
		llmHistory: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		subs: make(map[int]func(session.State)),
	}

	e.rec = recovery.New(cfg.Recovery,
		func(ctx context.Context) error { return apiClient.Health(ctx) },
		func(ctx context.Context) error { return transport.Connect(ctx) },
		e.handleRecoveryState,
	)

	e.unsubs = append(e.unsubs,
		transport.OnMessage(e.handleFrame),
		transport.OnError(e.handleTransportError),
		transport.OnOpen(func() {
			e.dispatch(session.SetConnectionState{ConnState: session.StateConnected})
		}),
		transport.OnClose(e.handleTransportClose),
	)
	return e
}

// Snapshot returns the current session state value.
func (e *Engine) Snapshot() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnChange registers a state observer and returns its unsubscribe func.
func (e *Engine) OnChange(fn func(session.State)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Recovery exposes the controller for diagnostics (attempt history).
func (e *Engine) Recovery() *recovery.Controller { return e.rec }

// Verifications returns the attestation records of the current conversation.
func (e *Engine) Verifications() []store.Record {
	if e.records == nil {
		return nil
	}
	return e.records.List(e.Snapshot().SessionID)
}

// Connect establishes the push connection up front. Failures flow through
// the recovery controller; callers need not retry themselves.
func (e *Engine) Connect(ctx context.Context) error {
	e.dispatch(session.SetConnectionState{ConnState: session.StateConnecting})
	return e.transport.Connect(ctx)
}

// Send runs one user turn: anonymize, append the human message, then either
// start a streamed assistant message or run the synchronous fallback path.
// The user-authored message is never dropped; only the paired assistant
// response can fail, and that is recoverable by retry.
func (e *Engine) Send(ctx context.Context, text string) error {
	st := e.Snapshot()

	anon, err := e.api.Anonymize(ctx, text, st.SessionID)
	if errors.Is(err, api.ErrSessionNotFound) && st.SessionID != "" {
		// The correlation id is immutable for a conversation's lifetime, so
		// an expired upstream session ends the conversation.
		e.dispatch(session.SetError{Text: "session expired: reset the conversation to continue"})
		return ErrSessionExpired
	}
	if err != nil {
		e.dispatch(session.SetError{Text: err.Error()})
		return fmt.Errorf("engine: anonymize: %w", err)
	}

	e.dispatch(session.SetSessionID{SessionID: anon.SessionID})
	e.dispatch(session.AddMessage{
		Role:      session.RoleHuman,
		Content:   text,
		SessionID: anon.SessionID,
	})
	e.recordAttestation("input-"+uuid.NewString()[:8], anon.SessionID, text, anon.Attestation)

	if e.Snapshot().FallbackActive {
		return e.fallbackTurn(ctx, anon.Text, anon.SessionID)
	}
	return e.streamTurn(ctx, anon.Text, anon.SessionID)
}

// streamTurn starts the streaming assistant message and hands the anonymized
// text to the transport.
func (e *Engine) streamTurn(ctx context.Context, anonText, sessionID string) error {
	// At most one active stream: a still-streaming prior response is
	// explicitly errored, never silently orphaned.
	if prior := e.Snapshot().ActiveStreamID; prior != "" {
		logger.L.Warn("superseding in-flight stream", "message_id", prior)
		e.dispatch(session.SetError{ID: prior, Text: "superseded by a newer request"})
	}

	assistantID := uuid.NewString()
	e.dispatch(session.StartStreaming{ID: assistantID, Role: session.RoleAssistant})

	if err := e.transport.Connect(ctx); err != nil {
		// The transport reported the failure on its error path already; the
		// recovery controller owns retrying from here.
		logger.L.Warn("connect failed, leaving turn to recovery", "error", err)
		return nil
	}

	payload, err := json.Marshal(sendPayload{
		Message:   anonText,
		SessionID: sessionID,
		MessageID: assistantID,
	})
	if err != nil {
		e.dispatch(session.SetError{ID: assistantID, Text: err.Error()})
		return fmt.Errorf("engine: marshal turn: %w", err)
	}
	e.transport.Send(ctx, payload)
	return nil
}

// fallbackTurn fetches the whole response synchronously. It completes with
// the same AddMessage contract as a streamed message, so consumers can tell
// the difference only via FallbackActive.
func (e *Engine) fallbackTurn(ctx context.Context, anonText, sessionID string) error {
	var reply string
	var err error
	switch {
	case e.cfg.Stream.FallbackURL != "":
		reply, err = e.api.BatchMessage(ctx, e.cfg.Stream.FallbackURL, anonText, sessionID)
	case e.llm != nil:
		reply, err = e.directCompletion(ctx, anonText)
	default:
		err = errors.New("engine: no fallback endpoint and no direct LLM configured")
	}
	if err != nil {
		e.dispatch(session.SetError{Text: err.Error()})
		return fmt.Errorf("engine: fallback turn: %w", err)
	}

	final, att, err := e.deanonymize(ctx, reply, sessionID)
	if err != nil {
		e.dispatch(session.SetError{Text: err.Error()})
		return fmt.Errorf("engine: fallback turn: %w", err)
	}

	id := uuid.NewString()
	e.dispatch(session.AddMessage{
		ID:        id,
		Role:      session.RoleAssistant,
		Content:   final,
		SessionID: sessionID,
	})
	e.recordAttestation(id, sessionID, final, att)
	return nil
}

// directCompletion asks the model itself, keeping the anonymized view of the
// conversation as its history.
func (e *Engine) directCompletion(ctx context.Context, anonText string) (string, error) {
	e.mu.Lock()
	e.llmHistory = append(e.llmHistory, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: anonText,
	})
	history := make([]openai.ChatCompletionMessage, len(e.llmHistory))
	copy(history, e.llmHistory)
	e.mu.Unlock()

	resp, err := e.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.cfg.LLM.Model,
		Messages: history,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("engine: empty completion")
	}
	content := resp.Choices[0].Message.Content

	e.mu.Lock()
	e.llmHistory = append(e.llmHistory, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant, Content: content,
	})
	e.mu.Unlock()
	return content, nil
}

// UseFallback manually switches to the degraded non-streaming path.
func (e *Engine) UseFallback() {
	e.transport.Disconnect()
	e.rec.EnableFallback()
	e.dispatch(session.SetFallbackMode{Active: true})
	e.dispatch(session.SetConnectionState{ConnState: session.StateConnected})
	logger.L.Info("fallback mode enabled by user")
}

// Retry asks for an immediate reconnect, leaving fallback mode.
func (e *Engine) Retry() {
	e.rec.DisableFallback()
	e.dispatch(session.SetFallbackMode{Active: false})
	e.rec.ForceReconnect()
}

// ResetConversation discards the conversation, its correlation id and any
// pending recovery work.
func (e *Engine) ResetConversation() {
	e.rec.Reset()
	e.transport.Disconnect()
	e.mu.Lock()
	e.llmHistory = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	e.mu.Unlock()
	e.dispatch(session.Reset{})
}

// Close releases subscriptions and the transport.
func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.transport.Disconnect()
	e.rec.Reset()
}

// dispatch applies an action and notifies observers with the new state.
func (e *Engine) dispatch(a session.Action) {
	e.mu.Lock()
	e.state = session.Apply(e.state, a)
	st := e.state
	fns := make([]func(session.State), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// handleFrame routes a transport frame by its payload type discriminator.
func (e *Engine) handleFrame(f stream.Frame) {
	var p framePayload
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		logger.L.Warn("dropping frame with undecodable payload", "event", f.Event, "error", err)
		return
	}
	if p.Type == "" && f.Event == "error" {
		p.Type = "error"
	}

	switch p.Type {
	case "ping":
		logger.L.Debug("ping frame")

	case "session-created":
		e.dispatch(session.SetSessionID{SessionID: p.SessionID})

	case "content-delta":
		e.dispatch(session.AppendContent{ID: p.MessageID, Delta: p.Delta})

	case "message-complete":
		e.completeStreamed(p)

	case "error":
		text := p.Error
		if text == "" {
			text = "server reported an error"
		}
		e.dispatch(session.SetError{ID: p.MessageID, Text: text})

	default:
		logger.L.Debug("ignoring unknown frame type", "type", p.Type)
	}
}

// completeStreamed terminates a streamed message. The server's final content
// (or, failing that, the accumulated deltas) is de-anonymized before the
// terminal transition so the log holds the restored text.
func (e *Engine) completeStreamed(p framePayload) {
	st := e.Snapshot()
	anonFinal := p.Content
	if anonFinal == "" {
		if m, ok := st.Find(p.MessageID); ok {
			anonFinal = m.Content
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	final, att, err := e.deanonymize(ctx, anonFinal, st.SessionID)
	if err != nil {
		logger.L.Error("deanonymize on completion failed", "message_id", p.MessageID, "error", err)
		e.dispatch(session.SetError{ID: p.MessageID, Text: "deanonymize: " + err.Error()})
		return
	}
	e.dispatch(session.CompleteMessage{ID: p.MessageID, FinalContent: &final})
	e.recordAttestation(p.MessageID, st.SessionID, final, att)
}

// deanonymize restores PII when a session id is available; without one the
// text passes through untouched.
func (e *Engine) deanonymize(ctx context.Context, text, sessionID string) (string, api.Attestation, error) {
	if sessionID == "" || text == "" {
		return text, api.Attestation{}, nil
	}
	res, err := e.api.Deanonymize(ctx, text, sessionID)
	if err != nil {
		return "", api.Attestation{}, err
	}
	return res.Text, res.Attestation, nil
}

// recordAttestation verifies the signing material of one exchange and saves
// the outcome. Verification failures are recorded, never fatal.
func (e *Engine) recordAttestation(messageID, sessionID, content string, att api.Attestation) {
	if e.records == nil || !att.Present() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	valid, detail, err := e.api.VerifySignature(ctx, content, att)
	if err != nil {
		logger.L.Warn("signature verification failed", "message_id", messageID, "error", err)
		detail = err.Error()
	}
	preview := content
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	e.records.Save(store.Record{
		MessageID:     messageID,
		SessionID:     sessionID,
		Preview:       preview,
		Quote:         att.Quote,
		Signature:     att.Signature,
		PublicKey:     att.PublicKey,
		SigningMethod: att.SigningMethod,
		Verified:      valid,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
}

func (e *Engine) handleTransportError(err error) {
	var perr *stream.ParseError
	if errors.As(err, &perr) {
		// Malformed frame: dropped and logged, the connection stays up.
		return
	}
	e.dispatch(session.SetError{Text: err.Error()})
	e.dispatch(session.SetConnectionState{ConnState: session.StateRecovering})
	e.rec.TriggerRecovery()
}

func (e *Engine) handleTransportClose() {
	logger.L.Warn("transport closed involuntarily")
	e.dispatch(session.SetConnectionState{ConnState: session.StateDisconnected})
	e.rec.TriggerRecovery()
}

// handleRecoveryState mirrors controller transitions into the observable
// session state. It is the only writer of ConnState besides the transport
// open hook.
func (e *Engine) handleRecoveryState(st recovery.State) {
	var conn session.ConnectionState
	switch st {
	case recovery.StateConnected:
		conn = session.StateConnected
	case recovery.StateConnecting:
		conn = session.StateConnecting
	case recovery.StateRecovering:
		conn = session.StateRecovering
	case recovery.StateError:
		conn = session.StateError
	default:
		conn = session.StateDisconnected
	}
	e.dispatch(session.SetConnectionState{ConnState: conn})
	if st == recovery.StateConnected {
		e.dispatch(session.SetFallbackMode{Active: e.rec.Degraded() || e.Snapshot().FallbackActive})
		e.dispatch(session.ClearError{})
	}
	if st == recovery.StateError {
		if err := e.rec.LastError(); err != nil {
			e.dispatch(session.SetError{Text: err.Error()})
		}
	}
	// Retry exhaustion abandons any stream still waiting on the dead
	// connection: its deltas will never arrive, and leaving it active would
	// block the next turn forever.
	if st == recovery.StateError || (st == recovery.StateConnected && e.rec.Degraded()) {
		if active := e.Snapshot().ActiveStreamID; active != "" {
			e.dispatch(session.SetError{ID: active, Text: "connection lost before the response arrived"})
		}
	}
}
