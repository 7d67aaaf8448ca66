// Package pipeline orchestrates one chat request end to end: classify,
// screen, route, augment, dispatch, stream, record.
//
// The per-request state machine is
//
//	RECEIVED → CLASSIFIED → SCREENED → {BLOCKED | ROUTED} →
//	          AUGMENTED → DISPATCHED → STREAMING → {COMPLETED | CANCELLED | FAILED}
//
// A blocked request produces a synthetic terminal chunk with finish reason
// "content_filter" and never touches a backend. A cancelled request writes
// no usage record and no transcript entry. Usage is recorded exactly when
// the terminal chunk was delivered to the caller.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pearl-project/pearl/internal/augment"
	"github.com/pearl-project/pearl/internal/classify"
	"github.com/pearl-project/pearl/internal/detect"
	"github.com/pearl-project/pearl/internal/redact"
	"github.com/pearl-project/pearl/internal/resilience"
	"github.com/pearl-project/pearl/internal/router"
	"github.com/pearl-project/pearl/internal/rules"
	"github.com/pearl-project/pearl/internal/transcript"
	"github.com/pearl-project/pearl/internal/usage"
	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/types"
)

// State names one stage of the request state machine. Used in logs.
type State string

const (
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateScreened   State = "screened"
	StateBlocked    State = "blocked"
	StateRouted     State = "routed"
	StateAugmented  State = "augmented"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Transcripts is the slice of [transcript.Log] the pipeline uses.
type Transcripts interface {
	Append(ctx context.Context, e transcript.Entry) error
}

// Config wires a Pipeline's collaborators. Router and Backends are
// required; everything else degrades gracefully when nil.
type Config struct {
	Detector    *detect.Detector
	Router      *router.Router
	Augmenter   *augment.Augmenter
	Backends    *backend.Registry
	Recorder    *usage.Recorder
	Redactor    *redact.Filter
	Transcripts Transcripts

	// Breakers guards per-account dispatch; created with a retryable-only
	// failure classifier when nil.
	Breakers *resilience.BreakerSet

	// Retry is the dispatch backoff policy. Zero value means defaults.
	Retry resilience.Policy

	// Route tunes routing decisions (budget enforcement).
	Route router.Options

	// Augment holds the default augmentation options; SessionID is filled
	// per request from metadata.
	Augment augment.Options
}

// Response is the outcome of admitting one request.
type Response struct {
	// RequestID is the correlation ID assigned to the request.
	RequestID string

	// Chunks delivers the response stream. Sends are unbuffered: the next
	// upstream chunk is not read until the caller accepts the previous one.
	// Closed after the terminal chunk, or without one on failure mid-stream.
	Chunks <-chan types.ChatChunk

	// Blocked is true when the injection detector stopped the request. The
	// stream then carries one synthetic content_filter chunk.
	Blocked bool

	// BlockReason is the detector's short reasoning, set when Blocked.
	BlockReason string

	// RuleName and AccountID describe the route, empty when blocked before
	// routing.
	RuleName  string
	AccountID string

	// FallbackUsed is true when the response came from the rule's fallback
	// account.
	FallbackUsed bool

	// Warning carries the router's soft budget warning, if any.
	Warning string
}

// Pipeline sequences the components for each request. Safe for concurrent
// use; per-request state lives on the stack and in the stream goroutine.
type Pipeline struct {
	detector    *detect.Detector
	router      *router.Router
	augmenter   *augment.Augmenter
	backends    *backend.Registry
	recorder    *usage.Recorder
	redactor    *redact.Filter
	transcripts Transcripts
	breakers    *resilience.BreakerSet
	retry       resilience.Policy
	route       router.Options
	augment     augment.Options
	now         func() time.Time
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.BreakerConfig{
			IsFailure: backend.Retryable,
		})
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = redact.NewFilter()
	}
	return &Pipeline{
		detector:    cfg.Detector,
		router:      cfg.Router,
		augmenter:   cfg.Augmenter,
		backends:    cfg.Backends,
		recorder:    cfg.Recorder,
		redactor:    redactor,
		transcripts: cfg.Transcripts,
		breakers:    breakers,
		retry:       cfg.Retry,
		route:       cfg.Route,
		augment:     cfg.Augment,
		now:         time.Now,
	}
}

// Handle admits one request. A non-nil error means nothing was dispatched
// and no stream exists; the error is a tagged [*Error]. A nil error returns
// a Response whose channel the caller must drain.
func (p *Pipeline) Handle(ctx context.Context, req types.ChatRequest) (*Response, error) {
	requestID := uuid.NewString()
	started := p.now()
	meta := req.Metadata
	log := slog.With("request_id", requestID, "agent", meta.AgentID, "session", meta.SessionID)

	if len(req.Messages) == 0 {
		return nil, &Error{Category: CategoryInvalidRequest, Reason: "messages must not be empty"}
	}

	cls := classify.Classify(req.Messages)
	log.Debug("request classified",
		"state", StateClassified,
		"complexity", cls.Complexity,
		"type", cls.Type,
		"sensitive", cls.Sensitive,
		"estimated_tokens", cls.EstimatedTokens)

	if p.detector != nil {
		verdict := p.detector.Analyze(ctx, req.LastUserContent(), detect.SecurityContext{
			UserID:         meta.UserID,
			IsAdmin:        meta.IsAdmin,
			RiskScore:      p.detector.UserRisk(meta.UserID),
			SessionHistory: userHistory(req.Messages),
			BypassToken:    bypassToken(meta),
		})
		if verdict.Blocked() {
			if isRateLimit(verdict) {
				return nil, &Error{Category: CategoryRateLimited, Reason: verdict.Reasoning}
			}
			log.Warn("request blocked",
				"state", StateBlocked,
				"severity", verdict.Severity.String(),
				"factors", verdict.ContextFactors)
			return p.blockedResponse(requestID, req.Model, verdict.Reasoning), nil
		}
	}

	route, err := p.router.Route(rules.Context{Classification: cls, Metadata: meta}, p.route)
	if err != nil {
		return nil, tag(err, CategoryOf(err), "", "", "routing failed")
	}
	if route.Warning != "" {
		log.Warn("budget warning", "account", route.Account.ID, "warning", route.Warning)
	}

	msgs := req.Messages
	if p.augmenter != nil {
		aopts := p.augment
		aopts.SessionID = meta.SessionID
		ares, aerr := p.augmenter.Augment(ctx, meta.AgentID, req.Messages, aopts)
		if aerr != nil {
			// Augmentation is best-effort; the request proceeds bare.
			log.Warn("augmentation failed", "error", aerr)
		} else {
			msgs = ares.Messages
			if len(ares.Injected) > 0 {
				log.Debug("memories injected",
					"state", StateAugmented,
					"count", len(ares.Injected),
					"tokens", ares.TokensUsed)
			}
		}
	}

	up, account, fallbackUsed, err := p.dispatch(ctx, route, msgs, req)
	if err != nil {
		return nil, tag(err, CategoryOf(err), route.RuleName, account.ID, "backend dispatch failed")
	}
	log.Debug("dispatched",
		"state", StateDispatched,
		"rule", route.RuleName,
		"account", account.ID,
		"fallback", fallbackUsed)

	out := make(chan types.ChatChunk)
	go p.stream(ctx, streamState{
		log:          log,
		requestID:    requestID,
		started:      started,
		account:      account,
		ruleName:     route.RuleName,
		fallbackUsed: fallbackUsed,
		meta:         meta,
		prompt:       req.LastUserContent(),
	}, up, out)

	return &Response{
		RequestID:    requestID,
		Chunks:       out,
		RuleName:     route.RuleName,
		AccountID:    account.ID,
		FallbackUsed: fallbackUsed || route.UsedFallback,
		Warning:      route.Warning,
	}, nil
}

// dispatch starts the upstream stream on the routed account, falling back
// once to the rule's fallback account when the primary fails to start.
func (p *Pipeline) dispatch(ctx context.Context, route *router.Result, msgs []types.Message, req types.ChatRequest) (<-chan types.ChatChunk, router.Account, bool, error) {
	up, err := p.start(ctx, route.Account, msgs, req)
	if err == nil {
		return up, route.Account, false, nil
	}
	if CategoryOf(err) == CategoryCancelled {
		return nil, route.Account, false, err
	}

	fb := p.router.FallbackAccount(route.Fallback)
	if fb == nil || fb.ID == route.Account.ID {
		return nil, route.Account, false, err
	}
	slog.Warn("primary dispatch failed, trying fallback account",
		"primary", route.Account.ID,
		"fallback", fb.ID,
		"error", err)

	up, fbErr := p.start(ctx, *fb, msgs, req)
	if fbErr != nil {
		return nil, *fb, true, fbErr
	}
	return up, *fb, true, nil
}

// start opens the upstream stream through the account's breaker with the
// retry policy applied to transient start failures.
func (p *Pipeline) start(ctx context.Context, acct router.Account, msgs []types.Message, req types.ChatRequest) (<-chan types.ChatChunk, error) {
	adapter, err := p.backends.Adapter(acct.Provider)
	if err != nil {
		return nil, err
	}
	upReq := types.ChatRequest{
		Model:       bareModel(acct),
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Metadata:    req.Metadata,
	}

	var up <-chan types.ChatChunk
	err = p.breakers.For(acct.ID).Execute(func() error {
		return resilience.Retry(ctx, p.retry, func() error {
			ch, chatErr := adapter.Chat(ctx, upReq)
			if chatErr != nil {
				return chatErr
			}
			up = ch
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return up, nil
}

// bareModel returns the account's model name without the provider prefix.
// Adapters take the bare name; account models normally carry the
// "<provider>/<name>" form from config.
func bareModel(acct router.Account) string {
	if _, bare, err := backend.ParseModel(acct.Model); err == nil {
		return bare
	}
	return acct.Model
}

// streamState carries the per-request facts the streaming goroutine needs
// for recording and transcripts.
type streamState struct {
	log          *slog.Logger
	requestID    string
	started      time.Time
	account      router.Account
	ruleName     string
	fallbackUsed bool
	meta         types.Metadata
	prompt       string
}

// stream forwards upstream chunks to the caller with redaction applied,
// then records usage and appends the transcript once the terminal chunk has
// been delivered. Cancellation at any point closes the output without a
// terminal chunk and skips both side effects.
func (p *Pipeline) stream(ctx context.Context, st streamState, up <-chan types.ChatChunk, out chan<- types.ChatChunk) {
	defer close(out)

	var response strings.Builder
	var terminal *types.ChatChunk
	red := p.redactor.Stream()

	for chunk := range up {
		if chunk.Terminal() {
			// Release the held-back redaction tail with the terminal chunk
			// so a credential split across deltas cannot leak.
			if tail := red.Flush(); tail != "" && len(chunk.Choices) > 0 {
				chunk.Choices[0].Delta.Content = tail + chunk.Choices[0].Delta.Content
				response.WriteString(tail)
			}
		} else {
			for i := range chunk.Choices {
				if c := chunk.Choices[i].Delta.Content; c != "" {
					clean := red.Feed(c)
					chunk.Choices[i].Delta.Content = clean
					response.WriteString(clean)
				}
			}
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			st.log.Debug("stream cancelled", "state", StateCancelled)
			return
		}

		if chunk.Terminal() {
			terminal = &chunk
			break
		}
	}

	if terminal == nil {
		if ctx.Err() != nil {
			st.log.Debug("stream cancelled", "state", StateCancelled)
		} else {
			st.log.Warn("upstream stream ended without terminal chunk", "state", StateFailed)
		}
		return
	}

	// The terminal chunk reached the caller; side effects run even if the
	// client disconnects now.
	p.finish(context.WithoutCancel(ctx), st, terminal, response.String())
}

// finish records usage and appends the transcript for a completed request.
func (p *Pipeline) finish(ctx context.Context, st streamState, terminal *types.ChatChunk, response string) {
	finishReason := ""
	if len(terminal.Choices) > 0 {
		finishReason = terminal.Choices[0].FinishReason
	}

	if p.recorder != nil && terminal.Usage != nil {
		err := p.recorder.Record(ctx, usage.Record{
			RequestID:    st.requestID,
			AgentID:      st.meta.AgentID,
			SessionID:    st.meta.SessionID,
			AccountID:    st.account.ID,
			Provider:     st.account.Provider,
			Model:        bareModel(st.account),
			RuleName:     st.ruleName,
			Latency:      p.now().Sub(st.started),
			FallbackUsed: st.fallbackUsed,
			FinishReason: finishReason,
		}, *terminal.Usage)
		if err != nil {
			st.log.Error("usage record failed", "error", err)
		}
	}

	if p.transcripts != nil {
		err := p.transcripts.Append(ctx, transcript.Entry{
			RequestID:    st.requestID,
			SessionID:    st.meta.SessionID,
			AgentID:      st.meta.AgentID,
			UserID:       st.meta.UserID,
			Model:        st.account.Provider + "/" + bareModel(st.account),
			RuleName:     st.ruleName,
			Prompt:       st.prompt,
			Response:     response,
			FinishReason: finishReason,
			Usage:        terminal.Usage,
		})
		if err != nil {
			// Transcripts are best-effort.
			st.log.Warn("transcript append failed", "error", err)
		}
	}

	st.log.Info("request completed",
		"state", StateCompleted,
		"account", st.account.ID,
		"rule", st.ruleName,
		"finish_reason", finishReason,
		"latency", p.now().Sub(st.started))
}

// blockedResponse builds the synthetic content_filter stream for a blocked
// request. No backend call, no usage record.
func (p *Pipeline) blockedResponse(requestID, model, reason string) *Response {
	ch := make(chan types.ChatChunk, 1)
	ch <- types.ChatChunk{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion.chunk",
		Model:   model,
		Created: p.now().Unix(),
		Choices: []types.ChunkChoice{{
			Delta:        types.Delta{Role: types.RoleAssistant, Content: "Request blocked: " + reason},
			FinishReason: types.FinishContentFilter,
		}},
	}
	close(ch)
	return &Response{
		RequestID:   requestID,
		Chunks:      ch,
		Blocked:     true,
		BlockReason: reason,
	}
}

// userHistory extracts the user-visible message history, oldest first, for
// multi-turn escalation.
func userHistory(messages []types.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == types.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// bypassToken pulls the emergency bypass token from request metadata.
func bypassToken(meta types.Metadata) string {
	return meta.EmergencyBypass
}

// isRateLimit reports whether a blocking verdict came from the per-user
// rate limiter rather than content analysis.
func isRateLimit(r detect.Result) bool {
	for _, t := range r.Threats {
		if t.Category == "rate_limit" {
			return true
		}
	}
	return false
}
