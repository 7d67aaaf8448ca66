package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pearl-project/pearl/internal/observe"
	"github.com/pearl-project/pearl/internal/pipeline"
	"github.com/pearl-project/pearl/pkg/types"
)

// maxBodyBytes caps the decoded request body. Long conversations fit well
// within this; anything larger is rejected as malformed.
const maxBodyBytes = 10 << 20

// handleChatCompletions serves POST /v1/chat/completions. The response is a
// complete chat.completion object, or an SSE chunk stream when the request
// sets stream=true.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req types.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		log.Warn("malformed chat request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	mergeHeaderMetadata(&req.Metadata, r.Header)

	resp, err := s.pipeline.Handle(ctx, req)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	if resp.Warning != "" {
		w.Header().Set("X-Pearl-Warning", resp.Warning)
	}
	if req.Stream {
		s.streamChunks(w, r, resp)
		return
	}
	s.collectResponse(w, r, req.Model, resp)
}

// streamChunks relays the pipeline chunk stream as server-sent events,
// terminated by the [DONE] sentinel.
func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, resp *pipeline.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.ActiveStreams.Add(r.Context(), 1)
	defer s.metrics.ActiveStreams.Add(r.Context(), -1)

	for chunk := range resp.Chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			observe.Logger(r.Context()).Error("chunk encode failed", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// completionChoice is one choice of a complete (non-streamed) response.
type completionChoice struct {
	Index        int           `json:"index"`
	Message      types.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// completionResponse is the complete chat.completion object assembled from
// a drained chunk stream.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *types.Usage       `json:"usage,omitempty"`
}

// collectResponse drains the chunk stream and writes one complete response.
// A stream that ends without a terminal chunk was cut upstream and maps to
// a 502.
func (s *Server) collectResponse(w http.ResponseWriter, r *http.Request, model string, resp *pipeline.Response) {
	var (
		content      strings.Builder
		id           string
		created      int64
		finishReason string
		usage        *types.Usage
	)
	for chunk := range resp.Chunks {
		if id == "" {
			id = chunk.ID
			created = chunk.Created
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if finishReason == "" {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream stream ended prematurely")
		return
	}
	if created == 0 {
		created = time.Now().Unix()
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []completionChoice{{
			Message:      types.Message{Role: types.RoleAssistant, Content: content.String()},
			FinishReason: finishReason,
		}},
		Usage: usage,
	})
}

// writePipelineError maps a pipeline failure to the OpenAI error envelope.
// The short reason is user-visible; the full cause is logged only.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	cat := pipeline.CategoryOf(err)
	status := statusFor(cat)

	message := "request failed"
	var pe *pipeline.Error
	if errors.As(err, &pe) && pe.Reason != "" {
		message = pe.Reason
	}

	observe.Logger(r.Context()).Error("request failed",
		"category", string(cat),
		"status", status,
		"error", err)

	if cat == pipeline.CategoryBackendRetryable || cat == pipeline.CategoryBackendFatal {
		var acct string
		if pe != nil {
			acct = pe.Account
		}
		s.metrics.RecordBackendError(r.Context(), acct, string(cat))
	}
	writeError(w, status, typeFor(cat), message)
}

// mergeHeaderMetadata fills metadata fields left empty by the body from the
// mirrored x-pearl-* headers. Body values win.
func mergeHeaderMetadata(meta *types.Metadata, h http.Header) {
	if meta.AgentID == "" {
		meta.AgentID = h.Get("x-pearl-agent-id")
	}
	if meta.SessionID == "" {
		meta.SessionID = h.Get("x-pearl-session-id")
	}
	if meta.UserID == "" {
		meta.UserID = h.Get("x-pearl-user-id")
	}
	if !meta.IsAdmin {
		if v, err := strconv.ParseBool(h.Get("x-pearl-admin")); err == nil {
			meta.IsAdmin = v
		}
	}
	if meta.EmergencyBypass == "" {
		meta.EmergencyBypass = h.Get("x-pearl-bypass")
	}
	if !meta.ForceSunrise {
		if v, err := strconv.ParseBool(h.Get("x-pearl-force-sunrise")); err == nil {
			meta.ForceSunrise = v
		}
	}
}
