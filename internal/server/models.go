package server

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/pearl-project/pearl/internal/observe"
	"github.com/pearl-project/pearl/internal/usage"
	"github.com/pearl-project/pearl/pkg/types"
)

// modelList is the /v1/models response body.
type modelList struct {
	Object string        `json:"object"`
	Data   []types.Model `json:"data"`
}

// handleModels aggregates the model lists of every registered backend,
// prefixing each ID with its provider so the result is routable back
// through /v1/chat/completions. Providers that fail to list are skipped.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var models []types.Model
	for _, name := range s.backends.Providers() {
		adapter, err := s.backends.Adapter(name)
		if err != nil {
			continue
		}
		list, err := adapter.Models(r.Context())
		if err != nil {
			observe.Logger(r.Context()).Warn("model listing failed",
				"provider", name, "error", err)
			continue
		}
		for _, m := range list {
			m.ID = name + "/" + m.ID
			if m.Object == "" {
				m.Object = "model"
			}
			if m.Created == 0 {
				m.Created = time.Now().Unix()
			}
			models = append(models, m)
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

// usageList is the /v1/usage response body.
type usageList struct {
	Object string         `json:"object"`
	Data   []usage.Record `json:"data"`
}

// handleUsage returns recent usage records, newest first. The limit query
// parameter caps the result; default 50.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usageLog == nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "usage log not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.usageLog.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("usage query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, usageList{Object: "list", Data: records})
}
