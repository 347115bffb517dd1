// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// StatusSnapshot é o payload retornado por GET /api/status.
type StatusSnapshot struct {
	OutputDir         string    `json:"output_dir"`
	Serving           bool      `json:"serving"` // sessão ativa agora
	CurrentSession    string    `json:"current_session,omitempty"`
	CurrentRemote     string    `json:"current_remote,omitempty"`
	SessionsCompleted int64     `json:"sessions_completed"`
	SessionsAborted   int64     `json:"sessions_aborted"`
	LastCompletedAt   time.Time `json:"last_completed_at,omitzero"`
	StartedAt         time.Time `json:"started_at"`
}

// StatusSource fornece o snapshot de status atual do receiver.
type StatusSource interface {
	StatusSnapshot() StatusSnapshot
}

// NewRouter monta o mux HTTP do endpoint de status, protegido pela ACL.
func NewRouter(src StatusSource, store *EventStore, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.StatusSnapshot())
	})

	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 10000 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, store.Recent(limit))
	})

	return acl.Middleware(mux)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
