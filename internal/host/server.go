package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/bridge"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/go-chi/chi/v5"
)

const watchWriteTimeout = 10 * time.Second

// Handler returns the host's HTTP API.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()

	// Public.
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", h.cfg.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(security.BearerAuth(h.cfg.Secret, h.cfg.Audit))
		r.Post(bridge.PathToolCalls, h.handleToolCallHTTP)
		r.Route(bridge.PathApprovals, func(r chi.Router) {
			r.Get("/", h.handleListApprovals)
			r.Get("/{id}", h.handleApprovalStatus)
			r.Get("/{id}/watch", h.handleWatch)
			r.Post("/{id}/approve", h.handleResolve(approval.DecisionApproved))
			r.Post("/{id}/deny", h.handleResolve(approval.DecisionDenied))
		})
	})
	return r
}

func (h *Host) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Host) handleToolCallHTTP(w http.ResponseWriter, r *http.Request) {
	var req bridge.ToolCallRequest
	if err := security.DecodeJSON(r.Body, h.cfg.MaxBodySize, 0, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, security.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, h.HandleToolCall(r.Context(), req))
}

func (h *Host) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var (
		recs []approval.Record
		err  error
	)
	if r.URL.Query().Get("status") == "all" {
		recs, err = h.registry.List(r.Context())
	} else {
		recs, err = h.registry.Pending(r.Context())
	}
	if err != nil {
		h.logger.Error("listing approvals failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range recs {
		recs[i].Status = recs[i].PublicStatus()
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Host) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.registry.Status(r.Context(), id)
	if err != nil {
		h.logger.Error("approval status failed", "approval_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bridge.StatusResponse{ApprovalID: id, Status: status})
}

// handleWatch streams the approval's status over a websocket: the current
// status first, then the terminal one when it differs.
func (h *Host) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	status, err := h.registry.Status(ctx, id)
	if err != nil {
		return
	}
	if !h.push(ctx, conn, id, status) {
		return
	}
	if status == approval.StatusPending {
		status, err = h.registry.Wait(ctx, id)
		if err != nil {
			return
		}
		if !h.push(ctx, conn, id, status) {
			return
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Host) push(ctx context.Context, conn *websocket.Conn, id string, status approval.Status) bool {
	data, err := json.Marshal(bridge.StatusResponse{ApprovalID: id, Status: status})
	if err != nil {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("approval watch write failed", "approval_id", id, "error", err)
		return false
	}
	return true
}

func (h *Host) handleResolve(decision approval.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := h.registry.Resolve(r.Context(), id, decision)
		switch {
		case err == nil:
		case errors.Is(err, approval.ErrNotFound):
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		case errors.Is(err, approval.ErrAlreadyResolved):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, approval.ErrExpired):
			http.Error(w, err.Error(), http.StatusGone)
			return
		default:
			h.logger.Error("resolving approval failed", "approval_id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.cfg.Audit.Log(security.AuditEvent{
			Type:     security.EventApproval,
			CallID:   id,
			Decision: string(decision),
			Metadata: map[string]string{"remote_addr": r.RemoteAddr},
		})
		status, _ := h.registry.Status(r.Context(), id)
		writeJSON(w, http.StatusOK, bridge.StatusResponse{ApprovalID: id, Status: status})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
