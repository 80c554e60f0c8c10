package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duplex-chat/duplex/internal/api/middleware"
	"github.com/duplex-chat/duplex/internal/models"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage appends a message to a conversation the caller participates in.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.log.Append(r.Context(), convID, userID, req.Content)
	if err != nil {
		h.ChatError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// ListMessages returns messages of a conversation in ascending order.
// Pass after=<message id> to page forward; clients page until a short page.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	afterID := r.URL.Query().Get("after")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	messages, err := h.log.ListSince(r.Context(), convID, userID, afterID, limit)
	if err != nil {
		h.ChatError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// MarkRead advances the caller's read watermark for a conversation to now.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.log.MarkRead(r.Context(), convID, userID, time.Now()); err != nil {
		h.ChatError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage soft-deletes a message the caller sent. Deleting twice is a
// no-op.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	messageID := chi.URLParam(r, "id")
	if messageID == "" {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.log.SoftDelete(r.Context(), messageID, userID); err != nil {
		h.ChatError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
