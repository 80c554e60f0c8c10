package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duplex-chat/duplex/internal/api/middleware"
	"github.com/duplex-chat/duplex/internal/models"
)

type resolveConversationRequest struct {
	UserID string `json:"user_id"`
}

// ResolveConversation finds or creates the conversation between the caller
// and the requested counterpart. The operation is idempotent; repeated calls
// return the same conversation.
func (h *Handler) ResolveConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	var req resolveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		h.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	conv, err := h.resolver.FindOrCreate(r.Context(), userID, req.UserID)
	if err != nil {
		h.ChatError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"conversation":  conv,
		"other_user_id": conv.Other(userID),
	})
}

// ListConversations returns the caller's inbox: every conversation they
// participate in, most recently active first, with last message and unread
// count.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	summaries, err := h.ds.ListConversationSummaries(r.Context(), userID)
	if err != nil {
		h.ChatError(w, err)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

// ConversationUnread returns the caller's unread count for one conversation.
// This is the polling endpoint for badge refreshes; it reads through the
// cache, unlike the full inbox listing which computes counts in SQL.
func (h *Handler) ConversationUnread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	count, err := h.unread.Count(r.Context(), convID, userID)
	if err != nil {
		h.ChatError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": convID,
		"unread_count":    count,
	})
}
