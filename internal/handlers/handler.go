package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/duplex-chat/duplex/internal/bus"
	"github.com/duplex-chat/duplex/internal/chat"
	"github.com/duplex-chat/duplex/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	ds       store.DataStore
	redis    *store.RedisStore
	resolver *chat.Resolver
	log      *chat.Log
	unread   *chat.Unread
	bus      *bus.Bus
	logger   zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(ds store.DataStore, redis *store.RedisStore, resolver *chat.Resolver, log *chat.Log, unread *chat.Unread, b *bus.Bus, logger zerolog.Logger) *Handler {
	return &Handler{
		ds:       ds,
		redis:    redis,
		resolver: resolver,
		log:      log,
		unread:   unread,
		bus:      b,
		logger:   logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ChatError maps the messaging error taxonomy to HTTP responses. Anything
// outside the taxonomy is a storage failure and surfaces as 503; the cause
// is logged, not leaked.
func (h *Handler) ChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrSelfConversation):
		h.Error(w, http.StatusBadRequest, "cannot start a conversation with yourself")
	case errors.Is(err, chat.ErrInvalidContent):
		h.Error(w, http.StatusBadRequest, "content must be 1-280 characters")
	case errors.Is(err, chat.ErrNotParticipant):
		h.Error(w, http.StatusForbidden, "not a participant of this conversation")
	case errors.Is(err, chat.ErrForbidden):
		h.Error(w, http.StatusForbidden, "operation not permitted")
	case errors.Is(err, chat.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error().Err(err).Msg("storage failure")
		h.Error(w, http.StatusServiceUnavailable, "service unavailable")
	}
}
