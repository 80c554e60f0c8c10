package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/duplex-chat/duplex/internal/metrics"
	"github.com/duplex-chat/duplex/internal/models"
	"github.com/duplex-chat/duplex/internal/store"
)

// Policy authorizes a conversation between two users before it is created.
// The product currently allows anyone to message anyone; a follow-gate or a
// block list plugs in here without touching the resolver.
type Policy func(ctx context.Context, userA, userB string) error

// AllowAll is the default policy.
func AllowAll(ctx context.Context, userA, userB string) error { return nil }

// Resolver finds or idempotently creates the single conversation between two
// users. The uniqueness constraint on the canonical pair in the store is the
// arbiter under concurrent first contact; the resolver itself holds no locks,
// so it stays correct across replicas.
type Resolver struct {
	store  store.DataStore
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver backed by ds. A nil policy means AllowAll.
func NewResolver(ds store.DataStore, policy Policy, logger zerolog.Logger) *Resolver {
	if policy == nil {
		policy = AllowAll
	}
	return &Resolver{
		store:  ds,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// CanonicalPair orders two user IDs so that any unordered pair maps to one
// lookup key.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// FindOrCreate returns the conversation between userA and userB, creating it
// on first contact. A creation that loses the race against a concurrent
// caller is retried as a lookup: the race is never visible to callers.
func (r *Resolver) FindOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, ErrNotFound
	}
	if userA == userB {
		return nil, ErrSelfConversation
	}
	if err := r.policy(ctx, userA, userB); err != nil {
		return nil, err
	}

	a, b := CanonicalPair(userA, userB)

	conv, err := r.store.FindConversationByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = r.store.CreateConversation(ctx, a, b, r.now().UTC())
	if err == nil {
		metrics.ConversationsCreated.Inc()
		r.logger.Info().
			Str("conversation_id", conv.ID.String()).
			Msg("conversation created")
		return conv, nil
	}
	if !errors.Is(err, store.ErrDuplicatePair) {
		return nil, err
	}

	// Lost the creation race; the winner's row is committed, so one retry
	// of the lookup must find it.
	conv, err = r.store.FindConversationByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation for pair vanished after duplicate-key conflict")
	}
	return conv, nil
}
