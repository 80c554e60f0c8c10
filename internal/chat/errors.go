package chat

import "errors"

// Error taxonomy for the messaging core. Handlers map these to HTTP status
// codes; everything else coming out of the services is a storage failure and
// surfaces as a generic unavailable condition.
var (
	// ErrNotParticipant means the caller is not a member of the conversation.
	ErrNotParticipant = errors.New("chat: not a participant of this conversation")

	// ErrSelfConversation means a user tried to open a conversation with
	// themselves.
	ErrSelfConversation = errors.New("chat: cannot start a conversation with yourself")

	// ErrInvalidContent means the message body is empty or over the length
	// bound.
	ErrInvalidContent = errors.New("chat: message content is empty or too long")

	// ErrForbidden means the caller acted on a resource they do not own,
	// such as deleting another user's message.
	ErrForbidden = errors.New("chat: operation not permitted")

	// ErrNotFound means an unknown conversation, message or participant ID.
	ErrNotFound = errors.New("chat: not found")
)
