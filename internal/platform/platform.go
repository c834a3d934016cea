// Package platform defines the capability interface the bridge core uses to
// talk to a chat platform. The core depends only on this interface; concrete
// backends live in subpackages and are selected at startup.
package platform

import (
	"context"
	"errors"
)

// ErrUnresolvableRecipient marks a notification target that no longer
// resolves to a live user. Callers prune such recipients instead of retrying.
var ErrUnresolvableRecipient = errors.New("recipient cannot be resolved")

// Message is an inbound chat-platform message, already shaped for the core.
type Message struct {
	ChannelID    string
	GuildID      string
	MessageID    string
	AuthorID     string
	AuthorName   string
	AuthorColour string
	TopRole      string
	Content      string
	CleanContent string
	FromBot      bool
}

// Member is a resolved chat-platform user.
type Member struct {
	ID   string
	Name string
}

// MessageHandler receives every non-bot message the platform sees.
type MessageHandler func(ctx context.Context, msg Message)

// ChatPlatform is the capability surface consumed by the bridge core.
type ChatPlatform interface {
	// Post sends content to a channel and returns the new message id.
	Post(ctx context.Context, channelID, content string) (string, error)

	// Edit replaces the content of a message previously posted by Post.
	Edit(ctx context.Context, channelID, messageID, content string) error

	// NotifyUser delivers a direct message. Returns
	// ErrUnresolvableRecipient when the user cannot be reached anymore.
	NotifyUser(ctx context.Context, userID, content string) error

	// ResolveMember looks a user up. Returns ErrUnresolvableRecipient
	// when the user is gone.
	ResolveMember(ctx context.Context, userID string) (Member, error)

	// OnMessage registers the handler invoked for each inbound message.
	// Must be called before the platform starts.
	OnMessage(handler MessageHandler)
}
