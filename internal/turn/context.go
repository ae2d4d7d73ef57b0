// Package turn holds the per-turn context handed to the bot: the inbound
// activity plus a reply channel that remembers whether anything was sent.
package turn

import (
	"context"
	"errors"
	"sync"

	"moodle-teams-bot/internal/domain"
)

// Sender delivers an activity into a conversation. replyToID is empty for
// sends that do not answer a specific activity.
type Sender interface {
	SendActivity(ctx context.Context, ref domain.ConversationReference, replyToID string, activity *domain.Activity) error
}

// Context is the state of one turn.
type Context struct {
	activity *domain.Activity
	sender   Sender

	mu        sync.Mutex
	responded bool
}

// New returns a Context for an inbound activity.
func New(activity *domain.Activity, sender Sender) (*Context, error) {
	if activity == nil {
		return nil, errors.New("turn: activity must not be nil")
	}
	if sender == nil {
		return nil, errors.New("turn: sender must not be nil")
	}
	return &Context{activity: activity, sender: sender}, nil
}

// Continue returns a Context for an out-of-turn send into ref, the way a
// proactive message continues a conversation nobody is talking in.
func Continue(ref domain.ConversationReference, sender Sender) (*Context, error) {
	return New(&domain.Activity{
		Type:         domain.ActivityEvent,
		Name:         "ContinueConversation",
		ChannelID:    ref.ChannelID,
		ServiceURL:   ref.ServiceURL,
		From:         ref.User,
		Recipient:    ref.Bot,
		Conversation: ref.Conversation,
	}, sender)
}

// Activity returns the inbound activity.
func (c *Context) Activity() *domain.Activity {
	return c.activity
}

// Responded reports whether the bot sent anything during this turn.
func (c *Context) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responded
}

// Send addresses out to the turn's conversation and delivers it.
func (c *Context) Send(ctx context.Context, out *domain.Activity) error {
	in := c.activity
	out.ChannelID = in.ChannelID
	out.ServiceURL = in.ServiceURL
	out.Conversation = in.Conversation
	out.From = in.Recipient
	out.Recipient = in.From
	if out.Type == "" {
		out.Type = domain.ActivityMessage
	}

	if err := c.sender.SendActivity(ctx, in.Reference(), in.ID, out); err != nil {
		return err
	}
	c.mu.Lock()
	c.responded = true
	c.mu.Unlock()
	return nil
}
