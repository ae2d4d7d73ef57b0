package domain

import "encoding/json"

// Activity types the bot distinguishes between.
const (
	ActivityMessage            = "message"
	ActivityEvent              = "event"
	ActivityInvoke             = "invoke"
	ActivityConversationUpdate = "conversationUpdate"
)

// ChannelTeams is the Bot Framework channel id of Microsoft Teams.
const ChannelTeams = "msteams"

// Activity is the subset of the Bot Framework activity schema the bot reads
// and writes.
type Activity struct {
	Type             string              `json:"type"`
	ID               string              `json:"id,omitempty"`
	Name             string              `json:"name,omitempty"`
	Text             string              `json:"text,omitempty"`
	ChannelID        string              `json:"channelId,omitempty"`
	ServiceURL       string              `json:"serviceUrl,omitempty"`
	From             ChannelAccount      `json:"from"`
	Recipient        ChannelAccount      `json:"recipient"`
	Conversation     ConversationAccount `json:"conversation"`
	ChannelData      *ChannelData        `json:"channelData,omitempty"`
	MembersAdded     []ChannelAccount    `json:"membersAdded,omitempty"`
	Value            json.RawMessage     `json:"value,omitempty"`
	ReplyToID        string              `json:"replyToId,omitempty"`
	AttachmentLayout string              `json:"attachmentLayout,omitempty"`
	Attachments      []Attachment        `json:"attachments,omitempty"`
}

// ChannelAccount identifies a user or bot on a channel. AADObjectID is the
// directory id external systems know the user by.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

// ConversationAccount identifies a conversation.
type ConversationAccount struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
}

// ChannelData carries the Teams specific envelope.
type ChannelData struct {
	Team         *IDRef        `json:"team,omitempty"`
	Tenant       *IDRef        `json:"tenant,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// IDRef is a {"id": "..."} object.
type IDRef struct {
	ID string `json:"id"`
}

// Notification controls whether Teams surfaces a message in the activity feed.
type Notification struct {
	Alert bool `json:"alert"`
}

// Attachment is a card or file attached to an outbound activity.
type Attachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content,omitempty"`
}

// TeamID returns the team the activity originated in, or "".
func (a *Activity) TeamID() string {
	if a.ChannelData == nil || a.ChannelData.Team == nil {
		return ""
	}
	return a.ChannelData.Team.ID
}

// TenantID returns the tenant from channel data, falling back to the
// conversation's tenant.
func (a *Activity) TenantID() string {
	if a.ChannelData != nil && a.ChannelData.Tenant != nil && a.ChannelData.Tenant.ID != "" {
		return a.ChannelData.Tenant.ID
	}
	return a.Conversation.TenantID
}

// InTeam reports whether the activity was sent in a team (channel) context.
func (a *Activity) InTeam() bool {
	return a.ChannelData != nil && a.ChannelData.Team != nil
}

// ConversationKey is the storage key of the activity's conversation state.
func (a *Activity) ConversationKey() string {
	return a.ChannelID + "/conversations/" + a.Conversation.ID
}

// UserKey is the storage key of the sender's user state.
func (a *Activity) UserKey() string {
	return UserKey(a.ChannelID, a.From.ID)
}

// UserKey builds a user state key from its parts.
func UserKey(channelID, userID string) string {
	return channelID + "/users/" + userID
}

// ConversationReference addresses a conversation for out-of-turn sends.
type ConversationReference struct {
	User         ChannelAccount      `json:"user"`
	Bot          ChannelAccount      `json:"bot"`
	Conversation ConversationAccount `json:"conversation"`
	ChannelID    string              `json:"channelId"`
	ServiceURL   string              `json:"serviceUrl"`
}

// Reference returns the conversation reference of an inbound activity.
func (a *Activity) Reference() ConversationReference {
	return ConversationReference{
		User:         a.From,
		Bot:          a.Recipient,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
	}
}

// TokenResponse is a user token issued by the Bot Framework token service.
type TokenResponse struct {
	ChannelID      string `json:"channelId,omitempty"`
	ConnectionName string `json:"connectionName,omitempty"`
	Token          string `json:"token"`
	Expiration     string `json:"expiration,omitempty"`
}
