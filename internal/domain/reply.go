package domain

import "encoding/json"

// IntentResult is a classifier verdict. An empty TopIntent means no intent.
type IntentResult struct {
	TopIntent string
	Entities  json.RawMessage
}

// ListItem is one entry of a list reply, as produced by the Moodle plugin.
type ListItem struct {
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Action     string `json:"action,omitempty"`
	ActionType string `json:"actionType,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Target returns the tap action type and value of the item. ok is false when
// the item has no action.
func (i ListItem) Target() (actionType, value string, ok bool) {
	value = i.Action
	if value == "" {
		value = i.URL
	}
	if value == "" {
		return "", "", false
	}
	actionType = i.ActionType
	if actionType == "" {
		actionType = "openUrl"
	}
	return actionType, value, true
}

// Reply is a backend answer. It is one of ReplySuccess, ReplyFailure or
// ReplyLanguageSwitch.
type Reply interface {
	isReply()
}

// ReplySuccess carries a message and optional list items.
type ReplySuccess struct {
	Message   string
	ListTitle string
	Items     []ListItem
}

// Empty reports whether there is nothing to show.
func (r ReplySuccess) Empty() bool {
	return r.Message == "" && len(r.Items) == 0
}

// ReplyFailure is a backend or identity-graph failure.
type ReplyFailure struct {
	Reason string
}

// ReplyLanguageSwitch asks the bot to switch the user's language before
// showing Payload.
type ReplyLanguageSwitch struct {
	Language string
	Payload  Reply
}

func (ReplySuccess) isReply()        {}
func (ReplyFailure) isReply()        {}
func (ReplyLanguageSwitch) isReply() {}

// ProactiveMessage is the body of a proactive webhook call.
type ProactiveMessage struct {
	User      string     `json:"user"`
	Message   string     `json:"message"`
	ListTitle string     `json:"listTitle,omitempty"`
	ListItems []ListItem `json:"listItems,omitempty"`
}

// Success converts the webhook body into a reply for the shared send path.
func (m ProactiveMessage) Success() ReplySuccess {
	return ReplySuccess{Message: m.Message, ListTitle: m.ListTitle, Items: m.ListItems}
}
