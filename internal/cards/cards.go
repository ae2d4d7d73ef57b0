// Package cards builds the outbound activities and card attachments the bot
// sends to Teams.
package cards

import "moodle-teams-bot/internal/domain"

// Attachment content types.
const (
	ContentTypeHero      = "application/vnd.microsoft.card.hero"
	ContentTypeThumbnail = "application/vnd.microsoft.card.thumbnail"
	ContentTypeOAuth     = "application/vnd.microsoft.card.oauth"
	ContentTypeList      = "application/vnd.microsoft.teams.card.list"
)

// Action types.
const (
	ActionImBack  = "imBack"
	ActionOpenURL = "openUrl"
	ActionSignIn  = "signin"
)

// CardAction is a button or tap target.
type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Value string `json:"value"`
}

// CardImage is an image reference.
type CardImage struct {
	URL string `json:"url"`
}

// BasicCard is the content of hero and thumbnail cards.
type BasicCard struct {
	Title   string       `json:"title,omitempty"`
	Text    string       `json:"text,omitempty"`
	Images  []CardImage  `json:"images,omitempty"`
	Buttons []CardAction `json:"buttons,omitempty"`
}

// OAuthCard prompts the user to sign in with a connection.
type OAuthCard struct {
	Text           string       `json:"text"`
	ConnectionName string       `json:"connectionName"`
	Buttons        []CardAction `json:"buttons"`
}

// ListCard is the Teams list card.
type ListCard struct {
	Title   string         `json:"title"`
	Items   []ListCardItem `json:"items"`
	Buttons []CardAction   `json:"buttons"`
}

// ListCardItem is one row of a list card.
type ListCardItem struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Subtitle string      `json:"subtitle"`
	Icon     string      `json:"icon,omitempty"`
	Tap      *CardAction `json:"tap"`
}

// Hero returns a hero card attachment.
func Hero(title, text string, buttons ...CardAction) domain.Attachment {
	return domain.Attachment{
		ContentType: ContentTypeHero,
		Content:     BasicCard{Title: title, Text: text, Buttons: buttons},
	}
}

// Thumbnail returns a thumbnail card attachment. icon may be empty.
func Thumbnail(title, text, icon string, buttons ...CardAction) domain.Attachment {
	card := BasicCard{Title: title, Text: text, Buttons: buttons}
	if icon != "" {
		card.Images = []CardImage{{URL: icon}}
	}
	return domain.Attachment{ContentType: ContentTypeThumbnail, Content: card}
}

// OAuth returns a sign-in card pointing at link.
func OAuth(text, connectionName, buttonTitle, link string) domain.Attachment {
	return domain.Attachment{
		ContentType: ContentTypeOAuth,
		Content: OAuthCard{
			Text:           text,
			ConnectionName: connectionName,
			Buttons:        []CardAction{{Type: ActionSignIn, Title: buttonTitle, Value: link}},
		},
	}
}

// List returns a list card attachment built from backend items.
func List(title string, items []domain.ListItem) domain.Attachment {
	rows := make([]ListCardItem, 0, len(items))
	for _, item := range items {
		row := ListCardItem{
			Type:     "resultItem",
			Title:    item.Title,
			Subtitle: item.Subtitle,
			Icon:     item.Icon,
		}
		if typ, value, ok := item.Target(); ok {
			row.Tap = &CardAction{Type: typ, Value: value}
		}
		rows = append(rows, row)
	}
	return domain.Attachment{
		ContentType: ContentTypeList,
		Content:     ListCard{Title: title, Items: rows, Buttons: []CardAction{}},
	}
}

// Text returns a plain message activity.
func Text(text string) *domain.Activity {
	return &domain.Activity{Type: domain.ActivityMessage, Text: text}
}

// Message returns a message activity carrying attachments.
func Message(text string, attachments ...domain.Attachment) *domain.Activity {
	return &domain.Activity{Type: domain.ActivityMessage, Text: text, Attachments: attachments}
}

// ListMessage returns a message whose attachments render as a list.
func ListMessage(text string, attachments ...domain.Attachment) *domain.Activity {
	a := Message(text, attachments...)
	a.AttachmentLayout = "list"
	return a
}

// Alert marks an activity to show up in the Teams activity feed.
func Alert(a *domain.Activity) *domain.Activity {
	if a.ChannelData == nil {
		a.ChannelData = &domain.ChannelData{}
	}
	a.ChannelData.Notification = &domain.Notification{Alert: true}
	return a
}
