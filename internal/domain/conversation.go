package domain

import "time"

// DialogStep is the position of a conversation in the login dialog.
type DialogStep string

const (
	DialogIdle          DialogStep = ""
	DialogAwaitingLogin DialogStep = "awaiting_login"
)

// DialogState is the persisted progress of the login dialog.
type DialogState struct {
	Step      DialogStep `json:"step,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt,omitempty"`
}

// Active reports whether a dialog is waiting for input.
func (d DialogState) Active() bool {
	return d.Step != DialogIdle
}

// ConversationState is the per-conversation durable record.
type ConversationState struct {
	Dialog DialogState `json:"dialogState"`
	// Command is the free text captured before the login flow began.
	Command string `json:"commandState,omitempty"`
}

// UserState is the per-user durable record.
type UserState struct {
	LanguagePreference string `json:"languagePreference,omitempty"`
}

// Language returns the stored preference or def when unset.
func (u UserState) Language(def string) string {
	if u.LanguagePreference == "" {
		return def
	}
	return u.LanguagePreference
}
