// Package dialog drives the login dialog: capture the user's command, obtain
// a user token through an OAuth prompt, then hand back the command together
// with the token.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"moodle-teams-bot/internal/cards"
	"moodle-teams-bot/internal/domain"
)

// DefaultTimeout is how long the OAuth prompt waits for a token.
const DefaultTimeout = 30 * time.Second

const (
	eventTokenResponse = "tokens/response"
	invokeVerifyState  = "signin/verifyState"
)

var magicCode = regexp.MustCompile(`^\d{6}$`)

// IsMagicCode reports whether text is a six digit sign-in code.
func IsMagicCode(text string) bool {
	return magicCode.MatchString(text)
}

// TokenService is the part of the user token service the prompt needs.
// GetUserToken returns nil when the user has no token.
type TokenService interface {
	GetUserToken(ctx context.Context, userID, connectionName, channelID, magicCode string) (*domain.TokenResponse, error)
	GetSignInLink(ctx context.Context, ref domain.ConversationReference, connectionName string) (string, error)
}

// Turn is the current turn as the dialog sees it.
type Turn interface {
	Activity() *domain.Activity
	Send(ctx context.Context, activity *domain.Activity) error
}

// Outcome is how far a turn moved the dialog.
type Outcome int

const (
	// Waiting means the dialog still needs input. Either the sign-in card
	// went out or the activity was not meant for the prompt.
	Waiting Outcome = iota
	// LoggedIn means Result.Token is set and Result.Command should run.
	LoggedIn
	// LoginFailed means the prompt gave up without a token.
	LoginFailed
)

// Result is what a turn produced.
type Result struct {
	Outcome Outcome
	Token   domain.TokenResponse
	Command string
}

// PromptSettings configures the OAuth prompt.
type PromptSettings struct {
	ConnectionName string
	Text           string
	Title          string
	Timeout        time.Duration
}

// Machine runs the login dialog over a conversation's persisted state.
type Machine struct {
	tokens   TokenService
	settings PromptSettings
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Machine.
func New(tokens TokenService, settings PromptSettings, logger *slog.Logger) (*Machine, error) {
	if tokens == nil {
		return nil, errors.New("dialog: token service must not be nil")
	}
	if settings.ConnectionName == "" {
		return nil, errors.New("dialog: connection name must not be empty")
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		tokens:   tokens,
		settings: settings,
		logger:   logger.With("component", "dialog"),
		now:      time.Now,
	}, nil
}

// Begin starts the dialog. A message that is not a magic code becomes the
// pending command. If the user already has a token the command runs right
// away, otherwise an OAuth card is sent and the dialog waits.
func (m *Machine) Begin(ctx context.Context, t Turn, state *domain.ConversationState) (Result, error) {
	a := t.Activity()
	if a.Type == domain.ActivityMessage && !IsMagicCode(a.Text) {
		state.Command = a.Text
	}

	token, err := m.tokens.GetUserToken(ctx, a.From.ID, m.settings.ConnectionName, a.ChannelID, "")
	if err != nil {
		return Result{}, fmt.Errorf("dialog: look up user token: %w", err)
	}
	if token != nil {
		return m.loggedIn(state, *token), nil
	}

	link, err := m.tokens.GetSignInLink(ctx, a.Reference(), m.settings.ConnectionName)
	if err != nil {
		return Result{}, fmt.Errorf("dialog: get sign-in link: %w", err)
	}
	card := cards.OAuth(m.settings.Text, m.settings.ConnectionName, m.settings.Title, link)
	if err := t.Send(ctx, cards.Message("", card)); err != nil {
		return Result{}, fmt.Errorf("dialog: send sign-in card: %w", err)
	}
	state.Dialog = domain.DialogState{
		Step:      domain.DialogAwaitingLogin,
		ExpiresAt: m.now().Add(m.settings.Timeout),
	}
	m.logger.Debug("awaiting login", "conversation", a.Conversation.ID)
	return Result{Outcome: Waiting}, nil
}

// Continue feeds an activity to a waiting dialog. Activities the prompt
// does not recognise leave the dialog waiting and send nothing, so the
// caller can start over.
func (m *Machine) Continue(ctx context.Context, t Turn, state *domain.ConversationState) (Result, error) {
	if !state.Dialog.Active() {
		return Result{Outcome: Waiting}, nil
	}
	a := t.Activity()
	if !expiresOn(a) {
		return Result{Outcome: Waiting}, nil
	}

	if !m.now().Before(state.Dialog.ExpiresAt) {
		state.Dialog = domain.DialogState{}
		m.logger.Info("login timed out", "conversation", a.Conversation.ID)
		return Result{Outcome: LoginFailed}, nil
	}

	token, err := m.recognize(ctx, a)
	if err != nil {
		return Result{}, err
	}
	if token == nil {
		return Result{Outcome: Waiting}, nil
	}
	return m.loggedIn(state, *token), nil
}

// loggedIn ends the dialog. The pending command stays stored.
func (m *Machine) loggedIn(state *domain.ConversationState, token domain.TokenResponse) Result {
	state.Dialog = domain.DialogState{}
	return Result{Outcome: LoggedIn, Token: token, Command: state.Command}
}

// expiresOn reports whether a reaches the prompt at all: any message, the
// token response event or the Teams verify-state invoke.
func expiresOn(a *domain.Activity) bool {
	switch a.Type {
	case domain.ActivityMessage:
		return true
	case domain.ActivityEvent:
		return a.Name == eventTokenResponse
	case domain.ActivityInvoke:
		return a.Name == invokeVerifyState
	}
	return false
}

func (m *Machine) recognize(ctx context.Context, a *domain.Activity) (*domain.TokenResponse, error) {
	switch a.Type {
	case domain.ActivityEvent:
		var tr domain.TokenResponse
		if err := json.Unmarshal(a.Value, &tr); err != nil || tr.Token == "" {
			return nil, nil
		}
		return &tr, nil
	case domain.ActivityInvoke:
		var v struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(a.Value, &v); err != nil || v.State == "" {
			return nil, nil
		}
		return m.redeem(ctx, a, v.State)
	default:
		if !IsMagicCode(a.Text) {
			return nil, nil
		}
		return m.redeem(ctx, a, a.Text)
	}
}

func (m *Machine) redeem(ctx context.Context, a *domain.Activity, code string) (*domain.TokenResponse, error) {
	token, err := m.tokens.GetUserToken(ctx, a.From.ID, m.settings.ConnectionName, a.ChannelID, code)
	if err != nil {
		return nil, fmt.Errorf("dialog: redeem sign-in code: %w", err)
	}
	return token, nil
}
