package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"moodle-teams-bot/internal/cards"
	"moodle-teams-bot/internal/dialog"
	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/i18n"
	"moodle-teams-bot/internal/integrations/graph"
	"moodle-teams-bot/internal/metrics"
)

type StateStore interface {
	GetConversationState(ctx context.Context, key string) (domain.ConversationState, error)
	SaveConversationState(ctx context.Context, key string, state domain.ConversationState) error
	DeleteConversationState(ctx context.Context, key string) error
	GetUserState(ctx context.Context, key string) (domain.UserState, error)
	SaveUserState(ctx context.Context, key string, state domain.UserState) error
}

type UserTokens interface {
	dialog.TokenService
	SignOutUser(ctx context.Context, userID, connectionName, channelID string) error
}

type Recognizer interface {
	Recognize(ctx context.Context, text string) (domain.IntentResult, error)
}

type Directory interface {
	Me(ctx context.Context, accessToken string) (graph.Profile, error)
}

type Backend interface {
	Ask(ctx context.Context, accessToken, email, intent string, entities json.RawMessage) (domain.Reply, error)
}

type Translator interface {
	T(lang, key string) string
}

// Turn is one inbound activity and the way to answer it.
type Turn interface {
	Activity() *domain.Activity
	Send(ctx context.Context, activity *domain.Activity) error
	Responded() bool
}

// feedbackIntent is the classifier label answered with the feedback card.
const feedbackIntent = "share-feedback"

// Config is the bot's static configuration.
type Config struct {
	ConnectionName  string
	Languages       []string
	DefaultLanguage string
	FeedbackURL     string
	LoginTimeout    time.Duration
}

// Deps are the collaborators of a Bot.
type Deps struct {
	State       StateStore
	Tokens      UserTokens
	Recognizers map[string]Recognizer
	Directory   Directory
	Backend     Backend
	Translator  Translator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Bot handles inbound turns.
type Bot struct {
	cfg         Config
	state       StateStore
	tokens      UserTokens
	recognizers map[string]Recognizer
	directory   Directory
	backend     Backend
	tr          Translator
	metrics     *metrics.Metrics
	logger      *slog.Logger
	dialog      *dialog.Machine
	locks       keyedMutex
}

// session is a turn plus the state loaded for it.
type session struct {
	turn Turn
	conv domain.ConversationState
	user domain.UserState
}

func (s *session) activity() *domain.Activity {
	return s.turn.Activity()
}

func (s *session) send(ctx context.Context, a *domain.Activity) error {
	return s.turn.Send(ctx, a)
}

func NewBot(cfg Config, deps Deps) (*Bot, error) {
	if deps.State == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if deps.Tokens == nil {
		return nil, errors.New("usecase: token service must not be nil")
	}
	if deps.Directory == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if deps.Backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if deps.Translator == nil {
		return nil, errors.New("usecase: translator must not be nil")
	}
	cfg.Languages = normalizeLanguages(cfg.Languages)
	cfg.DefaultLanguage = strings.ToLower(strings.TrimSpace(cfg.DefaultLanguage))
	if !slices.Contains(cfg.Languages, cfg.DefaultLanguage) {
		return nil, fmt.Errorf("usecase: default language %q is not available", cfg.DefaultLanguage)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	machine, err := dialog.New(deps.Tokens, dialog.PromptSettings{
		ConnectionName: cfg.ConnectionName,
		Text:           deps.Translator.T(cfg.DefaultLanguage, i18n.PleaseLogin),
		Title:          deps.Translator.T(cfg.DefaultLanguage, i18n.LoginTitle),
		Timeout:        cfg.LoginTimeout,
	}, deps.Logger)
	if err != nil {
		return nil, err
	}

	return &Bot{
		cfg:         cfg,
		state:       deps.State,
		tokens:      deps.Tokens,
		recognizers: deps.Recognizers,
		directory:   deps.Directory,
		backend:     deps.Backend,
		tr:          deps.Translator,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "bot"),
		dialog:      machine,
	}, nil
}

func normalizeLanguages(langs []string) []string {
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

// OnTurn routes one activity and saves conversation and user state. Turns
// of the same conversation run one at a time.
func (b *Bot) OnTurn(ctx context.Context, t Turn) error {
	a := t.Activity()
	unlock := b.locks.Lock(a.ConversationKey())
	defer unlock()

	s := &session{turn: t}
	var err error
	if s.conv, err = b.state.GetConversationState(ctx, a.ConversationKey()); err != nil {
		return newError(ErrorInternal, "conversation_state_read_error", err)
	}
	if s.user, err = b.state.GetUserState(ctx, a.UserKey()); err != nil {
		return newError(ErrorInternal, "user_state_read_error", err)
	}

	if err := b.route(ctx, s); err != nil {
		return err
	}

	if err := b.state.SaveConversationState(ctx, a.ConversationKey(), s.conv); err != nil {
		return newError(ErrorInternal, "conversation_state_write_error", err)
	}
	if err := b.state.SaveUserState(ctx, a.UserKey(), s.user); err != nil {
		return newError(ErrorInternal, "user_state_write_error", err)
	}
	return nil
}

func (b *Bot) route(ctx context.Context, s *session) error {
	a := s.activity()
	switch a.Type {
	case domain.ActivityMessage:
		return b.onMessage(ctx, s)
	case domain.ActivityEvent, domain.ActivityInvoke:
		if a.Type == domain.ActivityInvoke && a.ChannelID != domain.ChannelTeams {
			return newError(ErrorProtocolViolation, "invoke_outside_teams", fmt.Errorf("channel %q", a.ChannelID))
		}
		return b.runDialog(ctx, s)
	case domain.ActivityConversationUpdate:
		return b.welcome(ctx, s)
	default:
		return s.send(ctx, cards.Text(fmt.Sprintf("[%s]-type activity detected.", a.Type)))
	}
}

func (b *Bot) onMessage(ctx context.Context, s *session) error {
	a := s.activity()
	lang := s.user.Language(b.cfg.DefaultLanguage)

	if a.InTeam() {
		return s.send(ctx, cards.Text(b.tr.T(lang, i18n.TeamConversation)))
	}
	if isSignOut(a.Text) {
		if err := b.tokens.SignOutUser(ctx, a.From.ID, b.cfg.ConnectionName, a.ChannelID); err != nil {
			return newError(ErrorUpstream, "sign_out_error", err)
		}
		b.logger.Info("user signed out", "user", a.From.ID)
		return s.send(ctx, cards.Text(b.tr.T(lang, i18n.SignedOut)))
	}
	return b.runDialog(ctx, s)
}

// runDialog feeds the turn to a waiting login and starts a new one when the
// turn was not for it.
func (b *Bot) runDialog(ctx context.Context, s *session) error {
	res, err := b.dialog.Continue(ctx, s.turn, &s.conv)
	if err != nil {
		return newError(ErrorUpstream, "login_continue_error", err)
	}
	if res.Outcome == dialog.Waiting && !s.turn.Responded() {
		if res, err = b.dialog.Begin(ctx, s.turn, &s.conv); err != nil {
			return newError(ErrorUpstream, "login_begin_error", err)
		}
	}

	switch res.Outcome {
	case dialog.LoggedIn:
		b.metrics.LoginsTotal.WithLabelValues("token").Inc()
		return b.dispatch(ctx, s, res.Token, res.Command)
	case dialog.LoginFailed:
		b.metrics.LoginsTotal.WithLabelValues("failed").Inc()
		lang := s.user.Language(b.cfg.DefaultLanguage)
		return s.send(ctx, cards.Text(b.tr.T(lang, i18n.LoginFailed)))
	}
	return nil
}

func (b *Bot) welcome(ctx context.Context, s *session) error {
	a := s.activity()
	lang := s.user.Language(b.cfg.DefaultLanguage)
	for _, member := range a.MembersAdded {
		if member.ID == a.Recipient.ID {
			continue
		}
		card := cards.Hero(
			b.tr.T(lang, i18n.Hello),
			b.tr.T(lang, i18n.Introduction),
			cards.CardAction{Type: cards.ActionImBack, Title: b.tr.T(lang, i18n.Help), Value: "help"},
		)
		if err := s.send(ctx, cards.Message("", card)); err != nil {
			return err
		}
	}
	return nil
}

// OnTurnError answers a turn that failed and clears its conversation state.
func (b *Bot) OnTurnError(ctx context.Context, t Turn, turnErr error) error {
	a := t.Activity()
	b.logger.Error("turn failed", "type", a.Type, "conversation", a.Conversation.ID, "err", turnErr)

	text := b.tr.T(b.cfg.DefaultLanguage, i18n.SomethingWrong)
	if CodeOf(turnErr) == ErrorSessionExpired {
		text = b.tr.T(b.cfg.DefaultLanguage, i18n.SessionTimedOut)
	}
	sendErr := t.Send(ctx, cards.Text(text))
	if sendErr != nil {
		sendErr = fmt.Errorf("usecase: send turn error message: %w", sendErr)
	}
	var clearErr error
	if err := b.state.DeleteConversationState(ctx, a.ConversationKey()); err != nil {
		clearErr = fmt.Errorf("usecase: clear conversation state: %w", err)
	}
	return errors.Join(sendErr, clearErr)
}
