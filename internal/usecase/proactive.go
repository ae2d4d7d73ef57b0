package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"moodle-teams-bot/internal/cards"
	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/i18n"
	"moodle-teams-bot/internal/integrations/botframework"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/turn"
)

// DeliveryOutcome classifies a proactive delivery attempt.
type DeliveryOutcome int

const (
	OutcomeDelivered DeliveryOutcome = iota
	OutcomeAuthRejected
	OutcomeNotFound
	OutcomeInternalError
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAuthRejected:
		return "auth_rejected"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// DeliveryResult is the outcome plus the text returned to the caller.
type DeliveryResult struct {
	Outcome DeliveryOutcome
	Message string
}

type Conversations interface {
	turn.Sender
	CreateConversation(ctx context.Context, serviceURL string, params botframework.ConversationParameters) (string, error)
}

type RequestAuthenticator interface {
	Authenticate(authHeader, serviceURL string) error
}

type UserStateReader interface {
	GetUserState(ctx context.Context, key string) (domain.UserState, error)
}

// NotifierDeps are the collaborators of a Notifier.
type NotifierDeps struct {
	Identity      *IdentityCache
	Auth          RequestAuthenticator
	Conversations Conversations
	Users         UserStateReader
	Translator    Translator
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Notifier delivers webhook messages into personal chats the users never
// opened themselves.
type Notifier struct {
	identity      *IdentityCache
	auth          RequestAuthenticator
	conversations Conversations
	users         UserStateReader
	tr            Translator
	defaultLang   string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewNotifier(defaultLang string, deps NotifierDeps) (*Notifier, error) {
	if deps.Identity == nil {
		return nil, errors.New("usecase: identity cache must not be nil")
	}
	if deps.Auth == nil {
		return nil, errors.New("usecase: authenticator must not be nil")
	}
	if deps.Conversations == nil {
		return nil, errors.New("usecase: conversations client must not be nil")
	}
	if deps.Users == nil {
		return nil, errors.New("usecase: user state reader must not be nil")
	}
	if deps.Translator == nil {
		return nil, errors.New("usecase: translator must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Notifier{
		identity:      deps.Identity,
		auth:          deps.Auth,
		conversations: deps.Conversations,
		users:         deps.Users,
		tr:            deps.Translator,
		defaultLang:   defaultLang,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With("component", "notifier"),
	}, nil
}

// Deliver authenticates a webhook call and sends its message to the user it
// names. The caller is checked against the service URL the bot last saw, so
// nothing is accepted before the bot received its first activity.
func (n *Notifier) Deliver(ctx context.Context, body []byte, authHeader string) DeliveryResult {
	res := n.deliver(ctx, body, authHeader)
	n.metrics.ProactiveTotal.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome != OutcomeDelivered {
		n.logger.Warn("proactive message not delivered", "outcome", res.Outcome.String(), "reason", res.Message)
	}
	return res
}

func (n *Notifier) deliver(ctx context.Context, body []byte, authHeader string) DeliveryResult {
	var msg domain.ProactiveMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DeliveryResult{Outcome: OutcomeInternalError, Message: "invalid message body"}
	}

	cache, ok, err := n.identity.Snapshot(ctx)
	if err != nil {
		n.logger.Error("bot cache read failed", "err", err)
		return DeliveryResult{Outcome: OutcomeInternalError, Message: "Bot cache unavailable"}
	}
	if !ok || cache.ServiceURL == "" {
		return DeliveryResult{Outcome: OutcomeNotFound, Message: "Bot cache empty"}
	}

	if err := n.auth.Authenticate(authHeader, cache.ServiceURL); err != nil {
		return DeliveryResult{Outcome: OutcomeAuthRejected, Message: err.Error()}
	}

	userID, found, err := n.identity.ResolveDeliveryTarget(ctx, msg.User)
	if err != nil {
		n.logger.Error("delivery target lookup failed", "user", msg.User, "err", err)
		return DeliveryResult{Outcome: OutcomeInternalError, Message: "User lookup failed"}
	}
	if !found {
		return DeliveryResult{Outcome: OutcomeNotFound, Message: "User not found"}
	}

	user := domain.ChannelAccount{ID: userID}
	conversationID, err := n.conversations.CreateConversation(ctx, cache.ServiceURL, botframework.ConversationParameters{
		Bot:         cache.BotObject,
		Members:     []domain.ChannelAccount{user},
		ChannelData: &domain.ChannelData{Tenant: &domain.IDRef{ID: cache.Tenant}},
		TenantID:    cache.Tenant,
	})
	if err != nil {
		n.logger.Error("create conversation failed", "user", userID, "err", err)
		return DeliveryResult{Outcome: OutcomeInternalError, Message: "Could not start conversation"}
	}

	tc, err := turn.Continue(domain.ConversationReference{
		User:         user,
		Bot:          cache.BotObject,
		Conversation: domain.ConversationAccount{ID: conversationID, ConversationType: "personal", TenantID: cache.Tenant},
		ChannelID:    cache.ChannelID,
		ServiceURL:   cache.ServiceURL,
	}, n.conversations)
	if err != nil {
		return DeliveryResult{Outcome: OutcomeInternalError, Message: err.Error()}
	}

	lang := n.defaultLang
	if state, err := n.users.GetUserState(ctx, domain.UserKey(cache.ChannelID, userID)); err != nil {
		n.logger.Warn("user language unavailable", "user", userID, "err", err)
	} else {
		lang = state.Language(n.defaultLang)
	}

	if err := tc.Send(ctx, formatProactive(msg.Success(), n.tr.T(lang, i18n.View))); err != nil {
		n.logger.Error("proactive send failed", "user", userID, "err", err)
		return DeliveryResult{Outcome: OutcomeInternalError, Message: "Could not send message"}
	}
	n.logger.Info("proactive message sent", "user", userID, "conversation", conversationID)
	return DeliveryResult{Outcome: OutcomeDelivered, Message: "Message sent"}
}

// formatProactive shows a single item as a thumbnail card with a view
// button. Everything else is formatted like a normal reply. Both raise a
// notification in the activity feed.
func formatProactive(r domain.ReplySuccess, viewTitle string) *domain.Activity {
	if len(r.Items) != 1 {
		return cards.Alert(formatReply(r))
	}
	item := r.Items[0]
	var buttons []cards.CardAction
	if actionType, value, ok := item.Target(); ok {
		buttons = append(buttons, cards.CardAction{Type: actionType, Title: viewTitle, Value: value})
	}
	return cards.Alert(cards.Message("", cards.Thumbnail(item.Title, r.Message, item.Icon, buttons...)))
}
