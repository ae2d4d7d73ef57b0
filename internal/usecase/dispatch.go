package usecase

import (
	"context"
	"encoding/json"
	"errors"

	"moodle-teams-bot/internal/cards"
	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/i18n"
	"moodle-teams-bot/internal/integrations/graph"
)

// dispatch answers the user's command once they are logged in. The
// classifier decides first; without an intent the command's first word is
// read as a verb.
func (b *Bot) dispatch(ctx context.Context, s *session, token domain.TokenResponse, command string) error {
	lang := s.user.Language(b.cfg.DefaultLanguage)
	input := command
	if input == "" {
		input = s.activity().Text
	}

	intent := b.classify(ctx, lang, input)
	switch intent.TopIntent {
	case "":
	case feedbackIntent:
		return b.sendFeedback(ctx, s)
	default:
		return b.ask(ctx, s, token, intent.TopIntent, intent.Entities)
	}

	switch parseCommand(input) {
	case CommandHelp:
		return b.ask(ctx, s, token, helpIntent, nil)
	case CommandFeedback:
		return b.sendFeedback(ctx, s)
	default:
		b.metrics.RepliesTotal.WithLabelValues("not_understood").Inc()
		return s.send(ctx, cards.Text(b.tr.T(lang, i18n.NotUnderstood)))
	}
}

// classify runs the recognizer of lang, or of the default language when
// lang has none. Failures only cost the user the classifier.
func (b *Bot) classify(ctx context.Context, lang, text string) domain.IntentResult {
	r, ok := b.recognizers[lang]
	if !ok {
		r, ok = b.recognizers[b.cfg.DefaultLanguage]
	}
	if !ok || r == nil {
		return domain.IntentResult{}
	}
	res, err := r.Recognize(ctx, text)
	if err != nil {
		b.logger.Warn("classifier unavailable, only basic commands work", "language", lang, "err", err)
		return domain.IntentResult{}
	}
	return res
}

// ask looks the user up in the directory and sends the backend's answer.
func (b *Bot) ask(ctx context.Context, s *session, token domain.TokenResponse, intent string, entities json.RawMessage) error {
	profile, err := b.directory.Me(ctx, token.Token)
	if err != nil {
		if errors.Is(err, graph.ErrSessionExpired) {
			return newError(ErrorSessionExpired, "graph_token_rejected", err)
		}
		b.logger.Warn("directory lookup failed", "intent", intent, "err", err)
		return b.sendReply(ctx, s, domain.ReplyFailure{Reason: "directory unavailable"})
	}

	reply, err := b.backend.Ask(ctx, token.Token, profile.Email(), intent, entities)
	if err != nil {
		b.logger.Warn("backend call failed", "intent", intent, "err", err)
		if reply == nil {
			reply = domain.ReplyFailure{Reason: err.Error()}
		}
	}
	return b.sendReply(ctx, s, reply)
}

// sendReply shows a backend reply in the user's language. A language switch
// is stored first and its payload shown after.
func (b *Bot) sendReply(ctx context.Context, s *session, reply domain.Reply) error {
	lang := s.user.Language(b.cfg.DefaultLanguage)
	if sw, ok := reply.(domain.ReplyLanguageSwitch); ok {
		if _, err := b.changeLanguage(ctx, s, backendLanguage(sw.Language), lang); err != nil {
			return err
		}
		reply = sw.Payload
	}

	switch r := reply.(type) {
	case domain.ReplyFailure:
		b.metrics.RepliesTotal.WithLabelValues("failure").Inc()
		return s.send(ctx, cards.Text(b.tr.T(lang, i18n.AnswerUnavailable)))
	case domain.ReplySuccess:
		if !r.Empty() {
			b.metrics.RepliesTotal.WithLabelValues("answer").Inc()
			return s.send(ctx, formatReply(r))
		}
	}
	b.metrics.RepliesTotal.WithLabelValues("not_understood").Inc()
	return s.send(ctx, cards.Text(b.tr.T(lang, i18n.NotUnderstood)))
}

func (b *Bot) sendFeedback(ctx context.Context, s *session) error {
	lang := s.user.Language(b.cfg.DefaultLanguage)
	card := cards.Thumbnail("", b.tr.T(lang, i18n.FeedbackPrompt), "",
		cards.CardAction{Type: cards.ActionOpenURL, Title: b.tr.T(lang, i18n.GiveFeedback), Value: b.cfg.FeedbackURL},
	)
	b.metrics.RepliesTotal.WithLabelValues("feedback").Inc()
	return s.send(ctx, cards.Message("", card))
}

// formatReply renders items as a list card, otherwise plain text.
func formatReply(r domain.ReplySuccess) *domain.Activity {
	if len(r.Items) > 0 {
		return cards.ListMessage(r.Message, cards.List(r.ListTitle, r.Items))
	}
	return cards.Text(r.Message)
}
