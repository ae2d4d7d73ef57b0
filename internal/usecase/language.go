package usecase

import (
	"context"
	"slices"
	"strings"
)

// changeLanguage stores requested as the user's language when it is
// configured and differs from current. It reports whether it changed.
func (b *Bot) changeLanguage(ctx context.Context, s *session, requested, current string) (bool, error) {
	lang := strings.ToLower(strings.TrimSpace(requested))
	if lang == "" || !slices.Contains(b.cfg.Languages, lang) || lang == current {
		return false, nil
	}
	s.user.LanguagePreference = lang
	if err := b.state.SaveUserState(ctx, s.activity().UserKey(), s.user); err != nil {
		return false, newError(ErrorInternal, "user_state_write_error", err)
	}
	b.logger.Info("language changed", "user", s.activity().From.ID, "language", lang)
	return true, nil
}

// backendLanguage strips the Moodle variant suffix: "es_mx" is "es".
func backendLanguage(code string) string {
	lang, _, _ := strings.Cut(code, "_")
	return lang
}
