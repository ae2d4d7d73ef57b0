package i18n

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslator_Spanish(t *testing.T) {
	tr, err := New([]string{"en", "es"}, "en")
	require.NoError(t, err)
	require.Equal(t, "Has cerrado la sesión.", tr.T("es", SignedOut))
	require.Equal(t, "Lo siento, no te entiendo", tr.T("es", NotUnderstood))
}

func TestTranslator_EnglishIsKey(t *testing.T) {
	tr, err := New([]string{"en", "es"}, "en")
	require.NoError(t, err)
	require.Equal(t, SignedOut, tr.T("en", SignedOut))
	require.Equal(t, Introduction, tr.T("en", Introduction))
}

func TestTranslator_UnknownLanguageUsesDefault(t *testing.T) {
	tr, err := New([]string{"en", "es"}, "es")
	require.NoError(t, err)
	require.Equal(t, "Ver", tr.T("de", View))
}

func TestTranslator_LanguageWithoutTableFallsBackToKey(t *testing.T) {
	tr, err := New([]string{"en", "fr"}, "en")
	require.NoError(t, err)
	require.Equal(t, Hello, tr.T("fr", Hello))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "en")
	require.Error(t, err)

	_, err = New([]string{"en"}, "es")
	require.ErrorContains(t, err, "default language")

	_, err = newTranslator([]byte("es: [not, a, map]"), []string{"en"}, "en")
	require.ErrorContains(t, err, "decode translations")
}

func TestTranslationTableCoversEveryKey(t *testing.T) {
	tr, err := New([]string{"en", "es"}, "en")
	require.NoError(t, err)
	keys := []string{
		SessionTimedOut, SomethingWrong, PleaseLogin, LoginTitle, Hello, Help,
		Introduction, GiveFeedback, FeedbackPrompt, TeamConversation, SignedOut,
		NotUnderstood, LoginFailed, AnswerUnavailable, View,
	}
	for _, key := range keys {
		require.NotEqual(t, key, tr.T("es", key), "missing Spanish text for %q", key)
	}
}
