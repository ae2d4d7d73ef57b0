package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/i18n"
	"moodle-teams-bot/internal/integrations/botframework"
	"moodle-teams-bot/internal/integrations/graph"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/repository"
	"moodle-teams-bot/internal/turn"
)

type sentActivity struct {
	ref       domain.ConversationReference
	replyToID string
	activity  *domain.Activity
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentActivity
	err  error
}

func (s *recordingSender) SendActivity(_ context.Context, ref domain.ConversationReference, replyToID string, activity *domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentActivity{ref: ref, replyToID: replyToID, activity: activity})
	return nil
}

func (s *recordingSender) activities() []*domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Activity, 0, len(s.sent))
	for _, a := range s.sent {
		out = append(out, a.activity)
	}
	return out
}

func (s *recordingSender) texts() []string {
	var out []string
	for _, a := range s.activities() {
		out = append(out, a.Text)
	}
	return out
}

type mockTokens struct {
	mu        sync.Mutex
	token     *domain.TokenResponse
	codes     map[string]string
	link      string
	err       error
	signedOut []string
}

func (m *mockTokens) GetUserToken(_ context.Context, _ string, connectionName, _ string, magicCode string) (*domain.TokenResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if magicCode != "" {
		tok, ok := m.codes[magicCode]
		if !ok {
			return nil, nil
		}
		return &domain.TokenResponse{ConnectionName: connectionName, Token: tok}, nil
	}
	return m.token, nil
}

func (m *mockTokens) GetSignInLink(_ context.Context, _ domain.ConversationReference, _ string) (string, error) {
	return m.link, nil
}

func (m *mockTokens) SignOutUser(_ context.Context, userID, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedOut = append(m.signedOut, userID)
	return m.err
}

type mockRecognizer struct {
	result domain.IntentResult
	err    error
	inputs []string
}

func (m *mockRecognizer) Recognize(_ context.Context, text string) (domain.IntentResult, error) {
	m.inputs = append(m.inputs, text)
	return m.result, m.err
}

type mockDirectory struct {
	profile graph.Profile
	err     error
}

func (m *mockDirectory) Me(_ context.Context, _ string) (graph.Profile, error) {
	return m.profile, m.err
}

type backendCall struct {
	token    string
	email    string
	intent   string
	entities json.RawMessage
}

type mockBackend struct {
	reply domain.Reply
	err   error
	calls []backendCall
}

func (m *mockBackend) Ask(_ context.Context, accessToken, email, intent string, entities json.RawMessage) (domain.Reply, error) {
	m.calls = append(m.calls, backendCall{token: accessToken, email: email, intent: intent, entities: entities})
	return m.reply, m.err
}

type mockRoster struct {
	mu      sync.Mutex
	members map[string][]botframework.Member
	errs    map[string]error
	calls   []string
}

func (m *mockRoster) GetConversationMembers(_ context.Context, _ string, conversationID string) ([]botframework.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID)
	if err := m.errs[conversationID]; err != nil {
		return nil, err
	}
	return m.members[conversationID], nil
}

type botFixture struct {
	bot        *Bot
	store      *repository.Memory
	tokens     *mockTokens
	recognizer *mockRecognizer
	directory  *mockDirectory
	backend    *mockBackend
	metrics    *metrics.Metrics
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	tr, err := i18n.New([]string{"en", "es"}, "en")
	require.NoError(t, err)

	f := &botFixture{
		store:      repository.NewMemory(),
		tokens:     &mockTokens{link: "https://signin.example/abc"},
		recognizer: &mockRecognizer{},
		directory:  &mockDirectory{profile: graph.Profile{ID: "aad-1", Mail: "ada@example.edu"}},
		backend:    &mockBackend{},
		metrics:    metrics.NewNop(),
	}
	f.bot, err = NewBot(Config{
		ConnectionName:  "moodle",
		Languages:       []string{"en", "es"},
		DefaultLanguage: "en",
		FeedbackURL:     "https://feedback.example/form",
	}, Deps{
		State:       f.store,
		Tokens:      f.tokens,
		Recognizers: map[string]Recognizer{"en": f.recognizer},
		Directory:   f.directory,
		Backend:     f.backend,
		Translator:  tr,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	return f
}

func (f *botFixture) loggedIn() {
	f.tokens.token = &domain.TokenResponse{ConnectionName: "moodle", Token: "user-token"}
}

// turnFor wraps a into a turn that records what the bot sends.
func turnFor(t *testing.T, a *domain.Activity) (*turn.Context, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	tc, err := turn.New(a, sender)
	require.NoError(t, err)
	return tc, sender
}

func personalMessage(text string) *domain.Activity {
	return &domain.Activity{
		Type:         domain.ActivityMessage,
		ID:           "act-1",
		Text:         text,
		ChannelID:    domain.ChannelTeams,
		ServiceURL:   "https://smba.example/emea/",
		From:         domain.ChannelAccount{ID: "29:user", AADObjectID: "aad-1"},
		Recipient:    domain.ChannelAccount{ID: "28:bot", Name: "Moodle Assistant"},
		Conversation: domain.ConversationAccount{ID: "a:personal", ConversationType: "personal"},
	}
}
