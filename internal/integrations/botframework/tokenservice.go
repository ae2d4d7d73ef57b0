package botframework

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/integrations/upstream"
)

// DefaultTokenServiceURL is the public Bot Framework token service.
const DefaultTokenServiceURL = "https://token.botframework.com"

// signInState is the state parameter of GetSignInUrl.
type signInState struct {
	ConnectionName string                       `json:"ConnectionName"`
	Conversation   domain.ConversationReference `json:"Conversation"`
	MsAppID        string                       `json:"MsAppId"`
}

// TokenService manages user tokens for OAuth connections configured on the
// bot registration.
type TokenService struct {
	baseURL    string
	appID      string
	tokens     TokenSource
	httpClient *http.Client
}

type TokenServiceOption func(*TokenService)

func WithTokenServiceURL(baseURL string) TokenServiceOption {
	return func(s *TokenService) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithTokenServiceHTTPClient(httpClient *http.Client) TokenServiceOption {
	return func(s *TokenService) {
		s.httpClient = httpClient
	}
}

// NewTokenService returns a TokenService for appID.
func NewTokenService(appID string, tokens TokenSource, opts ...TokenServiceOption) (*TokenService, error) {
	if appID == "" {
		return nil, errors.New("botframework: app id must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("botframework: token source must not be nil")
	}
	s := &TokenService{
		baseURL:    DefaultTokenServiceURL,
		appID:      appID,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetUserToken returns the user's token for connectionName, redeeming
// magicCode when one is given. It returns nil when the user has no token.
func (s *TokenService) GetUserToken(ctx context.Context, userID, connectionName, channelID, magicCode string) (*domain.TokenResponse, error) {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("connectionName", connectionName)
	q.Set("channelId", channelID)
	if magicCode != "" {
		q.Set("code", magicCode)
	}
	raw, err := s.call(ctx, http.MethodGet, "/api/usertoken/GetToken", q)
	if upstream.StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("botframework: get user token: %w", err)
	}
	var tr domain.TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("botframework: decode user token: %w", err)
	}
	if tr.Token == "" {
		return nil, nil
	}
	return &tr, nil
}

// SignOutUser revokes the user's token for connectionName.
func (s *TokenService) SignOutUser(ctx context.Context, userID, connectionName, channelID string) error {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("connectionName", connectionName)
	q.Set("channelId", channelID)
	if _, err := s.call(ctx, http.MethodDelete, "/api/usertoken/SignOut", q); err != nil {
		return fmt.Errorf("botframework: sign out user: %w", err)
	}
	return nil
}

// GetSignInLink returns the URL the OAuth card's sign-in button opens.
func (s *TokenService) GetSignInLink(ctx context.Context, ref domain.ConversationReference, connectionName string) (string, error) {
	state, err := json.Marshal(signInState{ConnectionName: connectionName, Conversation: ref, MsAppID: s.appID})
	if err != nil {
		return "", fmt.Errorf("botframework: marshal sign-in state: %w", err)
	}
	q := url.Values{}
	q.Set("state", base64.StdEncoding.EncodeToString(state))
	raw, err := s.call(ctx, http.MethodGet, "/api/botsignin/GetSignInUrl", q)
	if err != nil {
		return "", fmt.Errorf("botframework: get sign-in url: %w", err)
	}
	link := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if link == "" {
		return "", errors.New("botframework: empty sign-in url")
	}
	return link, nil
}

func (s *TokenService) call(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return upstream.Do(s.httpClient, req)
}
