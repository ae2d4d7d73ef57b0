// Package graph reads the signed-in user's profile from Microsoft Graph.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"moodle-teams-bot/internal/integrations/upstream"
)

// ErrSessionExpired is returned when Graph rejects the user's access token.
var ErrSessionExpired = errors.New("graph: access token rejected")

// Profile is the subset of /me the bot needs.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email returns the address Moodle knows the user by.
func (p Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// errorEnvelope is the Graph error body.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the Graph v1.0 API with a user's delegated token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     upstream.Policy
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithRetryPolicy(p upstream.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// NewClient returns a Client for https://graph.microsoft.com/v1.0.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    "https://graph.microsoft.com/v1.0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     upstream.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me returns the profile of the token's owner.
func (c *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Profile{}, errors.New("graph: access token must not be empty")
	}

	var raw []byte
	err := upstream.Retry(ctx, c.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
		if err != nil {
			return fmt.Errorf("graph: create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		raw, err = upstream.Do(c.httpClient, req)
		return err
	})
	if err != nil {
		if sessionExpired(err) {
			return Profile{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return Profile{}, fmt.Errorf("graph: get me: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("graph: decode profile: %w", err)
	}
	if p.Email() == "" {
		return Profile{}, errors.New("graph: profile has no mail")
	}
	return p, nil
}

func sessionExpired(err error) bool {
	var se *upstream.HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		return false
	}
	var env errorEnvelope
	if json.Unmarshal([]byte(se.Body), &env) != nil {
		return true
	}
	return env.Error.Code == "" || env.Error.Code == "InvalidAuthenticationToken"
}
