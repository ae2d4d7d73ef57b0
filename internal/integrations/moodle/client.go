// Package moodle calls the local_o365 bot webservice of a Moodle site on
// behalf of a Teams user.
package moodle

import (
	"bytes"
	"context"
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

const (
	serviceName  = "o365_webservices"
	botFunction  = "local_o365_get_bot_message"
	tokenPath    = "/local/o365/token.php"
	restPath     = "/webservice/rest/server.php"
	entitiesNone = "null"
)

// tokenResponse is the body of token.php.
type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// botMessage is the body of local_o365_get_bot_message, or a Moodle
// exception envelope when the call failed inside Moodle.
type botMessage struct {
	Message   string            `json:"message"`
	ListTitle string            `json:"listTitle"`
	ListItems []domain.ListItem `json:"listItems"`
	Language  string            `json:"language"`
	Exception json.RawMessage   `json:"exception"`
	ErrorCode string            `json:"errorcode"`
}

func (m botMessage) failed() bool {
	switch strings.TrimSpace(string(m.Exception)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// Client talks to one Moodle site.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     upstream.Policy
}

type Option func(*Client)

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

// NewClient returns a Client for the Moodle site at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("moodle: base url must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("moodle: parse base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		policy:     upstream.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ask exchanges the user's access token for a Moodle webservice token and
// asks the bot webservice about intent. Transport and Moodle failures come
// back as domain.ReplyFailure together with the cause.
func (c *Client) Ask(ctx context.Context, accessToken, email, intent string, entities json.RawMessage) (domain.Reply, error) {
	if intent == "" {
		return nil, errors.New("moodle: intent must not be empty")
	}
	wsToken, err := c.exchangeToken(ctx, accessToken, email)
	if err != nil {
		return domain.ReplyFailure{Reason: "token exchange failed"}, err
	}
	msg, err := c.botMessage(ctx, wsToken, intent, entities)
	if err != nil {
		return domain.ReplyFailure{Reason: "webservice call failed"}, err
	}
	return toReply(msg), nil
}

func (c *Client) exchangeToken(ctx context.Context, accessToken, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", errors.New("moodle: email must not be empty")
	}
	q := url.Values{}
	q.Set("username", email)
	q.Set("service", serviceName)
	endpoint := c.baseURL + tokenPath + "?" + q.Encode()

	var raw []byte
	err := upstream.Retry(ctx, c.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("moodle: create token request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		raw, err = upstream.Do(c.httpClient, req)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("moodle: token exchange: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("moodle: decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("moodle: token exchange refused: %s", tr.Error)
	}
	return tr.Token, nil
}

func (c *Client) botMessage(ctx context.Context, wsToken, intent string, entities json.RawMessage) (botMessage, error) {
	form := url.Values{}
	form.Set("wstoken", wsToken)
	form.Set("wsfunction", botFunction)
	form.Set("moodlewsrestformat", "json")
	form.Set("intent", intent)
	form.Set("entities", encodeEntities(entities))
	body := form.Encode()

	var raw []byte
	err := upstream.Retry(ctx, c.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+restPath, bytes.NewReader([]byte(body)))
		if err != nil {
			return fmt.Errorf("moodle: create webservice request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		raw, err = upstream.Do(c.httpClient, req)
		return err
	})
	if err != nil {
		return botMessage{}, fmt.Errorf("moodle: %s: %w", botFunction, err)
	}

	var msg botMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return botMessage{}, fmt.Errorf("moodle: decode %s: %w", botFunction, err)
	}
	return msg, nil
}

func encodeEntities(entities json.RawMessage) string {
	trimmed := bytes.TrimSpace(entities)
	if len(trimmed) == 0 {
		return entitiesNone
	}
	return string(trimmed)
}

func toReply(msg botMessage) domain.Reply {
	var payload domain.Reply
	if msg.failed() {
		payload = domain.ReplyFailure{Reason: strings.TrimSpace(msg.ErrorCode + " " + msg.Message)}
	} else {
		payload = domain.ReplySuccess{Message: msg.Message, ListTitle: msg.ListTitle, Items: msg.ListItems}
	}
	if msg.Language != "" {
		return domain.ReplyLanguageSwitch{Language: msg.Language, Payload: payload}
	}
	return payload
}
