// Package luis classifies user text with a LUIS v2 prediction endpoint.
package luis

import (
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

type prediction struct {
	Query            string `json:"query"`
	TopScoringIntent *struct {
		Intent string  `json:"intent"`
		Score  float64 `json:"score"`
	} `json:"topScoringIntent"`
	Entities json.RawMessage `json:"entities"`
}

// Client is one LUIS application.
type Client struct {
	endpoint   string
	appID      string
	key        string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient returns a Client for appID at endpoint.
func NewClient(endpoint, appID, key string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" || appID == "" || key == "" {
		return nil, errors.New("luis: endpoint, app id and key are required")
	}
	c := &Client{
		endpoint:   endpoint,
		appID:      appID,
		key:        key,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Recognize returns the top scoring intent for text and its entities.
func (c *Client) Recognize(ctx context.Context, text string) (domain.IntentResult, error) {
	if strings.TrimSpace(text) == "" {
		return domain.IntentResult{}, nil
	}
	q := url.Values{}
	q.Set("q", text)
	q.Set("verbose", "true")
	endpoint := fmt.Sprintf("%s/luis/v2.0/apps/%s?%s", c.endpoint, url.PathEscape(c.appID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.IntentResult{}, fmt.Errorf("luis: create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	raw, err := upstream.Do(c.httpClient, req)
	if err != nil {
		return domain.IntentResult{}, fmt.Errorf("luis: predict: %w", err)
	}

	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.IntentResult{}, fmt.Errorf("luis: decode prediction: %w", err)
	}
	result := domain.IntentResult{Entities: p.Entities}
	if p.TopScoringIntent != nil {
		result.TopIntent = p.TopScoringIntent.Intent
	}
	return result, nil
}
