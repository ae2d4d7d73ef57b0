package botframework

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

// ConversationParameters describes a conversation the bot starts.
type ConversationParameters struct {
	Bot         domain.ChannelAccount   `json:"bot"`
	Members     []domain.ChannelAccount `json:"members"`
	ChannelData *domain.ChannelData     `json:"channelData,omitempty"`
	TenantID    string                  `json:"tenantId,omitempty"`
	IsGroup     bool                    `json:"isGroup"`
}

// Member is one entry of a conversation roster. Teams reports the
// directory id as objectId on older service versions.
type Member struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ObjectID    string `json:"objectId,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

// DirectoryID returns the member's directory object id.
func (m Member) DirectoryID() string {
	if m.AADObjectID != "" {
		return m.AADObjectID
	}
	return m.ObjectID
}

type resourceResponse struct {
	ID string `json:"id"`
}

// Connector calls the connector service at an activity's serviceUrl.
type Connector struct {
	tokens     TokenSource
	httpClient *http.Client
	policy     upstream.Policy
}

type ConnectorOption func(*Connector)

func WithConnectorHTTPClient(httpClient *http.Client) ConnectorOption {
	return func(c *Connector) {
		c.httpClient = httpClient
	}
}

func WithConnectorRetryPolicy(p upstream.Policy) ConnectorOption {
	return func(c *Connector) {
		c.policy = p
	}
}

// NewConnector returns a Connector authenticating with tokens.
func NewConnector(tokens TokenSource, opts ...ConnectorOption) (*Connector, error) {
	if tokens == nil {
		return nil, errors.New("botframework: token source must not be nil")
	}
	c := &Connector{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		policy:     upstream.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendActivity posts activity to the conversation in ref, as a reply to
// replyToID when it is set.
func (c *Connector) SendActivity(ctx context.Context, ref domain.ConversationReference, replyToID string, activity *domain.Activity) error {
	if ref.Conversation.ID == "" {
		return errors.New("botframework: conversation id must not be empty")
	}
	path := "/v3/conversations/" + url.PathEscape(ref.Conversation.ID) + "/activities"
	if replyToID != "" {
		path += "/" + url.PathEscape(replyToID)
		activity.ReplyToID = replyToID
	}
	if _, err := c.call(ctx, http.MethodPost, ref.ServiceURL, path, activity); err != nil {
		return fmt.Errorf("botframework: send activity: %w", err)
	}
	return nil
}

// CreateConversation starts a conversation and returns its id.
func (c *Connector) CreateConversation(ctx context.Context, serviceURL string, params ConversationParameters) (string, error) {
	raw, err := c.call(ctx, http.MethodPost, serviceURL, "/v3/conversations", params)
	if err != nil {
		return "", fmt.Errorf("botframework: create conversation: %w", err)
	}
	var res resourceResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("botframework: decode conversation: %w", err)
	}
	if res.ID == "" {
		return "", errors.New("botframework: create conversation returned no id")
	}
	return res.ID, nil
}

// GetConversationMembers returns the roster of a conversation or team.
func (c *Connector) GetConversationMembers(ctx context.Context, serviceURL, conversationID string) ([]Member, error) {
	raw, err := c.call(ctx, http.MethodGet, serviceURL, "/v3/conversations/"+url.PathEscape(conversationID)+"/members", nil)
	if err != nil {
		return nil, fmt.Errorf("botframework: get members of %s: %w", conversationID, err)
	}
	var members []Member
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("botframework: decode members: %w", err)
	}
	return members, nil
}

func (c *Connector) call(ctx context.Context, method, serviceURL, path string, body any) ([]byte, error) {
	serviceURL = strings.TrimRight(serviceURL, "/")
	if serviceURL == "" {
		return nil, errors.New("service url must not be empty")
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	// Posts create replies and conversations, so they are never sent twice.
	send := upstream.Do
	if method != http.MethodGet {
		send = upstream.DoOnce
	}

	var raw []byte
	err := upstream.Retry(ctx, c.policy, func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, serviceURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		raw, err = send(c.httpClient, req)
		return err
	})
	return raw, err
}
