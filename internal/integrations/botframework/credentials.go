// Package botframework speaks the Bot Framework REST protocol: the
// connector that delivers activities, the user token service behind the
// login dialog, and validation of tokens Bot Framework sends to the bot.
package botframework

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	// botTenant is the AAD tenant that issues bot-to-channel tokens.
	botTenant = "botframework.com"
	// Scope is the OAuth scope of the connector and token service APIs.
	Scope = "https://api.botframework.com/.default"
)

// TokenSource returns a bearer token for outbound Bot Framework calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CredentialSource gets app tokens through an Azure credential. The
// credential caches tokens until shortly before they expire.
type CredentialSource struct {
	cred azcore.TokenCredential
}

// NewCredentialSource returns a CredentialSource for the bot's app id and
// password.
func NewCredentialSource(appID, appPassword string) (*CredentialSource, error) {
	if appID == "" || appPassword == "" {
		return nil, errors.New("botframework: app id and password are required")
	}
	cred, err := azidentity.NewClientSecretCredential(botTenant, appID, appPassword, nil)
	if err != nil {
		return nil, fmt.Errorf("botframework: create client secret credential: %w", err)
	}
	return &CredentialSource{cred: cred}, nil
}

func (s *CredentialSource) Token(ctx context.Context) (string, error) {
	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{Scope}})
	if err != nil {
		return "", fmt.Errorf("botframework: get app token: %w", err)
	}
	return tok.Token, nil
}
