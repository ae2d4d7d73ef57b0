package botframework

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// OpenIDKeysURL publishes the keys Bot Framework signs channel tokens with.
	OpenIDKeysURL = "https://login.botframework.com/v1/.well-known/keys"
	// TokenIssuer is the issuer of channel-to-bot tokens.
	TokenIssuer = "https://api.botframework.com"
)

// ErrUnauthorized wraps every reason a request is rejected.
var ErrUnauthorized = errors.New("unauthorized")

type channelClaims struct {
	ServiceURL string `json:"serviceurl"`
	jwt.RegisteredClaims
}

// Authenticator validates the bearer tokens Bot Framework attaches to the
// requests it sends the bot.
type Authenticator struct {
	appID   string
	keyfunc jwt.Keyfunc
	leeway  time.Duration
}

// NewAuthenticator returns an Authenticator that fetches and refreshes the
// Bot Framework signing keys in the background.
func NewAuthenticator(appID string) (*Authenticator, error) {
	kf, err := keyfunc.NewDefault([]string{OpenIDKeysURL})
	if err != nil {
		return nil, fmt.Errorf("botframework: load signing keys: %w", err)
	}
	return NewAuthenticatorWithKeyfunc(appID, kf.Keyfunc)
}

// NewAuthenticatorWithKeyfunc returns an Authenticator that resolves signing
// keys with kf.
func NewAuthenticatorWithKeyfunc(appID string, kf jwt.Keyfunc) (*Authenticator, error) {
	if appID == "" {
		return nil, errors.New("botframework: app id must not be empty")
	}
	if kf == nil {
		return nil, errors.New("botframework: keyfunc must not be nil")
	}
	return &Authenticator{appID: appID, keyfunc: kf, leeway: 5 * time.Minute}, nil
}

// Authenticate checks authHeader and, when serviceURL is set, that the token
// was issued for that service URL.
func (a *Authenticator) Authenticate(authHeader, serviceURL string) error {
	raw, ok := strings.CutPrefix(strings.TrimSpace(authHeader), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims := &channelClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, a.keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(a.appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if serviceURL != "" && !sameServiceURL(claims.ServiceURL, serviceURL) {
		return fmt.Errorf("%w: service url claim does not match", ErrUnauthorized)
	}
	return nil
}

func sameServiceURL(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
