package botframework

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/integrations/upstream"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) { return "", errors.New("aad down") }

var fast = upstream.Policy{Attempts: 3, InitialInterval: time.Millisecond}

func newConnector(t *testing.T, srv *httptest.Server) *Connector {
	t.Helper()
	c, err := NewConnector(staticToken("app-token"), WithConnectorHTTPClient(srv.Client()), WithConnectorRetryPolicy(fast))
	require.NoError(t, err)
	return c
}

func TestConnector_SendActivityReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v3/conversations/a:conv/activities/act-1", r.URL.Path)
		require.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		var a domain.Activity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		require.Equal(t, "hi", a.Text)
		require.Equal(t, "act-1", a.ReplyToID)
		_, _ = w.Write([]byte(`{"id":"out-1"}`))
	}))
	defer srv.Close()

	ref := domain.ConversationReference{ServiceURL: srv.URL + "/", Conversation: domain.ConversationAccount{ID: "a:conv"}}
	err := newConnector(t, srv).SendActivity(context.Background(), ref, "act-1", &domain.Activity{Type: domain.ActivityMessage, Text: "hi"})
	require.NoError(t, err)
}

func TestConnector_SendActivityRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/conversations/a:conv/activities", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"text":"hi"`)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ref := domain.ConversationReference{ServiceURL: srv.URL, Conversation: domain.ConversationAccount{ID: "a:conv"}}
	require.NoError(t, newConnector(t, srv).SendActivity(context.Background(), ref, "", &domain.Activity{Text: "hi"}))
	require.EqualValues(t, 2, calls.Load())
}

func TestConnector_PostsAreNotRepeatedAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := newConnector(t, srv)

	ref := domain.ConversationReference{ServiceURL: srv.URL, Conversation: domain.ConversationAccount{ID: "a:conv"}}
	err := c.SendActivity(context.Background(), ref, "", &domain.Activity{Text: "hi"})
	require.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode(err))
	require.EqualValues(t, 1, calls.Load())

	_, err = c.CreateConversation(context.Background(), srv.URL, ConversationParameters{Members: []domain.ChannelAccount{{ID: "29:user"}}})
	require.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode(err))
	require.EqualValues(t, 2, calls.Load())

	_, err = c.GetConversationMembers(context.Background(), srv.URL, "19:team")
	require.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode(err))
	require.EqualValues(t, 5, calls.Load())
}

func TestConnector_CreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/conversations", r.URL.Path)
		var p ConversationParameters
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		require.Equal(t, "28:bot", p.Bot.ID)
		require.Equal(t, "29:user", p.Members[0].ID)
		require.Equal(t, "tenant-1", p.ChannelData.Tenant.ID)
		require.False(t, p.IsGroup)
		_, _ = w.Write([]byte(`{"id":"a:personal"}`))
	}))
	defer srv.Close()

	id, err := newConnector(t, srv).CreateConversation(context.Background(), srv.URL, ConversationParameters{
		Bot:         domain.ChannelAccount{ID: "28:bot"},
		Members:     []domain.ChannelAccount{{ID: "29:user"}},
		ChannelData: &domain.ChannelData{Tenant: &domain.IDRef{ID: "tenant-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "a:personal", id)
}

func TestConnector_GetConversationMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v3/conversations/19:team/members", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"29:a","objectId":"aad-a"},{"id":"29:b","aadObjectId":"aad-b"}]`))
	}))
	defer srv.Close()

	members, err := newConnector(t, srv).GetConversationMembers(context.Background(), srv.URL, "19:team")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "aad-a", members[0].DirectoryID())
	require.Equal(t, "aad-b", members[1].DirectoryID())
}

func TestConnector_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newConnector(t, srv)
	_, err := c.GetConversationMembers(context.Background(), srv.URL, "19:team")
	require.Equal(t, http.StatusForbidden, upstream.StatusCode(err))

	_, err = c.GetConversationMembers(context.Background(), "", "19:team")
	require.ErrorContains(t, err, "service url")

	err = c.SendActivity(context.Background(), domain.ConversationReference{ServiceURL: srv.URL}, "", &domain.Activity{})
	require.ErrorContains(t, err, "conversation id")

	bad, err := NewConnector(failingToken{}, WithConnectorRetryPolicy(upstream.Policy{Attempts: 1}))
	require.NoError(t, err)
	_, err = bad.CreateConversation(context.Background(), srv.URL, ConversationParameters{})
	require.ErrorContains(t, err, "aad down")

	_, err = NewConnector(nil)
	require.Error(t, err)
}

func newTokenService(t *testing.T, srv *httptest.Server) *TokenService {
	t.Helper()
	s, err := NewTokenService("app-id", staticToken("app-token"), WithTokenServiceURL(srv.URL), WithTokenServiceHTTPClient(srv.Client()))
	require.NoError(t, err)
	return s
}

func TestTokenService_GetUserToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/usertoken/GetToken", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "29:user", q.Get("userId"))
		require.Equal(t, "moodle", q.Get("connectionName"))
		require.Equal(t, "msteams", q.Get("channelId"))
		switch q.Get("code") {
		case "123456":
			_, _ = w.Write([]byte(`{"connectionName":"moodle","token":"user-token"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	s := newTokenService(t, srv)

	tok, err := s.GetUserToken(context.Background(), "29:user", "moodle", "msteams", "123456")
	require.NoError(t, err)
	require.Equal(t, "user-token", tok.Token)

	tok, err = s.GetUserToken(context.Background(), "29:user", "moodle", "msteams", "")
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestTokenService_SignOutUser(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/usertoken/SignOut", r.URL.Path)
		require.Equal(t, "29:user", r.URL.Query().Get("userId"))
		called.Store(true)
	}))
	defer srv.Close()

	require.NoError(t, newTokenService(t, srv).SignOutUser(context.Background(), "29:user", "moodle", "msteams"))
	require.True(t, called.Load())
}

func TestTokenService_GetSignInLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/botsignin/GetSignInUrl", r.URL.Path)
		raw, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("state"))
		require.NoError(t, err)
		var st signInState
		require.NoError(t, json.Unmarshal(raw, &st))
		require.Equal(t, "moodle", st.ConnectionName)
		require.Equal(t, "app-id", st.MsAppID)
		require.Equal(t, "a:conv", st.Conversation.Conversation.ID)
		_, _ = w.Write([]byte(`"https://token.botframework.com/api/oauth/signin?signin=abc"`))
	}))
	defer srv.Close()

	ref := domain.ConversationReference{Conversation: domain.ConversationAccount{ID: "a:conv"}}
	link, err := newTokenService(t, srv).GetSignInLink(context.Background(), ref, "moodle")
	require.NoError(t, err)
	require.Equal(t, "https://token.botframework.com/api/oauth/signin?signin=abc", link)
}

func signedToken(t *testing.T, key *rsa.PrivateKey, claims channelClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	auth, err := NewAuthenticatorWithKeyfunc("app-id", func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)

	valid := channelClaims{
		ServiceURL: "https://smba.trafficmanager.net/emea/",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{"app-id"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	cases := []struct {
		name       string
		header     string
		serviceURL string
		wantErr    bool
	}{
		{"valid", "Bearer " + signedToken(t, key, valid), "https://smba.trafficmanager.net/emea", false},
		{"valid without service url", "Bearer " + signedToken(t, key, valid), "", false},
		{"missing header", "", "", true},
		{"not bearer", "Basic abc", "", true},
		{"wrong key", "Bearer " + signedToken(t, other, valid), "", true},
		{"service url mismatch", "Bearer " + signedToken(t, key, valid), "https://evil.example", true},
		{"wrong audience", "Bearer " + signedToken(t, key, func() channelClaims {
			c := valid
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return c
		}()), "", true},
		{"expired", "Bearer " + signedToken(t, key, func() channelClaims {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return c
		}()), "", true},
		{"wrong issuer", "Bearer " + signedToken(t, key, func() channelClaims {
			c := valid
			c.Issuer = "https://sts.windows.net/x/"
			return c
		}()), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := auth.Authenticate(tc.header, tc.serviceURL)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
		})
	}
}
