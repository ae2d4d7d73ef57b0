package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/usecase"
)

type stubBot struct {
	err       error
	activity  *domain.Activity
	turnErrs  []error
	reportErr error
}

func (s *stubBot) OnTurn(_ context.Context, t usecase.Turn) error {
	s.activity = t.Activity()
	return s.err
}

func (s *stubBot) OnTurnError(_ context.Context, _ usecase.Turn, err error) error {
	s.turnErrs = append(s.turnErrs, err)
	return s.reportErr
}

type stubIdentity struct {
	err  error
	seen []string
}

func (s *stubIdentity) RecordObservedIdentity(_ context.Context, a *domain.Activity) error {
	s.seen = append(s.seen, a.From.ID)
	return s.err
}

type stubNotifier struct {
	res        usecase.DeliveryResult
	body       string
	authHeader string
}

func (s *stubNotifier) Deliver(_ context.Context, body []byte, authHeader string) usecase.DeliveryResult {
	s.body = string(body)
	s.authHeader = authHeader
	return s.res
}

type stubAuth struct {
	err        error
	serviceURL string
}

func (s *stubAuth) Authenticate(_ string, serviceURL string) error {
	s.serviceURL = serviceURL
	return s.err
}

type nopSender struct{}

func (nopSender) SendActivity(context.Context, domain.ConversationReference, string, *domain.Activity) error {
	return nil
}

type fixture struct {
	h        *Handler
	bot      *stubBot
	identity *stubIdentity
	notifier *stubNotifier
	auth     *stubAuth
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		bot:      &stubBot{},
		identity: &stubIdentity{},
		notifier: &stubNotifier{},
		auth:     &stubAuth{},
		metrics:  metrics.New(reg),
	}
	h, err := NewHandler(Deps{
		Bot:      f.bot,
		Identity: f.identity,
		Notifier: f.notifier,
		Auth:     f.auth,
		Sender:   nopSender{},
		Metrics:  f.metrics,
		Gatherer: reg,
	})
	require.NoError(t, err)
	f.h = h
	return f
}

const activityBody = `{
	"type": "message",
	"id": "act-1",
	"text": "help",
	"channelId": "msteams",
	"serviceUrl": "https://smba.example/emea/",
	"from": {"id": "29:user", "aadObjectId": "aad-1"},
	"recipient": {"id": "28:bot"},
	"conversation": {"id": "a:personal"}
}`

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json", "authorization": "Bearer token"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(Deps{})
	require.Error(t, err)

	f := newFixture(t)
	_, err = NewHandler(Deps{Bot: f.bot, Identity: f.identity, Notifier: f.notifier, Auth: f.auth})
	require.ErrorContains(t, err, "sender")
}

func TestHandle_Activity(t *testing.T) {
	f := newFixture(t)

	resp, err := f.h.Handle(context.Background(), makeEvent(messagesPath, activityBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Headers[correlationHeader])

	require.Equal(t, "https://smba.example/emea/", f.auth.serviceURL)
	require.Equal(t, []string{"29:user"}, f.identity.seen)
	require.Equal(t, "help", f.bot.activity.Text)
	require.Empty(t, f.bot.turnErrs)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("message", "ok")))
}

func TestHandle_ActivityBase64Body(t *testing.T) {
	f := newFixture(t)
	event := makeEvent(messagesPath, base64.StdEncoding.EncodeToString([]byte(activityBody)))
	event.IsBase64Encoded = true

	resp, err := f.h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "help", f.bot.activity.Text)
}

func TestHandle_ActivityRejected(t *testing.T) {
	f := newFixture(t)
	f.auth.err = errors.New("botframework: unauthorized: token is expired")

	resp, err := f.h.Handle(context.Background(), makeEvent(messagesPath, activityBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Nil(t, f.bot.activity)
	require.Empty(t, f.identity.seen)
}

func TestHandle_InvalidActivity(t *testing.T) {
	f := newFixture(t)

	resp, err := f.h.Handle(context.Background(), makeEvent(messagesPath, `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Nil(t, f.bot.activity)
}

func TestHandle_TurnErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.bot.err = &usecase.Error{Code: usecase.ErrorProtocolViolation, Reason: "invoke_outside_teams"}
	f.bot.reportErr = errors.New("send failed")
	f.identity.err = errors.New("dynamodb down")

	resp, err := f.h.Handle(context.Background(), makeEvent(messagesPath, activityBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.bot.turnErrs, 1)
	require.Equal(t, usecase.ErrorProtocolViolation, usecase.CodeOf(f.bot.turnErrs[0]))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("message", "protocol_violation")))
}

func TestHandle_WebhookOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		res     usecase.DeliveryResult
		status  int
		message string
	}{
		{name: "delivered", res: usecase.DeliveryResult{Outcome: usecase.OutcomeDelivered, Message: "Message sent"}, status: http.StatusOK, message: "Message sent"},
		{name: "auth rejected", res: usecase.DeliveryResult{Outcome: usecase.OutcomeAuthRejected, Message: "token is expired"}, status: http.StatusUnauthorized, message: "token is expired"},
		{name: "no cache", res: usecase.DeliveryResult{Outcome: usecase.OutcomeNotFound, Message: "Bot cache empty"}, status: http.StatusNotFound, message: "Bot cache empty"},
		{name: "no user", res: usecase.DeliveryResult{Outcome: usecase.OutcomeNotFound, Message: "User not found"}, status: http.StatusNotFound, message: "User not found"},
		{name: "internal", res: usecase.DeliveryResult{Outcome: usecase.OutcomeInternalError, Message: "Could not send message"}, status: http.StatusInternalServerError, message: "Could not send message"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.notifier.res = tc.res

			resp, err := f.h.Handle(context.Background(), makeEvent(webhookPath, `{"user":"aad-1","message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, `{"user":"aad-1","message":"hi"}`, f.notifier.body)
			require.Equal(t, "Bearer token", f.notifier.authHeader)

			require.Equal(t, tc.message, resp.Body)
			require.Equal(t, "text/plain; charset=utf-8", resp.Headers["Content-Type"])
		})
	}
}

func TestHandle_WebhookBadEncodingIsInternalError(t *testing.T) {
	f := newFixture(t)
	event := makeEvent(webhookPath, "%%%not-base64")
	event.IsBase64Encoded = true

	resp, err := f.h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "invalid message body", resp.Body)
	require.Empty(t, f.notifier.body)
}

func TestHandle_UnknownRoutes(t *testing.T) {
	f := newFixture(t)

	resp, err := f.h.Handle(context.Background(), makeEvent("/api/other", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	event := makeEvent(messagesPath, activityBody)
	event.HTTPMethod = http.MethodGet
	resp, err = f.h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.notifier.res = usecase.DeliveryResult{Outcome: usecase.OutcomeDelivered, Message: "Message sent"}

	event := makeEvent(webhookPath, `{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := f.h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

func TestRoutes(t *testing.T) {
	f := newFixture(t)
	f.notifier.res = usecase.DeliveryResult{Outcome: usecase.OutcomeNotFound, Message: "Bot cache empty"}
	srv := httptest.NewServer(f.h.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+webhookPath, strings.NewReader(`{"user":"aad-1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(correlationHeader))
	require.Equal(t, "Bearer local", f.notifier.authHeader)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Bot cache empty", string(raw))

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
