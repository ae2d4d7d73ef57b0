package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"moodle-teams-bot/internal/domain"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/turn"
	"moodle-teams-bot/internal/usecase"
)

const (
	messagesPath = "/api/messages"
	webhookPath  = "/api/webhook"

	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type TurnHandler interface {
	OnTurn(ctx context.Context, t usecase.Turn) error
	OnTurnError(ctx context.Context, t usecase.Turn, err error) error
}

type IdentityRecorder interface {
	RecordObservedIdentity(ctx context.Context, a *domain.Activity) error
}

type Deliverer interface {
	Deliver(ctx context.Context, body []byte, authHeader string) usecase.DeliveryResult
}

type Authenticator interface {
	Authenticate(authHeader, serviceURL string) error
}

// Deps are the collaborators of a Handler. Gatherer is only needed by
// Routes.
type Deps struct {
	Bot      TurnHandler
	Identity IdentityRecorder
	Notifier Deliverer
	Auth     Authenticator
	Sender   turn.Sender
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Handler struct {
	bot      TurnHandler
	identity IdentityRecorder
	notifier Deliverer
	auth     Authenticator
	sender   turn.Sender
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(deps Deps) (*Handler, error) {
	if deps.Bot == nil {
		return nil, errors.New("handler: bot must not be nil")
	}
	if deps.Identity == nil {
		return nil, errors.New("handler: identity recorder must not be nil")
	}
	if deps.Notifier == nil {
		return nil, errors.New("handler: notifier must not be nil")
	}
	if deps.Auth == nil {
		return nil, errors.New("handler: authenticator must not be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		bot:      deps.Bot,
		identity: deps.Identity,
		notifier: deps.Notifier,
		auth:     deps.Auth,
		sender:   deps.Sender,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
	}, nil
}

// Handle serves an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "path", req.Path)

	body, err := requestBody(req)
	if err != nil && req.Path == webhookPath {
		logger.Warn("invalid webhook body encoding", "err", err)
		return respondText(http.StatusInternalServerError, correlationID, "invalid message body"), nil
	}
	if err != nil {
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid body encoding"}), nil
	}

	switch {
	case req.HTTPMethod != http.MethodPost:
		return respond(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	case req.Path == messagesPath:
		return h.handleActivity(ctx, logger, correlationID, body, header(req.Headers, "Authorization")), nil
	case req.Path == webhookPath:
		return h.handleWebhook(ctx, logger, correlationID, body, header(req.Headers, "Authorization")), nil
	default:
		return respond(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) handleActivity(ctx context.Context, logger *slog.Logger, correlationID string, body []byte, authHeader string) events.APIGatewayProxyResponse {
	var activity domain.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		logger.Warn("invalid activity", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid activity"})
	}
	if err := h.auth.Authenticate(authHeader, activity.ServiceURL); err != nil {
		logger.Warn("activity rejected", "err", err)
		return respond(http.StatusUnauthorized, correlationID, errorResponse{Error: "UNAUTHORIZED", Message: err.Error()})
	}

	if err := h.identity.RecordObservedIdentity(ctx, &activity); err != nil {
		logger.Warn("bot cache update failed", "err", err)
	}

	tc, err := turn.New(&activity, h.sender)
	if err != nil {
		logger.Error("turn setup failed", "err", err)
		return respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	started := time.Now()
	status := "ok"
	if err := h.bot.OnTurn(ctx, tc); err != nil {
		status = strings.ToLower(string(usecase.CodeOf(err)))
		if reportErr := h.bot.OnTurnError(ctx, tc, err); reportErr != nil {
			logger.Error("turn error handling failed", "err", reportErr)
		}
	}
	h.metrics.ObserveTurn(activity.Type, status, started)
	logger.Info("turn handled", "type", activity.Type, "status", status, "duration_ms", time.Since(started).Milliseconds())

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{correlationHeader: correlationID},
	}
}

func (h *Handler) handleWebhook(ctx context.Context, logger *slog.Logger, correlationID string, body []byte, authHeader string) events.APIGatewayProxyResponse {
	res := h.notifier.Deliver(ctx, body, authHeader)
	logger.Info("webhook handled", "outcome", res.Outcome.String())

	status := http.StatusInternalServerError
	switch res.Outcome {
	case usecase.OutcomeDelivered:
		status = http.StatusOK
	case usecase.OutcomeAuthRejected:
		status = http.StatusUnauthorized
	case usecase.OutcomeNotFound:
		status = http.StatusNotFound
	}
	return respondText(status, correlationID, res.Message)
}

// Routes serves the same endpoints over plain HTTP for local runs, plus
// Prometheus metrics.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(messagesPath, h.serveHTTP)
	r.Post(webhookPath, h.serveHTTP)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(h.gatherer))
	return r
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

// header looks name up case-insensitively; API Gateway keeps client casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

// respondText answers webhook callers, which compare plain bodies.
func respondText(status int, correlationID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain; charset=utf-8",
			correlationHeader: correlationID,
		},
		Body: body,
	}
}
