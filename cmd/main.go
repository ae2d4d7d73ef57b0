package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"moodle-teams-bot/handler"
	"moodle-teams-bot/internal/i18n"
	"moodle-teams-bot/internal/integrations/botframework"
	"moodle-teams-bot/internal/integrations/graph"
	"moodle-teams-bot/internal/integrations/luis"
	"moodle-teams-bot/internal/integrations/moodle"
	"moodle-teams-bot/internal/integrations/paramstore"
	"moodle-teams-bot/internal/metrics"
	"moodle-teams-bot/internal/repository"
	"moodle-teams-bot/internal/usecase"
)

type store interface {
	usecase.StateStore
	usecase.BotCacheStore
}

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	appID := mustEnv("MICROSOFT_APP_ID")
	connectionName := mustEnv("OAUTH_CONNECTION")
	moodleURL := mustEnv("MOODLE_URL")
	paramPrefix := mustEnv("PARAM_PREFIX")
	stateTable := os.Getenv("STATE_TABLE")
	cacheKey := os.Getenv("BOT_CACHE_KEY")
	languages := envList("AVAILABLE_LANGUAGES", []string{"en", "es"})
	defaultLang := envString("DEFAULT_LANGUAGE", "en")
	feedbackURL := os.Getenv("FEEDBACK_URL")
	loginTimeout := time.Duration(envInt("LOGIN_TIMEOUT_SECONDS", 30)) * time.Second
	listenAddr := envString("LISTEN_ADDR", ":3978")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Secrets ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	secrets, err := paramstore.Load(ctx, ssmClient, paramPrefix, languages, defaultLang)
	if err != nil {
		slog.Error("failed to load secrets", "err", err)
		os.Exit(1)
	}

	// ---- State ----
	var state store = repository.NewMemory()
	if stateTable != "" {
		state, err = repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, cacheKey)
		if err != nil {
			slog.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("STATE_TABLE not set, state is kept in memory")
	}

	// ---- Clients ----
	credentials, err := botframework.NewCredentialSource(appID, secrets.AppPassword)
	if err != nil {
		slog.Error("failed to create bot credentials", "err", err)
		os.Exit(1)
	}
	connector, err := botframework.NewConnector(credentials)
	if err != nil {
		slog.Error("failed to create connector", "err", err)
		os.Exit(1)
	}
	tokenService, err := botframework.NewTokenService(appID, credentials)
	if err != nil {
		slog.Error("failed to create token service", "err", err)
		os.Exit(1)
	}
	authenticator, err := botframework.NewAuthenticator(appID)
	if err != nil {
		slog.Error("failed to create authenticator", "err", err)
		os.Exit(1)
	}
	backend, err := moodle.NewClient(moodleURL)
	if err != nil {
		slog.Error("failed to create Moodle client", "err", err)
		os.Exit(1)
	}
	recognizers := make(map[string]usecase.Recognizer, len(secrets.Recognizers))
	for lang, r := range secrets.Recognizers {
		client, err := luis.NewClient(r.Endpoint, r.AppID, r.Key)
		if err != nil {
			slog.Error("failed to create classifier", "language", lang, "err", err)
			os.Exit(1)
		}
		recognizers[lang] = client
	}

	translator, err := i18n.New(languages, defaultLang)
	if err != nil {
		slog.Error("failed to load translations", "err", err)
		os.Exit(1)
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	logger := slog.Default()

	// ---- Use cases ----
	bot, err := usecase.NewBot(usecase.Config{
		ConnectionName:  connectionName,
		Languages:       languages,
		DefaultLanguage: defaultLang,
		FeedbackURL:     feedbackURL,
		LoginTimeout:    loginTimeout,
	}, usecase.Deps{
		State:       state,
		Tokens:      tokenService,
		Recognizers: recognizers,
		Directory:   graph.NewClient(),
		Backend:     backend,
		Translator:  translator,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create bot", "err", err)
		os.Exit(1)
	}
	identity, err := usecase.NewIdentityCache(state, connector, m, logger)
	if err != nil {
		slog.Error("failed to create identity cache", "err", err)
		os.Exit(1)
	}
	notifier, err := usecase.NewNotifier(defaultLang, usecase.NotifierDeps{
		Identity:      identity,
		Auth:          authenticator,
		Conversations: connector,
		Users:         state,
		Translator:    translator,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("failed to create notifier", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Deps{
		Bot:      bot,
		Identity: identity,
		Notifier: notifier,
		Auth:     authenticator,
		Sender:   connector,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		lambda.Start(h.Handle)
		return
	}

	slog.Info("listening", "addr", listenAddr)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envList reads a comma separated list.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
