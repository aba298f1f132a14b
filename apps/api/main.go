package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	affiliateshandler "github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/handler"
	affiliatesrepo "github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/repo"
	affiliatesservice "github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/service"
	agentshandler "github.com/zapagent-ai/zapagent-saas/domains/agents/be/handler"
	agentsprov "github.com/zapagent-ai/zapagent-saas/domains/agents/be/provisioning"
	agentsrepo "github.com/zapagent-ai/zapagent-saas/domains/agents/be/repo"
	agentsservice "github.com/zapagent-ai/zapagent-saas/domains/agents/be/service"
	billinghandler "github.com/zapagent-ai/zapagent-saas/domains/billing/be/handler"
	billingrepo "github.com/zapagent-ai/zapagent-saas/domains/billing/be/repo"
	billingservice "github.com/zapagent-ai/zapagent-saas/domains/billing/be/service"
	"github.com/zapagent-ai/zapagent-saas/domains/billing/be/stripeclient"
	conversationshandler "github.com/zapagent-ai/zapagent-saas/domains/conversations/be/handler"
	conversationsrepo "github.com/zapagent-ai/zapagent-saas/domains/conversations/be/repo"
	conversationsservice "github.com/zapagent-ai/zapagent-saas/domains/conversations/be/service"
	usagehandler "github.com/zapagent-ai/zapagent-saas/domains/usage/be/handler"
	usagerepo "github.com/zapagent-ai/zapagent-saas/domains/usage/be/repo"
	usageservice "github.com/zapagent-ai/zapagent-saas/domains/usage/be/service"
	platformauth "github.com/zapagent-ai/zapagent-saas/platform/go/auth"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	platformmiddleware "github.com/zapagent-ai/zapagent-saas/platform/go/middleware"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
	"github.com/zapagent-ai/zapagent-saas/platform/go/storage"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	AuthProvider    string        `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev

	AdminUsername     string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"` // bcrypt; see `zapagent admin hash-password`

	StorageBackend  string `env:"STORAGE_BACKEND" envDefault:"gcs"`               // gcs | local
	StorageBucket   string `env:"STORAGE_BUCKET"`                                 // required when STORAGE_BACKEND=gcs
	StorageLocalDir string `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"` // used when STORAGE_BACKEND=local

	MessagingAPIURL string        `env:"MESSAGING_API_URL,required"`
	MessagingAPIKey string        `env:"MESSAGING_API_KEY"`
	MessagingWait   time.Duration `env:"MESSAGING_TIMEOUT" envDefault:"30s"`

	StripeAPIKey        string `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL     string `env:"PORTAL_RETURN_URL,required"`

	PriceBRPro     string `env:"STRIPE_PRICE_BR_PRO,required"`
	PriceBRPremium string `env:"STRIPE_PRICE_BR_PREMIUM,required"`
	PriceUSPro     string `env:"STRIPE_PRICE_US_PRO"`
	PriceUSPremium string `env:"STRIPE_PRICE_US_PREMIUM"`
	CommissionBps  int64  `env:"AFFILIATE_COMMISSION_BPS" envDefault:"2000"`
}

func main() {
	ctx := context.Background()

	// Optional .env for local development; real deployments set the environment.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	agentStore, err := persistence.NewAgentStore(ctx, pool)
	if err != nil {
		logger.Fatal("init agent store", zap.Error(err))
	}
	messageStore, err := persistence.NewMessageStore(ctx, pool)
	if err != nil {
		logger.Fatal("init message store", zap.Error(err))
	}
	subscriptionStore, err := persistence.NewSubscriptionStore(ctx, pool)
	if err != nil {
		logger.Fatal("init subscription store", zap.Error(err))
	}
	affiliateStore, err := persistence.NewAffiliateStore(ctx, pool)
	if err != nil {
		logger.Fatal("init affiliate store", zap.Error(err))
	}

	var blobs storage.BlobStore
	bucket := cfg.StorageBucket
	switch cfg.StorageBackend {
	case "gcs":
		if bucket == "" {
			logger.Fatal("storage bucket required when STORAGE_BACKEND=gcs")
		}
		gcsClient, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Fatal("init gcs client", zap.Error(err))
		}
		defer gcsClient.Close()
		blobs = storage.NewGCSStore(gcsClient)
	case "local":
		if strings.TrimSpace(cfg.StorageLocalDir) == "" {
			logger.Fatal("storage local dir required when STORAGE_BACKEND=local")
		}
		blobs = storage.NewLocalStore(cfg.StorageLocalDir)
		if bucket == "" {
			bucket = "training-material"
		}
	default:
		logger.Fatal("invalid STORAGE_BACKEND (use gcs or local)", zap.String("backend", cfg.StorageBackend))
	}

	messagingClient, err := agentsprov.NewHTTPClient(agentsprov.HTTPClientConfig{
		BaseURL: cfg.MessagingAPIURL,
		APIKey:  cfg.MessagingAPIKey,
		Timeout: cfg.MessagingWait,
	})
	if err != nil {
		logger.Fatal("init messaging client", zap.Error(err))
	}

	agentsRepository := agentsrepo.NewPostgresRepository(agentStore)
	agentsSvc := agentsservice.New(agentsRepository)
	orchestratorFactory := func() *agentsservice.Orchestrator {
		return agentsservice.NewOrchestrator(agentsRepository, messagingClient, logger, agentsservice.OrchestratorConfig{})
	}
	agentsHTTPHandler := agentshandler.New(agentsSvc, orchestratorFactory, messagingClient, blobs, bucket, logger)

	stripeGateway, err := stripeclient.New(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	if err != nil {
		logger.Fatal("init stripe client", zap.Error(err))
	}
	billingRepository := billingrepo.NewPostgresRepository(subscriptionStore, affiliateStore)
	billingSvc := billingservice.New(billingservice.Config{
		Gateway:  stripeGateway,
		Verifier: stripeGateway,
		Repo:     billingRepository,
		Prices:   buildPriceTable(cfg),
		URLs: billingservice.URLs{
			CheckoutSuccess: cfg.CheckoutSuccessURL,
			CheckoutCancel:  cfg.CheckoutCancelURL,
			PortalReturn:    cfg.PortalReturnURL,
		},
		CommissionRateBps: cfg.CommissionBps,
		Logger:            logger,
	})
	billingHTTPHandler := billinghandler.New(billingSvc, logger)

	conversationsRepository, err := conversationsrepo.NewPostgresRepository(agentStore, messageStore)
	if err != nil {
		logger.Fatal("init conversations repository", zap.Error(err))
	}
	conversationsSvc := conversationsservice.New(conversationsRepository, persistence.NewPayloadValidator(), logger)
	conversationsHTTPHandler := conversationshandler.New(conversationsSvc, logger)

	usageRepository, err := usagerepo.NewPostgresRepository(agentStore, subscriptionStore)
	if err != nil {
		logger.Fatal("init usage repository", zap.Error(err))
	}
	usageSvc := usageservice.New(usageRepository, nil, logger)
	usageHTTPHandler := usagehandler.New(usageSvc, logger)

	affiliatesRepository, err := affiliatesrepo.NewPostgresRepository(affiliateStore)
	if err != nil {
		logger.Fatal("init affiliates repository", zap.Error(err))
	}
	affiliatesSvc := affiliatesservice.New(affiliatesRepository, logger)
	affiliatesHTTPHandler := affiliateshandler.New(affiliatesSvc, logger)

	authMiddleware := buildAuthMiddleware(ctx, cfg, logger)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	// Metrics and docs are operational surfaces; when an admin credential is
	// configured they sit behind HTTP basic auth instead of the user JWT flow.
	opsGate := func(next http.Handler) http.Handler { return next }
	if cfg.AdminPasswordHash != "" {
		adminStore, err := platformauth.NewAdminCredentialStore(cfg.AdminUsername, cfg.AdminPasswordHash)
		if err != nil {
			logger.Fatal("init admin credential store", zap.Error(err))
		}
		opsGate = adminStore.BasicAuth()
	} else {
		logger.Warn("metrics and docs are unauthenticated; set ADMIN_PASSWORD_HASH to gate them")
	}
	rootRouter.Group(func(r chi.Router) {
		r.Use(opsGate)
		r.Handle("/metrics", promhttp.Handler())
		registerDocsRoutes(r, logger)
	})

	// Provider and Stripe callbacks carry no user token; they authenticate by
	// signature (Stripe) or shared secret at the edge (messaging provider).
	rootRouter.Route("/webhooks", func(r chi.Router) {
		r.Use(platformmiddleware.RequestTrace)
		r.Post("/messages", conversationsHTTPHandler.Ingest)
		r.Post("/stripe", billingHTTPHandler.StripeWebhook)
	})

	apiRouter := chi.NewRouter()
	apiRouter.Use(authMiddleware)
	apiRouter.Use(platformmiddleware.RequestTrace)

	agentsValidator := mustNewSpecValidator(logger, "contracts/agents.yaml")
	apiRouter.Group(func(r chi.Router) {
		r.Use(agentsValidator)
		agentsRouter := agentsHTTPHandler.Routes()
		agentsRouter.Get("/{agentID}/messages", conversationsHTTPHandler.ListMessages)
		r.Mount("/agents", agentsRouter)
	})

	billingValidator := mustNewSpecValidator(logger, "contracts/billing.yaml")
	apiRouter.Group(func(r chi.Router) {
		r.Use(billingValidator)
		r.Mount("/billing", billingHTTPHandler.Routes())
	})

	usageValidator := mustNewSpecValidator(logger, "contracts/usage.yaml")
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireUser())
		r.Use(usageValidator)
		r.Mount("/usage", usageHTTPHandler.Routes())
	})

	// Back-office usage lookup: support inspects any customer's quota.
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireRole("admin"))
		r.Use(usageValidator)
		r.Mount("/admin/usage", usageHTTPHandler.AdminRoutes())
	})

	affiliatesValidator := mustNewSpecValidator(logger, "contracts/affiliates.yaml")
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireUser())
		r.Use(affiliatesValidator)
		r.Mount("/affiliates", affiliatesHTTPHandler.Routes())
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildPriceTable(cfg config) billingservice.PriceTable {
	table := billingservice.PriceTable{
		"BR": {
			billingservice.PlanPro:     cfg.PriceBRPro,
			billingservice.PlanPremium: cfg.PriceBRPremium,
		},
	}
	if cfg.PriceUSPro != "" && cfg.PriceUSPremium != "" {
		table["US"] = map[string]string{
			billingservice.PlanPro:     cfg.PriceUSPro,
			billingservice.PlanPremium: cfg.PriceUSPremium,
		}
	}
	return table
}

// mustNewSpecValidator loads the OpenAPI document from disk and builds the
// oapi-codegen validator middleware used by each domain group.
func mustNewSpecValidator(logger *zap.Logger, path string) func(http.Handler) http.Handler {
	spec := mustLoadSpec(logger, path)
	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.ValidateAuthenticationViaSwagger,
		},
	})
}

// mustLoadSpec loads and returns the OpenAPI document for validation and docs.
func mustLoadSpec(logger *zap.Logger, path string) *openapi3.T {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	absPath, err := filepath.Abs(path)
	if err != nil {
		logger.Fatal("resolve spec path", zap.String("path", path), zap.Error(err))
	}

	baseDir := filepath.Dir(absPath)
	loader.ReadFromURIFunc = func(loader *openapi3.Loader, ref *url.URL) ([]byte, error) {
		if ref == nil {
			return nil, errors.New("nil reference URI")
		}
		if ref.IsAbs() {
			switch ref.Scheme {
			case "file":
				data, err := os.ReadFile(ref.Path)
				if err != nil {
					return nil, fmt.Errorf("read reference %q: %w", ref.Path, err)
				}
				return data, nil
			default:
				return nil, fmt.Errorf("unsupported reference scheme %q", ref.String())
			}
		}
		refPath := filepath.Clean(ref.Path)
		if refPath == "" {
			return nil, fmt.Errorf("empty reference path for %q", ref.String())
		}
		candidate := filepath.Join(baseDir, refPath)
		data, err := os.ReadFile(candidate)
		if err != nil {
			return nil, fmt.Errorf("read reference %q: %w", candidate, err)
		}
		return data, nil
	}

	spec, err := loader.LoadFromFile(absPath)
	if err != nil {
		logger.Fatal("load openapi spec", zap.String("path", path), zap.Error(err))
	}

	ensureSecuritySchemes(logger, path, spec)
	return spec
}

func ensureSecuritySchemes(logger *zap.Logger, path string, spec *openapi3.T) {
	if spec.Components == nil {
		spec.Components = &openapi3.Components{}
	}
	if spec.Components.SecuritySchemes == nil {
		spec.Components.SecuritySchemes = openapi3.SecuritySchemes{}
	}

	if _, ok := spec.Components.SecuritySchemes["bearerAuth"]; !ok {
		spec.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:   "http",
				Scheme: "bearer",
			},
		}
		logger.Warn("injecting default bearerAuth security scheme", zap.String("path", path))
	}
}
