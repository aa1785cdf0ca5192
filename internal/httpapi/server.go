// Package httpapi exposes the credit engine over HTTP.
package httpapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	svix "github.com/svix/svix-webhooks/go"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/internal/app"
	"github.com/ineyio/creditengine/provider/fal"
)

// Server holds the handlers' dependencies.
type Server struct {
	app      *app.App
	logger   zerolog.Logger
	validate *validator.Validate
	jwtKey   *rsa.PublicKey
	identity *svix.Webhook

	// checkAsset verifies user-supplied input urls before paying for a job.
	checkAsset func(ctx context.Context, url string) error
}

// Option configures a Server.
type Option func(*Server)

// WithAssetCheck replaces the reachability check for input urls.
func WithAssetCheck(fn func(ctx context.Context, url string) error) Option {
	return func(s *Server) { s.checkAsset = fn }
}

// NewServer builds a Server from a wired App.
func NewServer(a *app.App, opts ...Option) (*Server, error) {
	s := &Server{
		app:      a,
		logger:   a.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	idCfg := a.Config.Identity
	if idCfg.JWTPublicKey == "" {
		return nil, fmt.Errorf("httpapi: identity.jwt_public_key is required")
	}
	key, err := ParsePublicKey(idCfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	s.jwtKey = key

	if idCfg.WebhookSecret != "" {
		wh, err := svix.NewWebhook(idCfg.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("httpapi: identity webhook secret: %w", err)
		}
		s.identity = wh
	}

	assetClient := &http.Client{Timeout: 10 * time.Second}
	s.checkAsset = func(ctx context.Context, url string) error {
		return fal.CheckAsset(ctx, assetClient, url)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(s.logger),
	)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.app.Metrics, promhttp.HandlerOpts{}))

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/fal/{kind}", s.falWebhook)
		r.Post("/identity", s.identityWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthJWT(s.jwtKey, s.app.Config.Identity.JWTIssuer))

		r.Get("/credits", s.credits)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/packs", s.listPacks)

		r.Post("/ai/training", s.train)
		r.Post("/ai/generate", s.generate)
		r.Post("/ai/generate-from-reference", s.generateFromReference)
		r.Post("/pack/generate", s.generatePack)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookURL is the callback fal posts the outcome of a job to.
func (s *Server) webhookURL(kind string) string {
	return strings.TrimRight(s.app.Config.Server.PublicURL, "/") + "/webhooks/fal/" + kind
}

func (s *Server) submitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.app.Config.Server.SubmitTimeout)
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// HTTPServer wraps http.Server with graceful start and shutdown helpers.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a configured HTTP server.
func NewHTTPServer(cfg ce.ServerConfig, handler http.Handler) *HTTPServer {
	return &HTTPServer{server: &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}}
}

// Start runs the server in the current goroutine.
func (s *HTTPServer) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
