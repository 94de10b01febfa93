// Package api serves the strategy HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/delivery"
	"github.com/sells-group/strategyd/internal/intake"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/resilience"
)

// Intake is the part of intake.Service the API calls.
type Intake interface {
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) (*model.Snapshot, error)
	Submit(ctx context.Context, snapshotID string) (*intake.Receipt, error)
	Retry(ctx context.Context, snapshotID string) (*intake.Receipt, error)
	Status(ctx context.Context, snapshotID string) (*model.StrategyView, error)
}

// Subscriber hands out completion subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, snapshotID string) *delivery.Subscription
}

// Health reports on the database pool.
type Health interface {
	Ping(ctx context.Context) error
	Stats() db.Stats
}

// Breakers reports provider circuit states.
type Breakers interface {
	States() map[string]resilience.CircuitState
}

// Deps are the services behind the router. Calls, Health and Breakers may
// be nil.
type Deps struct {
	Intake      Intake
	Hub         Subscriber
	Calls       calllog.Reporter
	Health      Health
	Breakers    Breakers
	CORSOrigins []string
}

type server struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	s := &server{Deps: deps, log: zap.L().With(zap.String("component", "api"))}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/snapshots", s.handleCreateSnapshot)
		r.Post("/strategy", s.handleSubmit)
		r.Get("/strategy/performance", s.handlePerformance)
		r.Get("/strategy/{snapshotID}", s.handleStatus)
		r.Get("/strategy/{snapshotID}/events", s.handleEvents)
		r.Post("/strategy/{snapshotID}/retry", s.handleRetry)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.Breakers != nil {
		body["circuits"] = s.Breakers.States()
	}
	if s.Health == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body["pool"] = s.Health.Stats()
	if err := s.Health.Ping(ctx); err != nil {
		s.log.Warn("api: health ping failed", zap.Error(err))
		body["status"] = "unavailable"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
