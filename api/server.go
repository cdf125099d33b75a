/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     One zap "http_request" line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /health                          Liveness
  /api/definitions                 Event catalog
  /api/companies/{companyID}/*     Per-employer config, HR import, rubrics,
                                   events, batches, dashboard
  /api/rubrics/{id}                Rubric by id
  /api/events/{id}/*               Event actions
  /api/batches/{id}/*              Batch lifecycle
  /api/admin/*                     Operator actions

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured. Empty
// allowedOrigins permits any localhost origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/definitions", h.ListDefinitions)

		// Employer-scoped routes
		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Put("/", h.SaveCompany)

			r.Get("/config", h.GetConfig)
			r.Put("/config", h.SaveConfig)
			r.Delete("/config", h.DeleteConfig)

			r.Get("/dashboard", h.GetDashboard)

			r.Route("/hr", func(r chi.Router) {
				r.Post("/employees", h.ImportEmployees)
				r.Post("/terminations", h.ImportTerminations)
				r.Post("/leaves", h.ImportLeaves)
				r.Post("/payrolls", h.ImportPayroll)
			})

			r.Get("/rubrics", h.ListRubrics)
			r.Post("/rubrics", h.CreateRubric)

			r.Get("/events", h.ListEvents)
			r.Post("/events/generate", h.GenerateEvents)

			r.Get("/batches", h.ListBatches)
			r.Post("/batches", h.CreateBatch)
		})

		// Rubric routes
		r.Route("/rubrics/{id}", func(r chi.Router) {
			r.Get("/", h.GetRubric)
			r.Patch("/", h.UpdateRubric)
		})

		// Event routes
		r.Route("/events/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Post("/validate", h.ValidateEvent)
			r.Post("/cancel", h.CancelEvent)
			r.Post("/exclude", h.ExcludeEvent)
		})

		// Batch routes
		r.Route("/batches/{id}", func(r chi.Router) {
			r.Get("/", h.GetBatch)
			r.Post("/events", h.AddEvents)
			r.Post("/close", h.CloseBatch)
			r.Get("/validate", h.ValidateBatch)
			r.Post("/send", h.SendBatch)
			r.Post("/check", h.CheckBatch)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/dispatch", h.TriggerDispatch)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("http_request", fields...)
				return
			}
			logger.Info("http_request", fields...)
		})
	}
}
