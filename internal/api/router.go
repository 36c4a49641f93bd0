package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// NewRouter builds Rivet's orchestrator HTTP API: health, runner
// register/heartbeat, the job endpoints runners drive, and the pipeline
// endpoints rivetctl drives, plus the supplemental log-stream websocket.
func NewRouter(svc *orchestrator.Service, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{svc: svc, logger: logger, upgrader: websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}}

	r.Get("/api/health", h.health)

	r.Route("/api/runners", func(r chi.Router) {
		r.Post("/register", h.registerRunner)
		r.Post("/{runnerID}/heartbeat", h.heartbeat)
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/scheduled", h.scheduledJobs)
		r.Get("/pipeline/{pipelineID}", h.listJobsByPipeline)
		r.Post("/{jobID}/claim", h.claimJob)
		r.Put("/{jobID}/status", h.updateJobStatus)
		r.Post("/{jobID}/complete", h.completeJob)
		r.Post("/{jobID}/logs", h.ingestLogs)
		r.Get("/{jobID}/logs", h.readLogs)
		r.Get("/{jobID}/logs/stream", h.streamLogs)
		r.Get("/{jobID}", h.getJob)
	})

	r.Route("/api/pipeline", func(r chi.Router) {
		r.Post("/create", h.createPipeline)
		r.Post("/launch", h.launchJob)
		r.Get("/list", h.listPipelines)
		r.Get("/{pipelineID}", h.getPipeline)
		r.Delete("/{pipelineID}", h.deletePipeline)
	})

	return r
}
