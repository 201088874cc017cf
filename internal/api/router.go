package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/covenlabs/conclave/internal/gateway"
)

// NewRouter mounts the session command API and the WebSocket gateway on
// one chi router.
func NewRouter(h *Handler, ws *gateway.WebSocketHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "X-User-ID"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Post("/decisions", h.submitDecision)
			r.Get("/decisions", h.listDecisions)
			r.Patch("/decisions/{userID}", h.editDecision)
			r.Post("/review", h.startReview)
			r.Post("/modifiers", h.addModifier)
			r.Post("/inference", h.submitToInference)
			r.Post("/next-round", h.nextRound)
			r.Post("/end", h.endGame)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Get("/anomalies", h.listAnomalies)
			r.Post("/recovery", h.applyRecovery)
			r.Get("/recovery", h.listRecoveryLog)
			r.Post("/snapshots", h.createSnapshot)
			r.Get("/snapshots", h.listSnapshots)
			r.Delete("/snapshots/{snapshotID}", h.deleteSnapshot)
			r.Post("/snapshots/{snapshotID}/restore", h.restoreSnapshot)
		})
	})

	if ws != nil {
		r.Get("/ws", ws.HandleConnection)
		r.Get("/ws/stats", ws.HandleConnectionStats)
	}

	return r
}
