package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hearthlobby/lobbyhub/internal/hub"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
	"github.com/hearthlobby/lobbyhub/internal/middleware"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the Engine/Hub pair behind chi routes. It is intentionally
// thin: every handler is a one-line translation into an Engine or Hub call.
func NewRouter(engine *lobby.Engine, h *hub.Hub, log *logrus.Logger) http.Handler {
	handlers := NewHandlers(engine, h, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.LogMiddleware(log))

	r.Get("/health", handlers.Health)

	r.Route("/games/{gameId}", func(r chi.Router) {
		r.Get("/stats", handlers.Stats)

		r.Route("/lobbies", func(r chi.Router) {
			r.Post("/", handlers.CreateLobby)
			r.Get("/", handlers.Search)

			r.Route("/{lobbyId}", func(r chi.Router) {
				r.Get("/", handlers.GetLobby)
				r.Get("/members", handlers.GetMembers)
				r.Post("/join", handlers.JoinLobby)
				r.Post("/leave", handlers.LeaveLobby)
				r.Post("/ready", handlers.SetReady)
				r.Post("/ready-all", handlers.SetEveryoneReady)
				r.Post("/data", handlers.SetData)
				r.Get("/data", handlers.GetData)
				r.Post("/start", handlers.StartLobby)
				r.Get("/subscribe", handlers.Subscribe)
				r.Post("/force-close", handlers.ForceCloseLobby)
			})
		})
	})

	return r
}
