package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/keyrelay/server/internal/auth"
	"github.com/keyrelay/server/internal/http/handlers"
	"github.com/keyrelay/server/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	users *handlers.UserHandler,
	keys *handlers.KeyHandler,
	issues *handlers.IssueHandler,
	servers *handlers.ServerHandler,
	admin *handlers.AdminHandler,
	jwtService *auth.JWTService,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// All API routes require a valid service token
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(jwtService))

		r.Route("/distribution", func(r chi.Router) {
			r.Put("/user", users.HandleCreate)
			r.Post("/user", users.HandleUpdate)
			r.Get("/user/{username}", users.HandleGet)
			r.Delete("/user/{username}", users.HandleDelete)
			r.Get("/users", users.HandleList)

			r.Put("/outline", keys.HandleRotate)
			r.Get("/outline/{user}", keys.HandleGet)
			r.Get("/listoutlineusers", keys.HandleList)

			r.Get("/issues", issues.HandleList)
			r.Post("/issues", issues.HandleCreate)
		})

		r.Route("/server", func(r chi.Router) {
			r.Put("/", servers.HandleCreate)
			r.Get("/{id}", servers.HandleGet)
			r.Post("/{id}", servers.HandleUpdate)
		})

		r.Post("/admin/sweep", admin.HandleSweep)
	})

	return r
}
