package handlers

import (
	"net/http"

	mw "imagesearch/internal/middleware"
	"imagesearch/internal/services"
	"imagesearch/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig is the part of the configuration the HTTP surface needs.
type RouterConfig struct {
	CORSOrigins     []string
	AdminEnabled    bool
	AdminToken      string
	AccessToken     string
	AccessProtected bool
	// StaticRoot is served under /static when set.
	StaticRoot string
}

func NewRouter(cfg RouterConfig, engine *services.SearchEngine, processor *services.ImageProcessor, hub *ws.Hub) http.Handler {
	admin := NewAdminHandler(processor, engine)
	search := NewSearchHandler(engine)
	feed := NewFeedHandler(engine, processor)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(mw.CorsMiddleware(cfg.CORSOrigins))

	r.With(mw.PermissiveAccessToken(cfg.AccessToken, cfg.AccessProtected)).
		Get("/", Welcome(cfg, engine.AvailableBases()))

	if cfg.StaticRoot != "" {
		r.Get("/static/*", StaticHandler(cfg.StaticRoot))
	}

	r.Route("/search", func(r chi.Router) {
		r.Use(mw.AccessToken(cfg.AccessToken, cfg.AccessProtected))
		r.Get("/text/{prompt}", search.Text())
		r.With(middleware.RequestSize(MaxUploadSize)).Post("/image", search.Image())
		r.Get("/similar/{id}", search.Similar())
		r.Post("/advanced", search.Advanced())
		r.Post("/hybrid", search.Hybrid())
		r.Get("/random", search.Random())
	})

	r.Route("/images", func(r chi.Router) {
		r.Use(mw.AccessToken(cfg.AccessToken, cfg.AccessProtected))
		r.Get("/", feed.Feed)
		r.Get("/id/{id}", feed.Image)
	})

	if cfg.AdminEnabled {
		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.AdminToken(cfg.AdminToken))
			r.With(middleware.RequestSize(MaxUploadSize)).Post("/upload", admin.Upload)
			r.Delete("/delete/{id}", admin.Delete)
			r.Put("/update_opt/{id}", admin.UpdateOpt)
			r.Post("/duplication_validate", admin.DuplicationValidate)
			r.Get("/server_info", admin.ServerInfo)
		})
	}

	if hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.HandleWebSocket(hub, w, r)
		})
	}
	return r
}
