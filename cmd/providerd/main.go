package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/mind-engage/lti-tool-provider/internal/api/http"
	auth "github.com/mind-engage/lti-tool-provider/internal/auth/middleware"
	"github.com/mind-engage/lti-tool-provider/internal/config"
	"github.com/mind-engage/lti-tool-provider/internal/db"
	"github.com/mind-engage/lti-tool-provider/internal/observability"
	"github.com/mind-engage/lti-tool-provider/internal/rbac"
	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider"
	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider/sqlstore"
)

func main() {
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	store := sqlstore.New(dbh)

	provider := toolprovider.New(store)
	provider.AllowConsumerCreation = cfg.AllowConsumerCreation
	provider.AllowSharing = cfg.AllowSharing
	provider.DefaultEmail = cfg.DefaultEmail

	metrics := observability.NewMetrics()
	metrics.InstrumentClient(provider.HTTP)
	authSvc := auth.NewAuthService(cfg.AuthSecret, cfg.AdminUser, cfg.AdminPassHash)
	authSvc.AddOperator(cfg.OperatorUser, cfg.OperatorPassHash)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// LTI surface (consumer-facing, OAuth-signed).
	r.Post("/lti/launch", api.LaunchHandler(provider, launchCallback, cfg.PublicURL, metrics))
	r.Get("/tool.xml", api.ToolConfigHandler(store, cfg))

	// Admin surface (JWT).
	r.Post("/auth/login", auth.LoginHandler(authSvc))
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))

		pr.With(rbac.RequireAny("consumer:list", "consumer:view")).
			Get("/admin/consumers", api.ListConsumersHandler(store))
		pr.With(rbac.Require("consumer:write")).
			Post("/admin/consumers", api.UpsertConsumerHandler(store))
		pr.With(rbac.Require("consumer:write")).
			Delete("/admin/consumers/{key}", api.DeleteConsumerHandler(store))

		pr.With(rbac.Require("share:create")).
			Post("/admin/consumers/{key}/links/{linkID}/share-keys", api.MintShareKeyHandler(provider))
		pr.With(rbac.Require("share:list")).
			Get("/admin/consumers/{key}/links/{linkID}/shares", api.ListSharesHandler(store))
		pr.With(rbac.Require("share:approve")).
			Post("/admin/consumers/{key}/links/{linkID}/approval", api.ApproveShareHandler(provider))
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// launchCallback is the demo application hook: a real deployment replaces
// this with its own session bootstrap.
func launchCallback(l *toolprovider.Launch) toolprovider.CallbackResponse {
	who := "someone"
	if l.User != nil {
		who = l.User.FullName
	}
	return toolprovider.CallbackResponse{
		OK:     true,
		Output: fmt.Sprintf("Hello %s, you have launched %q.", who, l.ResourceLink.Title),
	}
}
