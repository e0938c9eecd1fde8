package main

import (
	"errors"
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"devlabs/internal/compose"
	"devlabs/internal/config"
	"devlabs/internal/db"
	"devlabs/internal/http/handlers"
	appmw "devlabs/internal/http/middleware"
	"devlabs/internal/image"
	"devlabs/internal/labs"
	"devlabs/internal/portainer"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	if token, err := db.EnsureBootstrapAdmin(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap admin: %v", err)
	} else if token != "" {
		log.Printf("bootstrap admin %s created (API token: %s)", cfg.AdminEmail, token)
	}

	orch, err := portainer.New(cfg.PortainerURL, cfg.PortainerAPIKey, cfg.PortainerEndpointID)
	if err != nil {
		if !errors.Is(err, portainer.ErrNotConfigured) {
			log.Fatalf("portainer client: %v", err)
		}
		// Run without an orchestrator so list/delete/stats keep working;
		// creates will fail with a clear error.
		log.Printf("warning: portainer not configured; lab creation is disabled")
	}

	store := db.NewStore(sqlDB)

	defaults := labs.FromConfig(cfg)
	var settings labs.SettingsSource
	switch cfg.SettingsSource {
	case "store":
		settings = labs.StoreSettings{Store: store, Defaults: defaults}
	default:
		settings = labs.StaticSettings(defaults)
	}

	var creds compose.CredentialGenerator
	switch cfg.CredentialMode {
	case "random":
		creds = compose.Random{}
	default:
		creds = compose.Derived{Suffix: cfg.PasswordSuffix}
	}

	labs.InitMetrics()
	manager := labs.New(store, orchestratorOrStub(orch), labs.Options{
		Settings:         settings,
		Images:           image.NewResolver(cfg.AllowedImages),
		Credentials:      creds,
		PublicHost:       cfg.PublicHost,
		StrictAllocation: cfg.AllocationMode != "besteffort",
	})

	labs.StartSweepWorker(manager)

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	auth := appmw.BearerAuth(sqlDB)
	admin := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return auth(appmw.AdminOnly(h))
	}

	r.POST("/api/auth/login", handlers.Login(sqlDB))

	r.GET("/api/labs/stats", auth(handlers.LabStats(manager)))
	r.GET("/api/labs/images", auth(handlers.LabImages(manager)))
	r.GET("/api/labs/my-labs", auth(handlers.MyLabs(manager)))
	r.POST("/api/labs/create", auth(handlers.CreateLab(manager)))
	r.DELETE("/api/labs/{id}", auth(handlers.DeleteLab(manager)))

	r.GET("/api/admin/all-labs", admin(handlers.AllLabs(manager)))
	r.GET("/api/admin/user-stats", admin(handlers.UserStats(store)))
	r.DELETE("/api/admin/lab/{id}", admin(handlers.AdminDeleteLab(manager)))
	r.POST("/api/admin/lab/{id}/extend", admin(handlers.ExtendLab(manager)))
	r.POST("/api/admin/users/create", admin(handlers.CreateUser(sqlDB)))

	r.GET("/metrics", admin(handlers.PrometheusMetrics()))

	handler := handlers.RequestLogger(r.Handler)

	log.Printf("devlabs listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// orchestratorOrStub substitutes a stub that refuses provisioning when
// Portainer is not configured, keeping the rest of the API alive.
func orchestratorOrStub(c *portainer.Client) labs.Orchestrator {
	if c != nil {
		return c
	}
	return notConfigured{}
}

type notConfigured struct{}

func (notConfigured) CreateStack(string, string) (string, error) {
	return "", portainer.ErrNotConfigured
}

func (notConfigured) DeleteStack(string) portainer.DeleteResult {
	return portainer.DeleteResult{Outcome: portainer.Failed, Reason: "portainer not configured"}
}

func (notConfigured) EndpointID() int { return 0 }
