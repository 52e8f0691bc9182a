package main

import (
	"context"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/db"
	"github.com/forgeml/forge/internal/api/handlers"
	"github.com/forgeml/forge/internal/api/routes"
	appjob "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/application/sweep"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/internal/quota"
	"github.com/forgeml/forge/internal/repository"
	"github.com/forgeml/forge/internal/store"
)

func main() {
	config.LoadConfig()
	db.Init()

	ctx := context.Background()

	var backend store.Backend
	switch config.StoreBackend {
	case "s3":
		b, err := store.NewObjectBackend(ctx, store.ObjectBackendOptions{
			Endpoint:  config.MinioEndpoint,
			AccessKey: config.MinioAccessKey,
			SecretKey: config.MinioSecretKey,
			UseSSL:    config.MinioUseSSL,
			Bucket:    config.MinioBucket,
		})
		if err != nil {
			log.Fatalf("Failed to connect object store: %v", err)
		}
		backend = b
	default:
		b, err := store.NewLocalBackend(config.WorkspaceDir)
		if err != nil {
			log.Fatalf("Failed to open workspace: %v", err)
		}
		backend = b
	}

	st, err := store.New(backend, config.LocksDir, config.LockTimeout)
	if err != nil {
		log.Fatalf("Failed to init resource store: %v", err)
	}
	jobs := store.NewJobStore(st)
	tasks := store.NewTaskStore(st)
	experiments := store.NewExperimentStore(st, jobs)

	static, err := providers.LoadStaticConfig(config.ProvidersFile)
	if err != nil {
		log.Fatalf("Failed to load providers file: %v", err)
	}

	repos := repository.New(db.DB)
	router := providers.NewRouter(repos.Provider, static)
	ledger := quota.NewLedger(repos.Quota)

	scheduler := appjob.NewService(jobs, tasks, experiments, router, ledger)
	sweeps := sweep.NewService(jobs, scheduler)

	// Jobs left RUNNING by a previous process are unobservable now; cancel
	// them and release their holds before serving traffic.
	if err := scheduler.RecoverOnStartup(ctx); err != nil {
		log.Fatalf("Startup recovery failed: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(cors.Default())

	routes.RegisterRoutes(r, routes.Handlers{
		Job:        handlers.NewJobHandler(scheduler, sweeps, config.WorkspaceDir),
		Report:     handlers.NewReportHandler(scheduler),
		Task:       handlers.NewTaskHandler(tasks),
		Experiment: handlers.NewExperimentHandler(experiments, jobs),
		Provider:   handlers.NewProviderHandler(repos.Provider, router),
		Quota:      handlers.NewQuotaHandler(ledger, repos.Quota),
		WS:         handlers.NewWSHandler(scheduler, router),
	})

	port := ":" + config.ServerPort
	log.Printf("Starting API server on %s", port)
	if err := r.Run(port); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
}
