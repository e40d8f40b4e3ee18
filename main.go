package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"clipforge/config"
	"clipforge/handlers"
	"clipforge/internal/correlator"
	"clipforge/internal/ledger"
	"clipforge/internal/scheduler"
	"clipforge/internal/stageclient"
	"clipforge/internal/worker"
	"clipforge/middleware"
)

const (
	workerCount  = 5
	jobQueueSize = 100
	// The sweep interval trades detection latency for ledger query load.
	// Stage timeouts are measured in minutes, so 15s is plenty tight.
	sweepSchedule = "@every 15s"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional in deployed environments.
		config.InitLogger()
		config.Log.Info("No .env file found, relying on environment variables")
	} else {
		config.InitLogger()
	}
	log := config.Log

	postgrestClient, err := config.InitPostgrest()
	if err != nil {
		log.Fatalf("Failed to initialize PostgREST client: %v", err)
	}
	store := ledger.NewSupabase(postgrestClient, log)

	stages := config.LoadStageTable()

	callbackBase := os.Getenv("CALLBACK_BASE_URL")
	if callbackBase == "" {
		log.Fatal("CALLBACK_BASE_URL must be set")
	}

	voice := stageclient.NewVoiceProvider(requireEnv(log, "VOICE_API_URL"), os.Getenv("VOICE_ID"), log)
	media := stageclient.NewMediaProvider(requireEnv(log, "MEDIA_API_URL"), log)
	music := stageclient.NewMusicProvider(requireEnv(log, "MUSIC_API_URL"), log)
	registry := stageclient.NewRegistry(voice, media, music)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewDispatcher(workerCount, jobQueueSize, log)
	pool.Run(ctx)

	sched := scheduler.New(store, registry, stages, callbackBase, log)
	corr := correlator.New(store, sched, log)
	handler := handlers.NewApplicationHandler(store, corr, sched, pool, log)

	sweep := scheduler.NewSweep(store, sched, pool, log)
	scheduleRunner := cron.New()
	if _, err := scheduleRunner.AddFunc(sweepSchedule, func() { sweep.Run(ctx) }); err != nil {
		log.Fatalf("Failed to schedule timeout sweep: %v", err)
	}
	scheduleRunner.Start()

	app := fiber.New(fiber.Config{
		AppName: "clipforge",
	})
	app.Use(middleware.RequestLogger(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Post("/videos", handler.CreateVideo)
	api.Get("/videos/:videoId", handler.GetVideo)
	api.Post("/webhooks/:provider/:token", handler.HandleProviderCallback)

	go func() {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		log.Infof("Starting server on port %s", port)
		if err := app.Listen(":" + port); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	<-scheduleRunner.Stop().Done()
	if err := app.Shutdown(); err != nil {
		log.Errorf("Error during server shutdown: %v", err)
	}
	cancel()
	pool.Stop()
	log.Info("Shutdown complete")
}

func requireEnv(log *logrus.Logger, key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s must be set", key)
	}
	return value
}
