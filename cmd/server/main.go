package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vis-service/internal/adapters/kafka"
	"vis-service/internal/api/routes"
	"vis-service/internal/config"
	"vis-service/internal/database"
	"vis-service/internal/eventloop"
	"vis-service/internal/feed"
	"vis-service/internal/monitor"
	"vis-service/internal/output"
	"vis-service/internal/player"
	"vis-service/internal/relay"
	"vis-service/internal/services"
	"vis-service/pkg/logger"
)

const sinkTimeout = 2 * time.Second

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Info("Starting visualization service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Monitor hooks and sinks
	hooks := monitor.NewHooks()
	counters := monitor.NewCounters()
	hooks.Add(counters.Hook())
	hooks.Add(monitor.LoggingHook(log))

	routeOpts := routes.Options{
		StreamInterval:   cfg.HTTP.StreamInterval,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		ControlRateLimit: cfg.HTTP.ControlRateLimit,
		Metrics:          counters,
	}

	if cfg.Redis.URL != "" {
		redisClient, err := database.NewRedisConnection(ctx, cfg.Redis, log)
		if err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		redisService := services.NewRedisService(redisClient)
		hooks.Add(monitor.AsHook(monitor.NewRedisSink(redisService, cfg.Redis.Channel), log, sinkTimeout))
		routeOpts.Limiter = redisService
		routeOpts.Redis = redisService
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.InitKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		kafkaSink := monitor.NewKafkaSink(producer, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		hooks.Add(monitor.AsHook(kafkaSink, log, sinkTimeout))
		log.Info("Publishing monitor events to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Event loop owning the relay server and its connections
	loop := eventloop.New(log)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(context.Background()) }()

	reportHook := func(r feed.Report) {
		hooks.Trigger(monitor.Event{
			Type:    monitor.EventFeedReport,
			Message: "lead/lag report",
			Properties: map[string]any{
				"calls":       r.Calls,
				"bytes":       r.CumulativeBytes,
				"leadSeconds": r.Lead.Seconds(),
			},
			Timestamp: r.At,
		})
	}

	vc := cfg.Visualization
	out := output.New(relay.Config{
		BindAddress:    vc.BindAddress,
		Port:           vc.Port,
		MaxClients:     vc.MaxClients,
		ReapInterval:   vc.ReapInterval,
		WriteTimeout:   vc.WriteTimeout,
		RetryInterval:  vc.RetryInterval,
		ReadBufferSize: vc.ReadBuffer,
	}, loop, log,
		output.WithFeedOptions(feed.WithReportEvery(vc.ReportEvery), feed.WithReportHook(reportHook)),
		output.WithRelayOptions(relay.WithHooks(hooks)),
	)

	if err := out.Enable(ctx); err != nil {
		log.Error("Failed to enable visualization output", "error", err)
		os.Exit(1)
	}

	playerDone := make(chan error, 1)
	if vc.SimulatePlayer {
		p := player.New(out, vc.Format(), vc.PlayerBlock, log)
		go func() { playerDone <- p.Run(ctx) }()
	} else {
		close(playerDone)
	}

	// Status API
	router := routes.NewRouter(out, routeOpts, log)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("Status API starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Status API failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	router.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Status API forced to shutdown", "error", err)
	}

	if err := <-playerDone; err != nil {
		log.Error("Player failed", "error", err)
	}

	if err := out.Disable(); err != nil {
		log.Error("Failed to disable visualization output", "error", err)
	}
	if err := out.Shutdown(); err != nil {
		log.Error("Failed to shut down visualization output", "error", err)
	}

	loop.Stop()
	<-loopDone

	log.Info("Server stopped")
}
