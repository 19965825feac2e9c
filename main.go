package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"wainbox/config"
	"wainbox/internal/events"
	"wainbox/internal/gateway"
	"wainbox/internal/handlers"
	"wainbox/internal/inbox"
	"wainbox/internal/media"
	"wainbox/internal/outbound"
	"wainbox/internal/queue"
	"wainbox/internal/reconcile"
	"wainbox/internal/resolver"
	"wainbox/internal/store"
	"wainbox/internal/wsnotify"
	"wainbox/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	res := resolver.New(st, cfg.ChannelCacheTTL)

	engine, err := inbox.NewEngine(st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build inbox engine")
	}

	var archiver media.Archiver
	if s3, err := media.NewS3Archiver(cfg.S3); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure S3 archival")
	} else if s3 != nil {
		archiver = s3
	}
	pipeline := media.NewPipeline(cfg.MediaRoot, archiver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wsnotify.NewHub()
	go hub.Run(ctx)

	router, err := events.NewRouter(events.Config{
		Store:        st,
		Resolver:     res,
		Engine:       engine,
		Media:        pipeline,
		Notifier:     hub,
		QRToTerminal: cfg.QRToTerminal,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build event router")
	}

	sender, err := outbound.NewSender(st, gw, outbound.NewSendLock(cfg.SendLockTTL))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build outbound sender")
	}

	broker, err := queue.NewBroker(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer broker.Close()

	eventQueue, err := queue.NewDispatcher("events", cfg.EventWorkers,
		func(ctx context.Context, task *queue.Task) error {
			var env events.Envelope
			if err := json.Unmarshal(task.Payload, &env); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("Undecodable event task dropped")
				return nil
			}
			return router.Handle(ctx, &env)
		},
		nil,
		broker.ParkFuncFor("events"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build event queue")
	}

	brokerPark := broker.ParkFuncFor("outbound")
	outboundPark := func(task *queue.Task, lastErr error) {
		var cmd outbound.Command
		if err := json.Unmarshal(task.Payload, &cmd); err == nil {
			sender.Abandon(&cmd)
		}
		if brokerPark != nil {
			brokerPark(task, lastErr)
		}
	}
	outboundQueue, err := queue.NewDispatcher("outbound", cfg.OutboundWorkers,
		func(ctx context.Context, task *queue.Task) error {
			var cmd outbound.Command
			if err := json.Unmarshal(task.Payload, &cmd); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("Undecodable send task dropped")
				return nil
			}
			return sender.Send(ctx, &cmd)
		},
		map[string]queue.RetryPolicy{
			"send": {MaxAttempts: 5, Backoff: 2 * time.Second},
		},
		outboundPark)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build outbound queue")
	}

	eventQueue.Start(ctx)
	outboundQueue.Start(ctx)

	// With a broker, also consume tasks published by other processes.
	if broker != nil {
		err = broker.Consume("events", func(body []byte) error {
			var env events.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				log.Warn().Err(err).Msg("Undecodable broker event dropped")
				return nil
			}
			return router.Handle(ctx, &env)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to consume event queue")
		}
		err = broker.Consume("outbound", func(body []byte) error {
			var cmd outbound.Command
			if err := json.Unmarshal(body, &cmd); err != nil {
				log.Warn().Err(err).Msg("Undecodable broker send dropped")
				return nil
			}
			return sender.Send(ctx, &cmd)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to consume outbound queue")
		}
	}

	reconciler, err := reconcile.New(st, gw, cfg.ReconcileInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build reconciler")
	}
	reconciler.Start(ctx)

	srv, err := handlers.NewServer(handlers.Config{
		Store:         st,
		Gateway:       gw,
		Sender:        sender,
		Engine:        engine,
		Resolver:      res,
		Router:        router,
		Hub:           hub,
		EventQueue:    eventQueue,
		OutboundQueue: outboundQueue,
		WebhookPath:   cfg.WebhookPath,
		WebhookToken:  cfg.WebhookToken,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build HTTP server")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("webhook_path", cfg.WebhookPath).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	reconciler.Stop()
	eventQueue.Stop()
	outboundQueue.Stop()
	cancel()
	log.Info().Msg("Shutdown complete")
}
