package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inbox/internal/awsutil"
	"inbox/internal/config"
	"inbox/internal/httpapi"
	"inbox/internal/httpserver"
	"inbox/internal/logging"
	"inbox/internal/observability"
	"inbox/internal/providers/workflow"
	sqsqueue "inbox/internal/queue/sqs"
	"inbox/internal/realtime/amqp"
	"inbox/internal/service"
	"inbox/internal/store/pg"
	"inbox/internal/util"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("gateway dotenv load failed", "err", err)
		os.Exit(1)
	}
	cfg := config.LoadGateway()
	logger := logging.Init("ai-gateway", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("gateway db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("gateway sqs client init failed", "err", err)
		os.Exit(1)
	}

	publisher, err := amqp.NewPublisher(cfg.AMQPURL, cfg.RealtimeExchange, "ai-gateway", logger.With("component", "realtime"))
	if err != nil {
		slog.Error("gateway amqp connect failed", "err", err)
		os.Exit(1)
	}
	defer publisher.Close()

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	s := httpserver.New()
	api := &httpserver.API{
		Svc:   &service.AIReplyService{Store: store, Queue: producer},
		Auth:  &httpserver.Auth{Secret: []byte(cfg.JWTSecret)},
		IDGen: util.NewJobID,
	}
	api.Register(s.Mux)

	wh := &httpserver.Webhook{
		Store:           store,
		Publisher:       publisher,
		VerifySignature: workflow.VerifySignature,
		SignatureHeader: workflow.SignatureHeader,
		Secret:          cfg.WorkflowSigningSecret,
	}
	wh.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, httpapi.Check{Name: "db", Fn: store.Ping}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(s.Mux),
	}
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("gateway shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "port", cfg.Port, "metrics_port", cfg.MetricsPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("gateway server failed", "err", err)
		os.Exit(1)
	}
}
