// Supervisor: the bridge control plane. Exposes /producer/start and
// /producer/stop, owns the project lease handshake, and launches the
// producer/executor pair locally (docker) or as managed cloud jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/config"
	"github.com/toolbridge/backend/internal/state"
	"github.com/toolbridge/backend/internal/supervisor"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	cfg := config.MustLoad(os.Getenv("CONFIG_FILE"), "supervisor")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store state.Store = state.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		store = state.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}), "tb:")
		log.WithField("addr", cfg.Redis.Addr).Info("using redis document store")
	}

	var local, cloud supervisor.Launcher
	if l, err := supervisor.NewDockerLauncher(cfg); err != nil {
		log.WithError(err).Warn("docker unavailable, local mode disabled")
	} else {
		local = l
	}
	if cfg.CloudRun.ProducerJob != "" {
		l, err := supervisor.NewCloudRunLauncher(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("cloud run launcher init failed")
		}
		cloud = l
	}

	var admin supervisor.SubscriptionAdmin
	if cfg.PubSub.Project != "" && cfg.PubSub.Topic != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.Project)
		if err != nil {
			log.WithError(err).Fatal("pubsub client init failed")
		}
		defer client.Close()
		admin = &supervisor.PubSubAdmin{
			Client:             client,
			Topic:              client.Topic(cfg.PubSub.Topic),
			PeerServiceAccount: os.Getenv("PEER_SERVICE_ACCOUNT"),
		}
	}

	sup := supervisor.New(cfg, store, local, cloud, admin)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           sup.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sup.OnShutdown(func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
	})

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("supervisor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	sup.Shutdown()
	log.Info("supervisor stopped")
}
