// Executor: runs tools inside the session workspace and answers encrypted
// requests from the producer, either over the pub/sub exchange or over the
// HTTP duplex stream. Keeps the blob mirror in sync with object storage.
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

	"github.com/toolbridge/backend/internal/channel"
	"github.com/toolbridge/backend/internal/config"
	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/lease"
	"github.com/toolbridge/backend/internal/mirror"
	"github.com/toolbridge/backend/internal/state"
	"github.com/toolbridge/backend/internal/tools"
	"github.com/toolbridge/backend/internal/workspace"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	// MustLoad already validated the key and identity; any failure past this
	// point is still a configuration error, so it keeps the same exit code.
	cfg := config.MustLoad(os.Getenv("CONFIG_FILE"), "executor")
	scope := workspace.Scope{
		UserID:      cfg.Identity.UserID,
		ProjectID:   cfg.Identity.ProjectID,
		WorkspaceID: cfg.Identity.WorkspaceID,
		SessionID:   cfg.Identity.SessionID,
	}

	key, err := envelope.DecodeKey(cfg.Crypto.KeyB64)
	if err != nil {
		log.WithError(err).Error("invalid ENC_KEY_B64")
		os.Exit(2)
	}

	workRoot, err := workspace.EnsureWorkRoot(cfg.Workspace.WorkRootBase, cfg.Workspace.WorkPrefixTemplate, scope)
	if err != nil {
		log.WithError(err).Fatal("work root unavailable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A refresh conflict means another consumer owns the project now; this
	// executor must surrender and exit.
	if consumerID := cfg.Identity.ConsumerID; cfg.Redis.Addr != "" && consumerID != "" {
		store := state.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}), "tb:")
		refresher := lease.NewRefresher(lease.NewManager(store), scope.UserID, scope.ProjectID,
			consumerID, cfg.Timing.LockLeaseMs, lease.ConsumerLocal, stop)
		go refresher.Run(ctx)
	}

	var syncer tools.Syncer
	if cfg.GCS.Bucket != "" {
		m := mirror.New(workRoot, mirror.NewGCSFactory(cfg.GCS.BillingProject), mirror.Options{
			DownloadConcurrency: int64(cfg.GCS.DownloadConcurrency),
			UploadConcurrency:   int64(cfg.GCS.UploadConcurrency),
			EnableUpload:        cfg.GCS.EnableUpload,
		})
		syncer = m
		prefix := mirror.ExpandPrefix(cfg.GCS.PrefixTemplate, scope)
		if cfg.GCS.SyncIntervalMs > 0 {
			go m.RunTimer(ctx, cfg.GCS.Bucket, prefix,
				time.Duration(cfg.GCS.SyncIntervalMs)*time.Millisecond, cfg.GCS.SyncOnStart)
		} else if cfg.GCS.SyncOnStart {
			if _, err := m.Sync(ctx, cfg.GCS.Bucket, prefix, ""); err != nil {
				log.WithError(err).Warn("initial blob sync failed")
			}
		}
	}

	rt := tools.NewRuntime(workRoot, syncer, tools.Options{
		ReadFileMaxBytes:  int(cfg.Tools.ReadFileMaxBytes),
		OutputMaxBytes:    int(cfg.Tools.OutputMaxBytes),
		CommandTimeoutSec: int(cfg.Tools.RunCommandTimeoutSecs),
	})

	if cfg.PubSub.Topic != "" && cfg.PubSub.Subscription != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.Project)
		if err != nil {
			log.WithError(err).Fatal("pubsub client init failed")
		}
		defer client.Close()

		srv := channel.NewPubSubServer(channel.PubSubConfig{
			Topic:     client.Topic(cfg.PubSub.Topic),
			Sub:       client.Subscription(cfg.PubSub.Subscription),
			Key:       key,
			UserID:    scope.UserID,
			ProjectID: scope.ProjectID,
			SessionID: scope.SessionID,
		}, rt, time.Duration(cfg.Timing.IdleExitMs)*time.Millisecond)

		log.WithFields(logrus.Fields{
			"subscription": cfg.PubSub.Subscription,
			"peer":         cfg.PubSub.ReplyChannel,
		}).Info("executor consuming")
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Fatal("pubsub serve failed")
		}
	} else {
		// The stream mode has no subscription to go quiet, so the idle-exit
		// timer watches processed frames instead.
		var onFrame func()
		if cfg.Timing.IdleExitMs > 0 {
			idle := time.Duration(cfg.Timing.IdleExitMs) * time.Millisecond
			idleTimer := time.AfterFunc(idle, func() {
				log.WithField("idle", idle).Info("no tool requests, exiting")
				stop()
			})
			defer idleTimer.Stop()
			onFrame = func() { idleTimer.Reset(idle) }
		}
		stream := channel.NewStreamServer(rt, key,
			time.Duration(cfg.Timing.EventsHeartbeatMs)*time.Millisecond, onFrame)
		mux := http.NewServeMux()
		mux.Handle("/sessions/stream", stream)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

		go func() {
			log.WithField("addr", cfg.Server.Addr).Info("executor listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("http server failed")
			}
		}()
		<-ctx.Done()

		hooks, _ := cfg.ShutdownBudget()
		shutCtx, cancel := context.WithTimeout(context.Background(), hooks)
		defer cancel()
		srv.Shutdown(shutCtx)
	}
	log.Info("executor stopped")
}
