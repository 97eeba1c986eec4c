// Producer: pumps tool-call events from the upstream SSE stream, forwards
// each over the encrypted channel to the executor, delivers results to the
// callback sink, and advances the project cursor. Launched by the supervisor
// with its identity and wiring in the environment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"github.com/toolbridge/backend/internal/channel"
	"github.com/toolbridge/backend/internal/config"
	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/lease"
	"github.com/toolbridge/backend/internal/pump"
	"github.com/toolbridge/backend/internal/state"
	"github.com/toolbridge/backend/internal/upstream"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	// MustLoad already validated the key and identity; any failure past this
	// point is still a configuration error, so it keeps the same exit code.
	cfg := config.MustLoad(os.Getenv("CONFIG_FILE"), "producer")
	userID := cfg.Identity.UserID
	projectID := cfg.Identity.ProjectID
	workspaceID := cfg.Identity.WorkspaceID
	sessionID := cfg.Identity.SessionID
	consumerID := cfg.Identity.ConsumerID

	key, err := envelope.DecodeKey(cfg.Crypto.KeyB64)
	if err != nil {
		log.WithError(err).Error("invalid ENC_KEY_B64")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokens oauth2.TokenSource
	if cfg.Upstream.Audience != "" {
		tokens, err = idtoken.NewTokenSource(ctx, cfg.Upstream.Audience)
		if err != nil {
			log.WithError(err).Fatal("identity token source init failed")
		}
	}
	up := upstream.NewClient(upstream.Config{
		BaseURL:     cfg.Upstream.WorkflowsBaseURL,
		UserID:      userID,
		ProjectID:   projectID,
		TokenSource: tokens,
	})

	sendTimeout := time.Duration(cfg.Timing.SendTimeoutMs) * time.Millisecond
	var sender pump.Sender
	if cfg.PubSub.Topic != "" && cfg.PubSub.Subscription != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.Project)
		if err != nil {
			log.WithError(err).Fatal("pubsub client init failed")
		}
		defer client.Close()
		ch := channel.NewPubSubChannel(channel.PubSubConfig{
			Topic:       client.Topic(cfg.PubSub.Topic),
			Sub:         client.Subscription(cfg.PubSub.Subscription),
			Key:         key,
			UserID:      userID,
			ProjectID:   projectID,
			SessionID:   sessionID,
			SendTimeout: sendTimeout,
		})
		defer ch.Close()
		sender = ch
		log.WithFields(logrus.Fields{
			"subscription": cfg.PubSub.Subscription,
			"peer":         cfg.PubSub.ReplyChannel,
		}).Info("channel: pub/sub")
	} else {
		ch := channel.NewDuplexClient(channel.DuplexConfig{
			URL:              cfg.Upstream.ConsumerBaseURL + "/sessions/stream",
			UserID:           userID,
			ProjectID:        projectID,
			WorkspaceID:      workspaceID,
			SessionID:        sessionID,
			Key:              key,
			SendTimeout:      sendTimeout,
			ReconnectBackoff: time.Duration(cfg.Timing.ReconnectBackoffMs) * time.Millisecond,
		})
		defer ch.Close()
		sender = ch
	}

	// The producer keeps the lease alive; a refresh conflict means another
	// consumer took over and this one must exit.
	var leases *lease.Manager
	if cfg.Redis.Addr != "" && consumerID != "" {
		store := state.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}), "tb:")
		leases = lease.NewManager(store)
		refresher := lease.NewRefresher(leases, userID, projectID,
			consumerID, cfg.Timing.LockLeaseMs, lease.ConsumerLocal, stop)
		go refresher.Run(ctx)
	}

	p := pump.New(up, sender, pump.Config{
		WorkspaceID:             workspaceID,
		SinceID:                 os.Getenv("SINCE_ID"),
		SinceTime:               os.Getenv("SINCE_TIME"),
		SkipCallbackOnToolError: !cfg.Timing.AdvanceOnToolError,
		ReconnectBackoff:        time.Duration(cfg.Timing.ReconnectBackoffMs) * time.Millisecond,
	})

	log.WithFields(logrus.Fields{"project": projectID, "workspace": workspaceID}).Info("producer starting")
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("pump failed")
	}

	// Surrender the lease on the way out; a conflict here just means someone
	// else already took over.
	if leases != nil {
		_, release := cfg.ShutdownBudget()
		rctx, cancel := context.WithTimeout(context.Background(), release)
		defer cancel()
		if _, err := leases.Release(rctx, userID, projectID, consumerID, false); err != nil {
			log.WithError(err).Warn("lease release on shutdown failed")
		}
	}
	log.Info("producer stopped")
}
