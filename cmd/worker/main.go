package main

import (
	"context"
	"os/signal"
	"syscall"

	"attendguard/internal/activity"
	"attendguard/internal/anomaly"
	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

const activityQueueKey = "attendguard:activity"

// Worker consumes the activity queue, scores each entry against the actor's
// history and alerts the security chat on high risk.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPass)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// Only useful when the API runs in the same process for local
		// development; a separate worker sees nothing.
		log.Warn().Msg("memory queue selected; worker will only see its own messages")
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, activityQueueKey)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, "")
		if err != nil {
			log.Error().Err(err).Msg("telegram unavailable; alerts will only be logged")
		} else {
			notifier = tg
			log.Info().Int64("chat", cfg.TelegramChatID).Msg("telegram alerts enabled")
		}
	}

	// Off-hours follow the school timezone, which admins may override.
	settings := config.NewProvider(cfg.Settings, store.NewSettingsRepo(db.Client), cfg.SettingsTTL, logging.Component(log, "settings"))
	th := anomaly.FromConfig(cfg.Anomaly, settings.Snapshot(ctx).Timezone)
	reviewer := anomaly.NewReviewer(
		activity.NewPostgresStore(db.Client),
		anomaly.NewPostgresStore(db.Client),
		notifier,
		th,
		logging.Component(log, "anomaly"),
	)

	log.Info().Msg("worker started, waiting for activity")
	if err := reviewer.Run(ctx, q); err != nil {
		log.Fatal().Err(err).Msg("queue consume failed")
	}
	log.Info().Msg("worker stopped")
}
