package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/anomaly"
	"attendguard/internal/attendance"
	"attendguard/internal/biometric"
	"attendguard/internal/cloudinary"
	"attendguard/internal/config"
	"attendguard/internal/enrollment"
	"attendguard/internal/eventcheckin"
	"attendguard/internal/faceclient"
	"attendguard/internal/handler"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/logging"
	"attendguard/internal/queue"
	"attendguard/internal/ratelimit"
	"attendguard/internal/store"
)

const activityQueueKey = "attendguard:activity"

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	if production(cfg.Env) {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func production(env string) bool {
	return env == "production" || env == "prod"
}

func runHTTP(cfg config.App, log zerolog.Logger) error {
	if cfg.FaceSkip && production(cfg.Env) {
		return errors.New("FACE_SKIP must not be enabled in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPass)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable; rate limiting falls back to memory")
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, activityQueueKey)
	}

	settingsRepo := store.NewSettingsRepo(db.Client)
	settings := config.NewProvider(cfg.Settings, settingsRepo, cfg.SettingsTTL, logging.Component(log, "settings"))

	memLimits := ratelimit.NewMemoryStore()
	go memLimits.Run(ctx, time.Minute)
	limiter := ratelimit.New(logging.Component(log, "ratelimit"), ratelimit.NewRedisStore(redisClient.Client), memLimits)

	actLog := activity.NewLog(activity.NewPostgresStore(db.Client), q, logging.Component(log, "activity"))
	enroll := enrollment.NewWorkflow(enrollment.NewPostgresStore(db.Client), logging.Component(log, "enrollment"))

	rp, err := biometric.NewWebAuthnRP(cfg.WebAuthnRPID, cfg.WebAuthnRPName, cfg.WebAuthnOrigins)
	if err != nil {
		return err
	}
	fingerprints, err := biometric.NewFingerprinter(cfg.FingerprintKey)
	if err != nil {
		return err
	}

	var photos biometric.PhotoUploader
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	if cdn.Configured() {
		photos = cdn
		log.Info().Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")
	} else {
		log.Info().Msg("cloudinary not configured; reference photos stay inline")
	}

	bio := biometric.NewService(biometric.Deps{
		RP:           rp,
		Challenges:   biometric.NewRedisChallengeStore(redisClient.Client),
		Credentials:  biometric.NewPostgresCredentialStore(db.Client),
		Enrollment:   enroll,
		Recorder:     actLog,
		Photos:       photos,
		Fingerprints: fingerprints,
		ChallengeTTL: cfg.ChallengeTTL,
	}, logging.Component(log, "biometric"))

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceServiceKey, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("face service not available; face fallback will fail until it is")
		}
	}

	events := eventcheckin.NewService(eventcheckin.NewPostgresRepository(db.Client), actLog, logging.Component(log, "events"))

	att := attendance.NewService(attendance.Deps{
		Settings: settings,
		Limiter:  limiter,
		Identity: []attendance.IdentityVerifier{
			attendance.WebAuthnVerifier{Biometrics: bio},
			attendance.FaceVerifier{Matcher: face},
		},
		Enrollment: enroll,
		Events:     events,
		Repo:       attendance.NewRepository(db.Client),
		Recorder:   actLog,
	}, logging.Component(log, "attendance"))

	h, err := handler.New(handler.Deps{
		Attendance:     att,
		Biometrics:     bio,
		Enrollment:     enroll,
		Events:         events,
		Activity:       actLog,
		ActivityLog:    actLog,
		Assessments:    anomaly.NewPostgresStore(db.Client),
		Limiter:        limiter,
		Settings:       settings,
		SettingsWriter: settingsRepo,
		Probes: map[string]handler.Probe{
			"db":    db.Healthy,
			"redis": redisClient.Healthy,
		},
		JWTSigningKey: cfg.JWTSigningKey,
		JWTIssuer:     cfg.JWTIssuer,
	}, logging.Component(log, "http"))
	if err != nil {
		return err
	}

	r := gin.New()
	// Client IPs feed the network check and per-IP limits, so forwarding
	// headers count only from configured proxies.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logging.Component(log, "access"), "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.WebAuthnOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case err := <-errCh:
		return err
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}
