package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/config"
	"github.com/noah-isme/backend-resto/internal/notify"
	"github.com/noah-isme/backend-resto/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(obs.LogConfig{
		Format:    envOrDefault("OBS_LOG_FORMAT", "json"),
		Level:     envOrDefault("OBS_LOG_LEVEL", "info"),
		Component: "worker",
		Env:       cfg.AppEnv,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}

	queue := cfg.Notify.TaskQueue
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Notify.WorkerConcurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      taskLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(taskCtx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(taskCtx)
			logger.Warn().Err(err).Str("task_type", task.Type()).Int("retried", retried).Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(notify.TypeConfirmationEmail, notify.EmailTaskHandler{
		Email: notify.EmailNotifier{
			Mail:    common.LogEmailSender{Logger: logger},
			Enabled: cfg.Notify.EmailEnabled,
			From:    cfg.Notify.EmailFrom,
		},
		Logger: logger,
	})

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	logger.Info().Str("queue", queue).Int("concurrency", cfg.Notify.WorkerConcurrency).Msg("worker starting")

	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// taskLogger routes asynq's internal logs through zerolog.
type taskLogger struct {
	logger zerolog.Logger
}

func (l taskLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
