package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/denis201520182022/Bot-HH-tg/internal/http"
	"github.com/denis201520182022/Bot-HH-tg/internal/http/handlers"
	"github.com/denis201520182022/Bot-HH-tg/internal/queue"
	"github.com/denis201520182022/Bot-HH-tg/internal/worker"
	"github.com/spf13/cobra"
)

func newRunCommand(logger *log.Logger) *cobra.Command {
	var withoutHTTP bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dialogue cycle and the status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, logger, !withoutHTTP)
		},
	}
	cmd.Flags().BoolVar(&withoutHTTP, "no-http", false, "do not start the status API")
	return cmd
}

func runWorker(ctx context.Context, logger *log.Logger, serveHTTP bool) error {
	rt, err := newRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	gateway := rt.setupGateway()
	model, err := rt.setupModel()
	if err != nil {
		return err
	}
	locker, err := rt.setupLocker()
	if err != nil {
		return err
	}
	events, local, err := rt.setupQueue(ctx, "")
	if err != nil {
		return err
	}
	if local {
		logger.Printf("NOTIFICATION_PUBLISHER=local, qualified candidates are only logged")
		go func() {
			_ = events.Consume(ctx, queue.LogHandler(logger))
		}()
	}

	folders := worker.Folders{
		Unclassified: cfg.Folders.Unclassified,
		Consider:     cfg.Folders.Consider,
		Interview:    cfg.Folders.Interview,
		Discard:      cfg.Folders.Discard,
	}
	intake := worker.NewIntake(rt.store, gateway, rt.alerts, logger, worker.IntakeConfig{
		Folders:           folders,
		LowLimitThreshold: cfg.LowLimitThreshold,
	})
	responder := worker.NewResponder(rt.store, gateway, model, locker, logger, worker.ResponderConfig{
		Folders:        folders,
		DebounceWindow: cfg.Cycle.DebounceWindow,
		TypingDelayMin: cfg.Cycle.TypingDelayMin,
		TypingDelayMax: cfg.Cycle.TypingDelayMax,
	})
	reminders := worker.NewReminders(rt.store, gateway, locker, logger, worker.ReminderConfig{
		First:  cfg.Reminders.First,
		Second: cfg.Reminders.Second,
		Third:  cfg.Reminders.Third,
		Final:  cfg.Reminders.Final,
	})
	relay := worker.NewRelay(rt.store, events, logger, worker.RelayConfig{
		BatchSize: cfg.Cycle.RelayBatchSize,
	})
	scheduler := worker.NewScheduler(rt.store, intake, responder, reminders, relay, logger, worker.SchedulerConfig{
		Pause:                 cfg.Cycle.Pause,
		CrashPause:            cfg.Cycle.CrashPause,
		MaxParallelRecruiters: cfg.Cycle.MaxParallelRecruiters,
	})

	var server *http.Server
	if serveHTTP {
		server = &http.Server{
			Addr: ":" + cfg.Port,
			Handler: httpserver.NewRouter(ctx, httpserver.RouterDependencies{
				API:            handlers.NewAPI(rt.store),
				Logger:         logger,
				AuthToken:      cfg.AuthToken,
				CORSOrigins:    cfg.CORSOrigins,
				RateLimitRPS:   cfg.RateLimitRPS,
				RateLimitBurst: cfg.RateLimitBurst,
			}),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Printf("status api listening on :%s", cfg.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("status api failed: %v", err)
			}
		}()
	}

	err = scheduler.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Printf("graceful shutdown failed: %v", shutdownErr)
		}
	}
	return err
}
