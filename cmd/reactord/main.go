package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"reactor/internal/config"
	"reactor/internal/engine/cachestore"
	"reactor/internal/engine/derive"
	"reactor/internal/engine/manager"
	"reactor/internal/engine/pool"
	"reactor/internal/engine/proc"
	"reactor/internal/engine/task"
	"reactor/internal/functions"
	"reactor/internal/notify"
	"reactor/internal/payload"
	"reactor/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var payloads payload.Store
	if cfg.Payload.S3.Enabled {
		payloads, err = payload.NewS3Store(payload.S3Config{
			Endpoint:  cfg.Payload.S3.Endpoint,
			Region:    cfg.Payload.S3.Region,
			AccessKey: cfg.Payload.S3.AccessKey,
			SecretKey: cfg.Payload.S3.SecretKey,
			Bucket:    cfg.Payload.S3.Bucket,
			UseSSL:    cfg.Payload.S3.UseSSL,
		})
	} else {
		payloads, err = payload.NewFileStore(cfg.Payload.Dir, cfg.Payload.MaxAge)
	}
	if err != nil {
		log.Fatalf("payload store: %v", err)
	}

	funcs := task.NewRegistry()
	if err := functions.Register(funcs); err != nil {
		log.Fatalf("function table: %v", err)
	}

	workers, err := pool.New(pool.Config{
		Launcher: &proc.ExecLauncher{
			Command: cfg.Pool.WorkerCommand,
			Env: []string{
				"REACTOR_PAYLOAD_DIR=" + cfg.Payload.Dir,
			},
		},
		MinWorkers:     cfg.Pool.MinWorkers,
		MaxWorkers:     cfg.Pool.MaxWorkers,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		Payloads:       payloads,
		SpillThreshold: cfg.Payload.SpillThreshold,
	})
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	if err := workers.Start(); err != nil {
		log.Fatalf("pool start: %v", err)
	}

	store := cachestore.New()
	hub := notify.NewHub()

	mgr, err := manager.New(manager.Config{
		Pool:     workers,
		Store:    store,
		Notifier: hub,
		Funcs:    funcs,
	})
	if err != nil {
		log.Fatalf("manager: %v", err)
	}

	registry := derive.NewRegistry()
	registerDerived(registry)

	resolver, err := derive.NewResolver(derive.ResolverConfig{
		Registry: registry,
		Store:    store,
		Manager:  mgr,
		Funcs:    funcs,
	})
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	handlers := server.NewHandlers(resolver, mgr, hub)
	srv := server.New(cfg.Port, handlers.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		workers.Join(cfg.Pool.JoinTimeout)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// registerDerived installs the built-in derived computations served by this
// binary. Applications embedding the engine bring their own table.
func registerDerived(registry *derive.Registry) {
	registry.MustRegister(derive.Registration{
		Key:    "sum",
		Fn:     "math.sum",
		Policy: cachestore.PolicyGlobal,
	})
	registry.MustRegister(derive.Registration{
		Key:            "sum.task",
		Fn:             "math.sum",
		Policy:         cachestore.PolicyGlobal,
		ProcessAsTask:  true,
		ReportProgress: true,
	})
	registry.MustRegister(derive.Registration{
		Key:    "concat",
		Fn:     "strings.concat",
		Policy: cachestore.PolicySession,
	})
	registry.MustRegister(derive.Registration{
		Key:           "merge.task",
		Fn:            "data.merge",
		Policy:        cachestore.PolicyGlobal,
		ProcessAsTask: true,
	})
}
