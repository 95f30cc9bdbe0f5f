package main

import (
	"log"
	"os"
	"strings"

	"reactor/internal/config"
	"reactor/internal/engine/task"
	"reactor/internal/functions"
	"reactor/internal/payload"
	"reactor/internal/workerruntime"
)

// reactor-worker is the isolated compute process. It speaks the dispatch
// protocol on stdin/stdout; logs go to stderr so they never corrupt frames.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("worker config: %v", err)
	}

	reg := task.NewRegistry()
	if err := functions.Register(reg); err != nil {
		log.Fatalf("worker function table: %v", err)
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
		log.Fatalf("worker payload store: %v", err)
	}

	workerID := strings.TrimSpace(os.Getenv("REACTOR_WORKER_ID"))
	if workerID == "" {
		workerID = "w?"
	}

	if err := workerruntime.Serve(workerID, os.Stdin, os.Stdout, workerruntime.Options{
		Registry:       reg,
		Payloads:       payloads,
		SpillThreshold: cfg.Payload.SpillThreshold,
	}); err != nil {
		log.Fatalf("worker %s: %v", workerID, err)
	}
}
