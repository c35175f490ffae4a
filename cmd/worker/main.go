// Command worker connects to an executor, pulls executions, runs them
// inside a sandbox, and reports results, until the connection closes.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"gradedag/internal/config"
	"gradedag/internal/sandbox"
	"gradedag/internal/store"
	"gradedag/internal/wire"
	"gradedag/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	id := flag.String("id", "", "worker id (defaults to hostname-pid)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[worker] config: %v", err)
	}

	workerID := *id
	if workerID == "" {
		workerID = cfg.Worker.ID
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host + "-" + strconv.Itoa(os.Getpid())
	}

	if err := os.MkdirAll(cfg.Worker.BoxRoot, 0755); err != nil {
		log.Fatalf("[worker] box root: %v", err)
	}
	st, err := store.Open(cfg.Store.Dir, cfg.Store.MaxBytes)
	if err != nil {
		log.Fatalf("[worker] store: %v", err)
	}

	conn, err := net.Dial("tcp", cfg.Worker.ExecutorAddress)
	if err != nil {
		log.Fatalf("[worker] dial %s: %v", cfg.Worker.ExecutorAddress, err)
	}
	defer conn.Close()

	sb := sandbox.New(cfg.Sandbox.BinaryPath)
	if cfg.Sandbox.Keep {
		sb.Keep()
	}

	w := &worker.Worker{
		ID:      workerID,
		Conn:    wire.NewConn(conn),
		Store:   st,
		Sandbox: sb,
		BoxRoot: filepath.Clean(cfg.Worker.BoxRoot),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("[worker] shutting down")
		cancel()
	}()

	log.Printf("[worker] %s connected to %s", workerID, cfg.Worker.ExecutorAddress)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("[worker] run: %v", err)
	}
}
