// Command executor runs the long-lived server process: it owns the file
// store and result cache, accepts worker connections on one TCP listener
// and client evaluation requests on another, and exposes Prometheus
// metrics over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gradedag/internal/cache"
	"gradedag/internal/config"
	"gradedag/internal/executor"
	"gradedag/internal/logger"
	"gradedag/internal/metrics"
	"gradedag/internal/store"
	"gradedag/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	metricsAddr := flag.String("metrics-addr", ":9002", "address for the /metrics and /debug/pprof endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[executor] config: %v", err)
	}

	runID := logger.GenerateRunID()
	if err := logger.InitLogger("logs", runID); err != nil {
		log.Fatalf("[executor] logger: %v", err)
	}
	defer logger.Close()

	st, err := store.Open(cfg.Store.Dir, cfg.Store.MaxBytes)
	if err != nil {
		log.Fatalf("[executor] store: %v", err)
	}

	c, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		log.Fatalf("[executor] cache: %v", err)
	}
	defer c.Close()

	if cfg.Tracing.Enabled {
		if err := metrics.InitTracing(cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint); err != nil {
			log.Fatalf("[executor] tracing: %v", err)
		}
		defer metrics.ShutdownTracing()
	}

	ex := executor.New(st, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("[executor] shutting down")
		cancel()
	}()

	workerLn, err := net.Listen("tcp", cfg.Listen.WorkerAddress)
	if err != nil {
		log.Fatalf("[executor] listen workers: %v", err)
	}
	go func() {
		if err := ex.ServeWorkers(ctx, workerLn); err != nil {
			log.Printf("[executor] serve workers: %v", err)
		}
	}()

	clientLn, err := net.Listen("tcp", cfg.Listen.ClientAddress)
	if err != nil {
		log.Fatalf("[executor] listen clients: %v", err)
	}
	go serveClients(ctx, ex, clientLn)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		log.Printf("[executor] metrics on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[executor] metrics server: %v", err)
		}
	}()

	log.Printf("[executor] workers on %s, clients on %s", cfg.Listen.WorkerAddress, cfg.Listen.ClientAddress)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)
	workerLn.Close()
	clientLn.Close()
}

// serveClients accepts client connections serially: one evaluation at a
// time, matching the single in-flight scheduler the Executor holds.
func serveClients(ctx context.Context, ex *executor.Executor, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[executor] accept client: %v", err)
			continue
		}
		func() {
			defer conn.Close()
			if err := ex.ServeClientConn(ctx, wire.NewConn(conn)); err != nil {
				log.Printf("[executor] client conn: %v", err)
			}
		}()
	}
}
