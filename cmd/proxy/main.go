package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/willkirkmanm/httpcacheproxy/internal/config"
	"github.com/willkirkmanm/httpcacheproxy/internal/server"
	"github.com/willkirkmanm/httpcacheproxy/internal/tracing"
)

// main is the proxy entry point. Its CLI contract is exactly "proxy
// <port>" (spec.md §6): any other argument count prints usage to stderr
// and exits 1, with no flags, config file, or environment variables
// accepted for this contract. Ambient subsystems (tracing, metrics) still
// read internal/config's defaults, since those are carried regardless of
// the forward-proxy contract's minimalism.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
		os.Exit(1)
	}
	port := os.Args[1]

	cfg := config.GetInstance()

	shutdownTracing, err := tracing.InitTracing(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}
	defer shutdownTracing()

	srv := server.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("proxy listening on port %s", port)
		if err := srv.Start(ctx, port); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("received termination signal, shutting down gracefully")
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}

	log.Println("proxy stopped")
}
