// Demo service is a sample backend that registers itself with the gateway.
// It serves /health plus echo, failure and slow endpoints that make routing
// and circuit breaking easy to watch.
//
// Usage:
//
//	go run ./cmd/demo-service -port 8081 -name order-service -route /api/orders
//
// On SIGINT or SIGTERM it deregisters before exiting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/service-gateway/internal/httpserver"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
	"github.com/angeloszaimis/service-gateway/pkg/registrar"
)

type options struct {
	port       int
	name       string
	host       string
	gateway    string
	routes     string
	preserve   bool
	logLevel   string
	beaconEach time.Duration
}

// EchoResponse describes the request as the service received it.
type EchoResponse struct {
	ID        string            `json:"id"`
	Service   string            `json:"service"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers"`
	BodyBytes int               `json:"bodyBytes"`
}

func main() {
	opts := parseFlags()
	log := logger.New(opts.logLevel, false, "dev").With(slog.String("service", opts.name))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := httpserver.New(fmt.Sprintf(":%d", opts.port), newMux(opts.name, log), httpserver.DefaultTimeouts())
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Start()
	}()

	client := registrar.New(opts.gateway,
		registrar.WithLogger(log),
		registrar.WithBeaconInterval(opts.beaconEach))
	reg := registration(opts)

	if err := client.Register(ctx, reg); err != nil {
		log.Error("Failed to register with gateway", slog.Any("err", err))
	} else {
		go client.RunBeacon(ctx, reg)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Server failed", slog.Any("err", err))
		}
	}

	deregisterCtx, cancelDeregister := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDeregister()
	if err := client.Deregister(deregisterCtx, reg.Name); err != nil {
		log.Warn("Deregistration failed", slog.Any("err", err))
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Error during shutdown", slog.Any("err", err))
	}
}

func parseFlags() options {
	var opts options
	flag.IntVar(&opts.port, "port", 8081, "port to listen on")
	flag.StringVar(&opts.name, "name", "demo-service", "service name registered with the gateway")
	flag.StringVar(&opts.host, "host", "localhost", "host the gateway uses to reach this service")
	flag.StringVar(&opts.gateway, "gateway", "http://localhost:8080", "gateway base URL")
	flag.StringVar(&opts.routes, "route", "", "comma separated route prefixes to claim")
	flag.BoolVar(&opts.preserve, "preserve-path", false, "ask the gateway to forward paths untouched")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.DurationVar(&opts.beaconEach, "beacon", registrar.DefaultBeaconInterval, "registration beacon interval")
	flag.Parse()
	return opts
}

func registration(opts options) registrar.Registration {
	reg := registrar.Registration{
		Name:   opts.name,
		URL:    fmt.Sprintf("http://%s:%d", opts.host, opts.port),
		Health: "/health",
	}
	for _, route := range strings.Split(opts.routes, ",") {
		if route = strings.TrimSpace(route); route != "" {
			reg.Routes = append(reg.Routes, route)
		}
	}
	if opts.preserve {
		reg.Metadata = map[string]any{"preservePath": true}
	}
	return reg
}

func newMux(name string, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// fail answers 500 so the gateway's breaker can be tripped on demand.
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "induced failure", http.StatusInternalServerError)
	})

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		delay, err := strconv.Atoi(r.URL.Query().Get("ms"))
		if err != nil || delay < 0 {
			delay = 1000
		}
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("done"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := EchoResponse{
			ID:        uuid.NewString(),
			Service:   name,
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Headers:   make(map[string]string),
			BodyBytes: int(n),
		}
		for key := range r.Header {
			if strings.HasPrefix(key, "X-") {
				resp.Headers[key] = r.Header.Get(key)
			}
		}

		log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr),
			slog.Int64("bytes", n))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}
