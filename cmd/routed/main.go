package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/defistate/defi-route-service-go/cmd/routed/config"
	"github.com/defistate/defi-route-service-go/compute"
	"github.com/defistate/defi-route-service-go/poolregistry"
	"github.com/defistate/defi-route-service-go/routecache"
	"github.com/defistate/defi-route-service-go/service"
	"github.com/defistate/defi-route-service-go/streams/poolupdates"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	rootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		rootLogger.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rootLogger); err != nil {
		rootLogger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	prometheusRegistry := prometheus.DefaultRegisterer

	source, err := poolupdates.NewSource(cfg.PoolSourceURL, logger.With("component", "pool-source"))
	if err != nil {
		return err
	}

	registry, err := poolregistry.New(poolregistry.Config{
		Source:     source,
		Logger:     logger.With("component", "pool-registry"),
		Registerer: prometheusRegistry,
	})
	if err != nil {
		return err
	}

	runner, err := compute.NewRunner(compute.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        logger.With("component", "compute"),
	})
	if err != nil {
		return err
	}

	cache, err := routecache.New(routecache.Config{
		Computer:       runner,
		Logger:         logger.With("component", "route-cache"),
		TTL:            cfg.RouteTTL.Duration,
		MaxStale:       cfg.MaxStale.Duration,
		RefreshTimeout: cfg.RefreshTimeout.Duration,
		MaxRoutes:      cfg.MaxRoutes,
		Registerer:     prometheusRegistry,
	})
	if err != nil {
		return err
	}

	svc, err := service.New(service.Config{
		Registry: registry,
		Cache:    cache,
		Logger:   logger.With("component", "service"),
		MaxHops:  cfg.MaxHops,
	})
	if err != nil {
		return err
	}

	stream, err := poolupdates.NewClient(ctx, poolupdates.Config{
		URL:      cfg.PoolStreamURL,
		Logger:   logger.With("component", "pool-stream"),
		Registry: registry,
	})
	if err != nil {
		return err
	}

	// Warm the registries so the first query does not pay for a bootstrap.
	for _, chain := range cfg.Chains {
		if _, err := registry.EnsureLoaded(ctx, chain); err != nil {
			logger.Warn("Chain bootstrap failed; will retry on first query", "chain", chain, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /routes", routesHandler(svc))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Serving route queries", "addr", cfg.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-stream.Err():
		if err != nil {
			return fmt.Errorf("pool update stream: %w", err)
		}
		return nil
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// routesHandler is the thin HTTP edge: parse, query, encode. Everything
// interesting happens in the service and below.
func routesHandler(svc *service.Service) http.HandlerFunc {
	type routeJSON struct {
		Pools []common.Address `json:"pools"`
	}
	type responseJSON struct {
		Routes []routeJSON `json:"routes"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		routes, err := svc.Routes(r.Context(), q)
		switch {
		case errors.Is(err, service.ErrInvalidQuery):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		resp := responseJSON{Routes: make([]routeJSON, len(routes))}
		for i, rt := range routes {
			resp.Routes[i] = routeJSON{Pools: rt.PoolAddresses()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func parseQuery(r *http.Request) (service.RouteQuery, error) {
	values := r.URL.Query()

	chain, err := strconv.ParseUint(values.Get("chain"), 10, 64)
	if err != nil {
		return service.RouteQuery{}, fmt.Errorf("invalid chain: %w", err)
	}
	maxHops, err := strconv.Atoi(values.Get("maxHops"))
	if err != nil {
		return service.RouteQuery{}, fmt.Errorf("invalid maxHops: %w", err)
	}
	if !common.IsHexAddress(values.Get("tokenIn")) || !common.IsHexAddress(values.Get("tokenOut")) {
		return service.RouteQuery{}, errors.New("tokenIn and tokenOut must be hex addresses")
	}

	direction := service.TradeDirection(values.Get("direction"))
	if direction == "" {
		direction = service.ExactInput
	}

	return service.RouteQuery{
		Chain:     chain,
		TokenIn:   common.HexToAddress(values.Get("tokenIn")),
		TokenOut:  common.HexToAddress(values.Get("tokenOut")),
		MaxHops:   maxHops,
		Direction: direction,
	}, nil
}
