package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ride-dispatch/internal/auth"
	"ride-dispatch/internal/config"
	"ride-dispatch/internal/dispatch"
	"ride-dispatch/internal/drivers"
	"ride-dispatch/internal/fanout"
	"ride-dispatch/internal/geoindex"
	"ride-dispatch/internal/jwt"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/notify"
	"ride-dispatch/internal/postgres"
	"ride-dispatch/internal/push"
	"ride-dispatch/internal/registry"
	"ride-dispatch/internal/rides"
	"ride-dispatch/internal/stream"
	"ride-dispatch/internal/ws"
)

// Run wires the coordinator and blocks until ctx is cancelled.
func Run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewWithOutput("dispatch-coordinator", os.Stdout, cfg.LogLevel)
	log.Info(ctx, "service_starting", "Dispatch coordinator starting", map[string]any{"port": cfg.Server.Port})

	pool, err := postgres.NewPool(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
		return err
	}
	defer pool.Close()

	redisClient, err := geoindex.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		log.Error(ctx, "redis_connection_failed", "Failed to connect to Redis", err, nil)
		return err
	}
	defer redisClient.Close()

	pushClient, err := push.Connect(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "push_connection_failed", "Failed to connect the push bridge", err, nil)
		return err
	}
	defer pushClient.Close()

	streamer := stream.NewKafkaStreamer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer streamer.Close()

	// stores and collaborators
	rideStore := postgres.NewRideStore(pool)
	driverStore := postgres.NewDriverStore(pool)
	locationStore := postgres.NewLocationStore(pool)
	notificationStore := postgres.NewNotificationStore(pool)
	identityStore := postgres.NewIdentityStore(pool)
	geoIdx := geoindex.NewRedisIndex(redisClient, cfg.Redis.GeoKey)

	// core services
	reg := registry.New(log)
	driverMgr := drivers.NewManager(driverStore, geoIdx, log)
	machine := rides.NewMachine(rideStore, driverMgr, log)
	broadcaster := notify.NewBroadcaster(notificationStore, reg, identityStore, push.NewDeliverer(pushClient), log)
	pipeline := fanout.NewPipeline(locationStore, rideStore, driverMgr, reg, streamer, log)
	coordinator := dispatch.NewCoordinator(machine, driverMgr, geoIdx, reg, broadcaster, log,
		cfg.Dispatch.SearchRadiusKM, cfg.Dispatch.SearchLimit)

	// transport
	tokens := jwt.NewManager(cfg.JWT.SecretKey, cfg.JWT.AccessTTL)
	gate := auth.NewGate(tokens, identityStore, log)
	wsServer := ws.NewServer(gate, reg, pipeline, coordinator, broadcaster, log)

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsServer.Handle)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           withConcurrencyLimit(cfg.Server.MaxConcurrent, router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info(ctx, "service_started", "Dispatch coordinator listening", map[string]any{
		"port": cfg.Server.Port, "max_concurrent": cfg.Server.MaxConcurrent,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info(ctx, "service_stopping", "Graceful shutdown started", nil)
		if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http_shutdown_failed", "Failed to shut down HTTP server", err, nil)
		}
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "http_server_error", "HTTP server terminated with error", err, nil)
			return err
		}
	}

	log.Info(ctx, "service_stopped", "Dispatch coordinator stopped", nil)
	return nil
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter
// controlling how many requests can be in progress at once.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
