package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/delivery"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

const dialTimeout = 5 * time.Second

// Relay is one gateway process: the HTTP front, the delivery coordinator and
// the broker bridge with its stores.
type Relay struct {
	cfg      *Config
	logger   *zap.Logger
	registry *registry.Registry
	bridge   *broker.Bridge
	presence *presence.Service
	coord    *delivery.Coordinator
	handler  http.Handler
	http     *http.Server
}

// New builds a relay from cfg. The broker log and cursor store are opened
// here and closed by Shutdown.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	guard, err := auth.NewGuard(auth.Config{
		Secret:    []byte(cfg.Auth.Secret),
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	log, err := openLog(ctx, cfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	cursors, err := openCursors(cfg.Cursor, logger)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	reg := registry.New(registry.DefaultShards)
	bridge := broker.NewBridge(log, cursors, cfg.BridgeSettings(), logger.Named("broker"))
	pres := presence.New(bridge, reg, logger.Named("presence"))
	coord := delivery.New(cfg.SessionSettings(), guard, reg, bridge, pres, logger.Named("delivery"))

	gateway := NewGateway(coord, pres, cfg.Server, logger.Named("gateway"))
	mux := SetupRoutes(gateway, cfg.Metrics)

	return &Relay{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		bridge:   bridge,
		presence: pres,
		coord:    coord,
		handler:  mux,
		http:     CreateServer(cfg.Server, mux),
	}, nil
}

func openLog(ctx context.Context, cfg BrokerConfig, logger *zap.Logger) (broker.Log, error) {
	switch cfg.Driver {
	case DriverRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		log := broker.NewRedisLog(client, broker.RedisConfig{
			Prefix: cfg.Prefix,
			MaxLen: cfg.MaxLen,
			Logger: logger.Named("redis"),
		})

		pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := log.Ping(pingCtx); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("connecting to redis %v: %w", cfg.RedisAddrs, err)
		}
		_, cluster := client.(*redis.ClusterClient)
		logger.Info("using redis broker log",
			zap.Strings("addrs", cfg.RedisAddrs),
			zap.String("prefix", cfg.Prefix),
			zap.Bool("cluster", cluster))
		return log, nil
	default:
		logger.Warn("using in-memory broker log; messages are not shared with other instances")
		return broker.NewMemoryLog(int(cfg.MaxLen)), nil
	}
}

func openCursors(cfg CursorConfig, logger *zap.Logger) (broker.CursorStore, error) {
	switch cfg.Driver {
	case DriverBadger:
		store, err := broker.OpenBadgerCursors(broker.BadgerConfig{
			Dir:        cfg.Dir,
			NodeID:     cfg.NodeID,
			GCInterval: cfg.GCInterval,
			Logger:     logger.Named("cursors"),
		})
		if err != nil {
			return nil, fmt.Errorf("opening cursor store: %w", err)
		}
		return store, nil
	default:
		return broker.NewMemoryCursors(), nil
	}
}

// Handler returns the HTTP routes of the relay.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Coordinator returns the delivery coordinator.
func (r *Relay) Coordinator() *delivery.Coordinator {
	return r.coord
}

// Run listens on the configured address and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.http.Addr)
	if err != nil {
		_ = r.closeStores()
		return fmt.Errorf("listening on %s: %w", r.http.Addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the broker consumer and the HTTP server on ln until ctx is
// cancelled or either fails, then shuts everything down.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The consumer outlives ctx so sessions keep receiving while they
		// drain; Shutdown stops it through the bridge.
		err := r.bridge.Run(context.WithoutCancel(gctx), r.coord.Dispatch)
		if errors.Is(err, broker.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		r.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
		if err := r.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return r.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting upgrades, closes every session with 1001, drains
// in-flight publishes and closes the broker stores.
func (r *Relay) Shutdown() error {
	timeout := r.cfg.Server.ShutdownTimeout
	var errs []error

	httpCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.http.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	sessionCtx, cancelSessions := context.WithTimeout(context.Background(), timeout)
	defer cancelSessions()
	if err := r.coord.Shutdown(sessionCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}

	if err := r.closeStores(); err != nil {
		errs = append(errs, fmt.Errorf("closing broker: %w", err))
	}

	r.logger.Info("relay stopped")
	return errors.Join(errs...)
}

func (r *Relay) closeStores() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Broker.DrainTimeout)
	defer cancel()
	return r.bridge.Close(drainCtx)
}
