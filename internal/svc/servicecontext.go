package svc

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/nats-io/nats.go"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	execcache "execution-core/internal/cache"
	"execution-core/internal/config"
	"execution-core/internal/dispatch"
	"execution-core/internal/model"
	"execution-core/internal/order"
	"execution-core/internal/position"
	"execution-core/internal/resilience"
)

// ServiceContext wires the store, cache, and bus connections into the
// engine's core components: the order processor, position keeper, and
// message dispatcher.
type ServiceContext struct {
	Config config.Config

	DBConn sqlx.SqlConn
	Redis  cache.Cache
	Nats   *nats.Conn

	OrdersModel    model.OrdersModel
	TradesModel    model.TradesModel
	PositionsModel model.PositionsModel

	Keeper     *position.Keeper
	Processor  *order.Processor
	Dispatcher *dispatch.Dispatcher

	NatsBreaker *resilience.CircuitBreaker
}

// NewServiceContext connects to Postgres, Redis, and NATS (each guarded by
// bounded retry, per the resilience spec's "used only for startup connects"
// rule) and wires the core engine components on top of them.
func NewServiceContext(ctx context.Context, c config.Config) (*ServiceContext, error) {
	svc := &ServiceContext{Config: c}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  c.Resilience.MaxAttempts,
		InitialDelay: c.Resilience.InitialDelay,
		MaxDelay:     c.Resilience.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}

	var conn sqlx.SqlConn
	if err := resilience.Retry(ctx, "postgres connect", retryCfg, func() error {
		conn = sqlx.NewSqlConn("pgx", c.Postgres.DataSource)
		return conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error { return nil })
	}); err != nil {
		return nil, fmt.Errorf("svc: connect postgres: %w", err)
	}
	svc.DBConn = conn
	if db, err := conn.RawDB(); err == nil {
		db.SetMaxOpenConns(c.Postgres.MaxOpen)
		db.SetMaxIdleConns(c.Postgres.MaxIdle)
		db.SetConnMaxLifetime(c.Postgres.MaxLifetime)
	}

	if len(c.Cache) > 0 {
		var redisCache cache.Cache
		if err := resilience.Retry(ctx, "redis connect", retryCfg, func() error {
			var err error
			redisCache, err = cache.NewCache(c.Cache)
			return err
		}); err != nil {
			return nil, fmt.Errorf("svc: connect redis: %w", err)
		}
		svc.Redis = redisCache
	}

	var nc *nats.Conn
	if err := resilience.Retry(ctx, "nats connect", retryCfg, func() error {
		var err error
		nc, err = nats.Connect(c.Nats.URL, nats.Timeout(c.Nats.RequestTimeout))
		return err
	}); err != nil {
		return nil, fmt.Errorf("svc: connect nats: %w", err)
	}
	svc.Nats = nc

	svc.NatsBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "nats",
		FailureThreshold: c.Resilience.CircuitFailures,
		SuccessThreshold: c.Resilience.CircuitSuccesses,
		Timeout:          c.Resilience.CircuitTimeout,
		HalfOpenMaxCalls: c.Resilience.CircuitHalfOpenN,
	})

	svc.OrdersModel = model.NewOrdersModel(conn)
	svc.TradesModel = model.NewTradesModel(conn)
	svc.PositionsModel = model.NewPositionsModel(conn)

	svc.Keeper = position.NewKeeper(svc.PositionsModel)

	ttl := execcache.NewTTLSet(c.TTL)
	var idempotency order.Cache
	if svc.Redis != nil {
		idempotency = svc.Redis
	}
	svc.Processor = order.NewProcessor(svc.OrdersModel, svc.TradesModel, svc.Keeper, idempotency, execcache.IdempotencyTTL(ttl))

	svc.Dispatcher = dispatch.NewDispatcher(nc, svc.Processor, svc.Keeper, svc.NatsBreaker)

	if _, err := svc.Keeper.LoadPositions(ctx); err != nil {
		return nil, fmt.Errorf("svc: load positions: %w", err)
	}
	if _, err := svc.Processor.LoadOpenOrders(ctx); err != nil {
		return nil, fmt.Errorf("svc: load open orders: %w", err)
	}

	logx.Infof("svc: ready (env=%s)", c.Env)
	return svc, nil
}

// Close releases the store and bus connections. Redis's cache.Cache has no
// exported close; it is process-lifetime like the rest of go-zero's cache
// abstraction.
func (s *ServiceContext) Close() {
	if s.Nats != nil {
		s.Nats.Close()
	}
	if s.DBConn != nil {
		if db, err := s.DBConn.RawDB(); err == nil {
			_ = db.Close()
		}
	}
}
