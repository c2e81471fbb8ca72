package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"circulation/internal/cache"
	"circulation/internal/clock"
	"circulation/internal/config"
	"circulation/internal/events"
	"circulation/internal/gateway"
	"circulation/internal/logger"
	"circulation/internal/metrics"
	"circulation/internal/models"
	"circulation/internal/repositories"
)

type testEnv struct {
	db       *gorm.DB
	repos    *repositories.Set
	clock    *clock.Fixed
	bus      *events.Bus
	cache    *cache.Memory
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	gateway  *fakeGateway
	library  LibraryService
	payments PaymentService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.NewGormLogger(zap.NewNop(), "silent"),
	})
	require.NoError(t, err)

	// One connection: every goroutine sees the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	env := &testEnv{
		db:      db,
		repos:   repositories.NewSet(db),
		clock:   clock.NewFixed(start),
		cache:   cache.NewMemory(),
		gateway: &fakeGateway{status: gateway.StatusCompleted},
	}
	env.registry = prometheus.NewRegistry()
	env.metrics = metrics.New(env.registry)
	env.bus = events.NewBus(zap.NewNop())
	opts := Options{
		DB:         db,
		Repos:      env.repos,
		Clock:      env.clock,
		Policy:     testPolicy(),
		Bus:        env.bus,
		Cache:      env.cache,
		ProfileTTL: time.Minute,
		Metrics:    env.metrics,
		Log:        zap.NewNop(),
	}
	env.library = NewLibraryService(opts)
	env.payments = NewPaymentService(opts, env.gateway, config.GatewayConfig{
		Timeout:    50 * time.Millisecond,
		PendingTTL: 30 * time.Minute,
	})
	return env
}

func (e *testEnv) member(t *testing.T) *models.Member {
	t.Helper()
	m, err := e.library.CreateMember(context.Background(), "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)
	return m
}

func (e *testEnv) title(t *testing.T, copies int) *models.Title {
	t.Helper()
	title, err := e.library.CreateTitle(context.Background(), "The Difference Engine", "Gibson", copies)
	require.NoError(t, err)
	return title
}

func (e *testEnv) available(t *testing.T, id uuid.UUID) int {
	t.Helper()
	title, err := e.repos.Titles.GetByID(nil, id)
	require.NoError(t, err)
	return title.AvailableCopies
}

// fakeGateway answers with a fixed status, or blocks until the context ends
// when hang is set.
type fakeGateway struct {
	mu     sync.Mutex
	status gateway.Status
	reason string
	hang   bool
	err    error
	calls  []gateway.Request
}

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	status, reason, hang, err := g.status, g.reason, g.hang, g.err
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &gateway.Result{TransactionID: "txn_" + req.Reference.String()[:8], Status: status, Reason: reason}, nil
}

func (g *fakeGateway) set(status gateway.Status, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status, g.reason = status, reason
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
