package trader

import (
	"context"
	"testing"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/credentials"
	"trade-mirror-go/internal/database"
	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/models"
	"trade-mirror-go/internal/notify"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockBroker is a mock implementation of kite.Broker.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) FetchRecentTrades(ctx context.Context, cred kite.Credential) ([]kite.RawTrade, error) {
	args := m.Called(ctx, cred)
	trades, _ := args.Get(0).([]kite.RawTrade)
	return trades, args.Error(1)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, cred kite.Credential, spec kite.OrderSpec) (string, error) {
	args := m.Called(ctx, cred, spec)
	return args.String(0), args.Error(1)
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, cred kite.Credential, orderID string) (*kite.OrderStatus, error) {
	args := m.Called(ctx, cred, orderID)
	status, _ := args.Get(0).(*kite.OrderStatus)
	return status, args.Error(1)
}

func (m *MockBroker) GetPositions(ctx context.Context, cred kite.Credential) ([]kite.Position, error) {
	args := m.Called(ctx, cred)
	positions, _ := args.Get(0).([]kite.Position)
	return positions, args.Error(1)
}

// MockPublisher is a mock implementation of pubsub.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

type testEnv struct {
	store     *database.Store
	broker    *MockBroker
	publisher *MockPublisher
	sealer    *credentials.Sealer
	vault     *credentials.Vault
	fanout    *notify.Fanout
	executor  *Executor
	cfg       *config.Config
}

// setupTest creates a full test environment with a mock broker and an in-memory DB.
func setupTest(t *testing.T) *testEnv {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	store := database.NewStore(db)

	key, err := credentials.GenerateKey()
	require.NoError(t, err)
	sealer, err := credentials.NewSealer(key)
	require.NoError(t, err)

	cfg := &config.Config{
		Kite: config.Kite{Exchange: "NSE", Product: "CNC"},
		Polling: config.Polling{
			Interval:       time.Second,
			JobTimeout:     time.Second,
			MaxAttempts:    3,
			RetryDelay:     time.Millisecond,
			MaxConcurrency: 2,
		},
		StatusRefresh: config.StatusRefresh{Interval: time.Second, BatchSize: 50, MaxAge: 24 * time.Hour},
	}

	logger := zap.NewNop()
	broker := new(MockBroker)
	publisher := new(MockPublisher)
	vault := credentials.NewVault(store, sealer, logger)
	fanout := notify.NewFanout(store, publisher, logger)

	return &testEnv{
		store:     store,
		broker:    broker,
		publisher: publisher,
		sealer:    sealer,
		vault:     vault,
		fanout:    fanout,
		executor:  NewExecutor(store, broker, vault, fanout, &cfg.Kite, logger),
		cfg:       cfg,
	}
}

// user creates an active user, with a stored broker token unless withToken is false.
func (env *testEnv) user(t *testing.T, name string, withToken bool) models.User {
	u := models.User{Email: name + "@example.com", Name: name, IsActive: true}
	require.NoError(t, env.store.DB().Create(&u).Error)
	if withToken {
		sealed, err := env.sealer.Seal([]byte("token-" + name))
		require.NoError(t, err)
		require.NoError(t, env.store.SaveCredential(context.Background(), u.ID, sealed, nil))
	}
	return u
}

func (env *testEnv) group(t *testing.T, active bool) models.Group {
	g := models.Group{Name: "alpha", IsActive: true}
	require.NoError(t, env.store.DB().Create(&g).Error)
	if !active {
		require.NoError(t, env.store.DB().Model(&g).Update("is_active", false).Error)
	}
	return g
}

func (env *testEnv) member(t *testing.T, groupID, userID uint, role string, riskFactor *float64, active bool) {
	m := models.GroupMember{GroupID: groupID, UserID: userID, Role: role, IsActive: true, RiskFactor: riskFactor, JoinedAt: time.Now()}
	require.NoError(t, env.store.DB().Create(&m).Error)
	if !active {
		require.NoError(t, env.store.DB().Model(&m).Update("is_active", false).Error)
	}
}

func (env *testEnv) leaderTrade(t *testing.T, leaderID, groupID uint, orderID string, qty int) *models.Trade {
	price := 2450.0
	executed := time.Now().UTC()
	trade := &models.Trade{
		LeaderID:      leaderID,
		GroupID:       groupID,
		BrokerOrderID: orderID,
		Exchange:      "NSE",
		Symbol:        "RELIANCE",
		Side:          models.SideBuy,
		Quantity:      qty,
		Price:         &price,
		TradeType:     models.TradeTypeMarket,
		Product:       "CNC",
		Status:        models.StatusComplete,
		ExecutedAt:    &executed,
	}
	inserted, err := env.store.IngestOrder(context.Background(), trade)
	require.NoError(t, err)
	require.True(t, inserted)
	return trade
}

func (env *testEnv) countTrades(t *testing.T) int64 {
	var count int64
	require.NoError(t, env.store.DB().Model(&models.Trade{}).Count(&count).Error)
	return count
}

// credFor matches the scoped credential handed out for a user.
func credFor(userID uint) interface{} {
	return mock.MatchedBy(func(c kite.Credential) bool { return c.UserID() == userID })
}

// qty matches an order spec by quantity.
func qty(n int) interface{} {
	return mock.MatchedBy(func(s kite.OrderSpec) bool { return s.Quantity == n })
}

func float(v float64) *float64 { return &v }
