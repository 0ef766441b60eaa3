package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/activity"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/chain"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/config"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	pricemock "github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices/mock"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/repository"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ws"
)

type testEnv struct {
	handler *Handler
	repo    *repository.Memory
	bridge  *bridge.MockClient
	chain   *chain.MockReader
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop().Sugar()
	repo := repository.NewMemory()
	bridgeClient := bridge.NewMockClient(false)
	chainReader := chain.NewMockReader()
	cache := store.NewMemoryCache(logger)
	clock := scheduler.NewFakeClock(time.Now())

	cfg := &config.Config{
		Bridge: config.BridgeConfig{
			LotSizeUBA:      10000,
			MintingDecimals: 6,
			PollInterval:    5 * time.Second,
			PollMaxFailures: 5,
		},
		Recon: config.ReconConfig{
			Tolerance: "0.0001",
			Timeout:   time.Second,
		},
	}

	poller := bridge.NewPoller(bridgeClient, clock, logger, nil, bridge.PollerConfig{
		Interval:    cfg.Bridge.PollInterval,
		MaxFailures: cfg.Bridge.PollMaxFailures,
	})
	priceSource := pricemock.NewGenerator(logger, 0.5, 0)
	priceNames := prices.NewRegistry()
	reconciler := positions.NewReconciler(
		repo,
		chainReader,
		priceSource,
		priceNames,
		decimal.RequireFromString(cfg.Recon.Tolerance),
		cfg.Recon.Timeout,
		logger,
		nil,
	)
	aggregator := activity.NewAggregator(reconciler, repo,
		"https://livenet.xrpl.org", "https://flare-explorer.flare.network", logger)
	registry := lifecycle.NewRegistry(clock, time.Hour, time.Hour)
	hub := ws.NewHub(cache, nil, logger, nil)

	handler := NewHandler(repo, bridgeClient, poller, reconciler, aggregator, registry,
		priceSource, priceNames, hub, cache, cfg, logger)
	router := handler.Routes(NewMiddleware(logger, nil), nil, nil, 6000)

	return &testEnv{
		handler: handler,
		repo:    repo,
		bridge:  bridgeClient,
		chain:   chainReader,
		router:  router,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestReserveDepositNormalizesAmount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.4567",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[ReserveResponseDTO](t, rec)
	assert.Equal(t, int64(2345), resp.Lots)
	assert.True(t, resp.NeedsRounding)
	assert.Equal(t, "0.0067", resp.Shortfall)
	assert.Equal(t, "23.45", resp.Job.AmountRounded)
	assert.Equal(t, "23.4567", resp.Job.AmountRequested)

	// The job is persisted with the shortfall recorded.
	stored, err := env.repo.GetJob(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Shortfall.Equal(decimal.RequireFromString("0.0067")))
}

func TestReserveDepositRejectsSubLotAmount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "0.005",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode[ErrorDTO](t, rec).Code)
}

func TestReserveDepositRequiresWallet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{Amount: "23.45"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "WALLET_REQUIRED", decode[ErrorDTO](t, rec).Code)
}

func TestGetBridgeJob(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.45",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	jobID := decode[ReserveResponseDTO](t, created).Job.ID

	rec := env.do(t, http.MethodGet, "/v1/bridge/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job := decode[BridgeJobDTO](t, rec)
	assert.Equal(t, jobID, job.ID)
	assert.False(t, job.Stale)
	assert.Equal(t, "23.45", job.AmountRequested, "no rounding needed for a whole-lot amount")
}

func TestGetBridgeJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/bridge/jobs/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decode[ErrorDTO](t, rec).Code)
}

func TestGetUserPositionsReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pos := &positions.Position{
		ID:            "pos-1",
		WalletAddress: "rWallet",
		VaultID:       "vault-1",
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString("100"),
		Status:        positions.PositionStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, env.repo.UpsertPosition(ctx, pos))
	env.chain.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("100"),
	})

	rec := env.do(t, http.MethodGet, "/v1/users/rWallet/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[PositionsResponseDTO](t, rec)
	require.Len(t, resp.Positions, 1)
	assert.True(t, resp.OnChainVerified)
	assert.Equal(t, positions.VerificationVerified, resp.Positions[0].Verification)
}

func TestWithdrawalLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pos := &positions.Position{
		ID:            "pos-1",
		WalletAddress: "rWallet",
		VaultID:       "vault-1",
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString("100"),
		Status:        positions.PositionStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, env.repo.UpsertPosition(ctx, pos))

	rec := env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals", WithdrawalRequestDTO{
		PositionID: "pos-1",
		Type:       "partial",
		Amount:     "40",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[WithdrawalDTO](t, rec)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "40", created.Amount)

	list := env.do(t, http.MethodGet, "/v1/users/rWallet/withdrawals", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Len(t, decode[[]WithdrawalDTO](t, list), 1)
}

func TestCreateWithdrawalValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pos := &positions.Position{
		ID:            "pos-1",
		WalletAddress: "rWallet",
		VaultID:       "vault-1",
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString("10"),
		Status:        positions.PositionStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, env.repo.UpsertPosition(ctx, pos))

	over := env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals", WithdrawalRequestDTO{
		PositionID: "pos-1",
		Type:       "partial",
		Amount:     "11",
	})
	require.Equal(t, http.StatusBadRequest, over.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode[ErrorDTO](t, over).Code)

	foreign := env.do(t, http.MethodPost, "/v1/users/rOther/withdrawals", WithdrawalRequestDTO{
		PositionID: "pos-1",
		Type:       "full",
	})
	require.Equal(t, http.StatusForbidden, foreign.Code)

	missing := env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals", WithdrawalRequestDTO{
		PositionID: "nope",
		Type:       "full",
	})
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetUserActivityMergesPendingAndSettled(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.45",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	rec := env.do(t, http.MethodGet, "/v1/users/rWallet/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ActivityResponseDTO](t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, activity.KindPending, resp.Items[0].Kind)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	health := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, health.Code)

	ready := env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, ready.Code)
}

func TestCancelBridgeJobBeforePayment(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.45",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	jobID := decode[ReserveResponseDTO](t, created).Job.ID

	rec := env.do(t, http.MethodPost, "/v1/bridge/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[BridgeJobDTO](t, rec).Status)

	stored, err := env.repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, bridge.JobStatusCancelled, stored.Status)
}

func TestCancelBridgeJobRefusedAfterPayment(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.45",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	jobID := decode[ReserveResponseDTO](t, created).Job.ID

	paid := env.do(t, http.MethodPost, "/v1/bridge/jobs/"+jobID+"/payment", PaymentNoticeDTO{
		TxHash: "ledger-tx-1",
	})
	require.Equal(t, http.StatusOK, paid.Code, paid.Body.String())

	rec := env.do(t, http.MethodPost, "/v1/bridge/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CANCEL_NOT_ALLOWED", decode[ErrorDTO](t, rec).Code)

	// The payment hash is recorded on the persisted job.
	stored, err := env.repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "ledger-tx-1", stored.SourceTxHash)
}

func TestNotifyJobPaymentRaisesProgress(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/v1/bridge/reserve", ReserveRequestDTO{
		WalletAddress: "rWallet",
		Amount:        "23.45",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	resp := decode[ReserveResponseDTO](t, created)

	paid := env.do(t, http.MethodPost, "/v1/bridge/jobs/"+resp.Job.ID+"/payment", PaymentNoticeDTO{
		TxHash:    "ledger-tx-1",
		Confirmed: true,
	})
	require.Equal(t, http.StatusOK, paid.Code)
	assert.Greater(t, decode[BridgeJobDTO](t, paid).Progress, resp.Job.Progress)
}

func TestDismissWithdrawalOnlyWhenTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pos := &positions.Position{
		ID:            "pos-1",
		WalletAddress: "rWallet",
		VaultID:       "vault-1",
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString("100"),
		Status:        positions.PositionStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, env.repo.UpsertPosition(ctx, pos))

	created := env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals", WithdrawalRequestDTO{
		PositionID: "pos-1",
		Type:       "full",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	withdrawalID := decode[WithdrawalDTO](t, created).ID

	// Still pending: dismiss refused.
	rec := env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals/"+withdrawalID+"/dismiss", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DISMISS_NOT_ALLOWED", decode[ErrorDTO](t, rec).Code)

	stored, err := env.repo.GetWithdrawal(ctx, withdrawalID)
	require.NoError(t, err)
	now := time.Now()
	stored.Status = positions.WithdrawalStatusCompleted
	stored.ProcessedAt = &now
	stored.UpdatedAt = now
	require.NoError(t, env.repo.SaveWithdrawal(ctx, stored))

	rec = env.do(t, http.MethodPost, "/v1/users/rWallet/withdrawals/"+withdrawalID+"/dismiss", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Dismissed withdrawals no longer appear in listings.
	list := env.do(t, http.MethodGet, "/v1/users/rWallet/withdrawals", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Empty(t, decode[[]WithdrawalDTO](t, list))
}

func TestGetAssetPrice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/prices/FXRP", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	price := decode[PriceDTO](t, rec)
	assert.Equal(t, "XRPUSDT", price.Symbol)
	assert.NotEmpty(t, price.Price)

	unknown := env.do(t, http.MethodGet, "/v1/prices/DOGE", nil)
	require.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, "ASSET_UNKNOWN", decode[ErrorDTO](t, unknown).Code)
}
