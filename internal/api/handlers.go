package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/activity"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/config"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/repository"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/units"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ws"
)

type Handler struct {
	repo       repository.Store
	bridge     bridge.Client
	poller     *bridge.Poller
	reconciler *positions.Reconciler
	aggregator *activity.Aggregator
	lifecycle  *lifecycle.Registry
	prices     prices.Source
	priceNames *prices.Registry
	wsHub      *ws.Hub
	cache      *store.Cache
	config     *config.Config
	logger     *zap.SugaredLogger
}

func NewHandler(
	repo repository.Store,
	bridgeClient bridge.Client,
	poller *bridge.Poller,
	reconciler *positions.Reconciler,
	aggregator *activity.Aggregator,
	registry *lifecycle.Registry,
	priceSource prices.Source,
	priceNames *prices.Registry,
	wsHub *ws.Hub,
	cache *store.Cache,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		repo:       repo,
		bridge:     bridgeClient,
		poller:     poller,
		reconciler: reconciler,
		aggregator: aggregator,
		lifecycle:  registry,
		prices:     priceSource,
		priceNames: priceNames,
		wsHub:      wsHub,
		cache:      cache,
		config:     cfg,
		logger:     logger,
	}
}

// Bridge endpoints

// ReserveDeposit normalizes the requested amount to whole lots, places the
// reservation for the rounded amount only, and records the shortfall on the
// job. The shortfall stays in the user's ledger wallet.
func (h *Handler) ReserveDeposit(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.WalletAddress == "" {
		h.writeError(w, http.StatusBadRequest, "WALLET_REQUIRED", "walletAddress is required")
		return
	}

	requested, err := units.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	norm, err := units.Normalize(requested, h.config.Bridge.LotSizeUBA, h.config.Bridge.MintingDecimals)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	if norm.Lots == 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount is below one bridge lot")
		return
	}

	job, err := h.bridge.Reserve(r.Context(), bridge.ReserveRequest{
		WalletAddress: req.WalletAddress,
		Amount:        norm.RoundedAmount,
	})
	if err != nil {
		if errors.Is(err, bridge.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		h.logger.Errorw("Bridge reservation failed", "wallet", req.WalletAddress, "error", err)
		h.writeError(w, http.StatusBadGateway, "BRIDGE_UNAVAILABLE", "bridge reservation failed")
		return
	}

	// The bridge echoes the rounded amount; the requested amount and
	// shortfall are ours to carry.
	job.AmountRequested = requested
	job.AmountRounded = norm.RoundedAmount
	job.Shortfall = norm.Shortfall

	if err := h.repo.SaveJob(r.Context(), job); err != nil {
		h.logger.Errorw("Failed to persist bridge job", "jobId", job.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to record bridge job")
		return
	}

	h.publishActivity(r, req.WalletAddress, "job", job.ID)
	h.writeJSON(w, http.StatusCreated, ReserveResponseDTO{
		Job:           h.jobDTO(r, job, false),
		Lots:          norm.Lots,
		NeedsRounding: norm.NeedsRounding,
		Shortfall:     norm.Shortfall.String(),
	})
}

// GetBridgeJob serves the freshest snapshot of a job. The fetch shares its
// outbound request with any active poll loop; on bridge failure the persisted
// record is served with the stale flag set instead of an error.
func (h *Handler) GetBridgeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.poller.Fetch(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			// Mock and real bridges forget finished jobs; fall through to
			// the persisted record.
			if stored, repoErr := h.repo.GetJob(r.Context(), jobID); repoErr == nil {
				h.writeJSON(w, http.StatusOK, h.jobDTO(r, stored, false))
				return
			}
			h.writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "bridge job not found")
			return
		}

		stored, repoErr := h.repo.GetJob(r.Context(), jobID)
		if repoErr != nil {
			// Last resort: a snapshot cached by another instance.
			var snap bridge.Job
			if cacheErr := h.cache.GetJobSnapshot(r.Context(), jobID, &snap); cacheErr == nil {
				h.writeJSON(w, http.StatusOK, h.jobDTO(r, &snap, true))
				return
			}
			h.logger.Errorw("Bridge job unavailable", "jobId", jobID, "error", err)
			h.writeError(w, http.StatusBadGateway, "BRIDGE_UNAVAILABLE", "bridge job fetch failed")
			return
		}
		h.writeJSON(w, http.StatusOK, h.jobDTO(r, stored, true))
		return
	}

	// Preserve our recorded normalization; the bridge doesn't know the
	// original requested amount.
	if stored, repoErr := h.repo.GetJob(r.Context(), jobID); repoErr == nil {
		job.AmountRequested = stored.AmountRequested
		job.Shortfall = stored.Shortfall
		if err := h.repo.SaveJob(r.Context(), job); err != nil {
			h.logger.Warnw("Failed to persist refreshed job", "jobId", jobID, "error", err)
		}
	}
	if err := h.cache.SetJobSnapshot(r.Context(), jobID, job); err != nil {
		h.logger.Warnw("Failed to cache job snapshot", "jobId", jobID, "error", err)
	}

	h.writeJSON(w, http.StatusOK, h.jobDTO(r, job, false))
}

// NotifyJobPayment records the client's report that the ledger payment for a
// job was broadcast. After this the job can no longer be cancelled.
func (h *Handler) NotifyJobPayment(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var notice PaymentNoticeDTO
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}

	stored, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "bridge job not found")
			return
		}
		h.logger.Errorw("Failed to load job", "jobId", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to load bridge job")
		return
	}
	if stored.Status.Terminal() {
		h.writeError(w, http.StatusConflict, "JOB_TERMINAL", "bridge job already finished")
		return
	}

	if notice.TxHash != "" && stored.SourceTxHash == "" {
		stored.SourceTxHash = notice.TxHash
		stored.UpdatedAt = time.Now()
		if err := h.repo.SaveJob(r.Context(), stored); err != nil {
			h.logger.Warnw("Failed to record payment hash", "jobId", jobID, "error", err)
		}
	}

	state := h.lifecycle.DepositPaymentBroadcast(jobID, notice.Confirmed)
	h.publishActivity(r, stored.WalletAddress, "job", jobID)

	dto := toBridgeJobDTO(stored, false)
	dto.Stage = state.Stage
	dto.Progress = state.Progress
	dto.Delayed = state.Delayed
	h.writeJSON(w, http.StatusOK, dto)
}

// CancelBridgeJob aborts a reservation whose ledger payment has not been
// broadcast. Once funds are in flight the bridge outcome is authoritative and
// the cancel is refused.
func (h *Handler) CancelBridgeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	stored, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "bridge job not found")
			return
		}
		h.logger.Errorw("Failed to load job", "jobId", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to load bridge job")
		return
	}

	if err := h.lifecycle.CancelDeposit(stored); err != nil {
		h.writeError(w, http.StatusConflict, "CANCEL_NOT_ALLOWED", err.Error())
		return
	}

	stored.Status = bridge.JobStatusCancelled
	stored.UpdatedAt = time.Now()
	if err := h.repo.SaveJob(r.Context(), stored); err != nil {
		h.logger.Errorw("Failed to persist cancelled job", "jobId", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to record cancellation")
		return
	}

	h.publishActivity(r, stored.WalletAddress, "job", jobID)
	h.writeJSON(w, http.StatusOK, h.jobDTO(r, stored, false))
}

// User endpoints

func (h *Handler) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	summary, err := h.reconciler.Reconcile(r.Context(), address)
	if err != nil {
		switch {
		case errors.Is(err, positions.ErrWalletRequired):
			h.writeError(w, http.StatusBadRequest, "WALLET_REQUIRED", "wallet address is required")
		case errors.Is(err, positions.ErrReconciliationTimeout):
			// Serve the previous known-good summary if there is one.
			var cached positions.Summary
			if cacheErr := h.cache.GetReconSummary(r.Context(), address, &cached); cacheErr == nil {
				h.writeJSON(w, http.StatusOK, toPositionsDTO(&cached))
				return
			}
			h.writeError(w, http.StatusGatewayTimeout, "RECONCILIATION_TIMEOUT", "reconciliation timed out")
		default:
			h.logger.Errorw("Reconciliation failed", "wallet", address, "error", err)
			h.writeError(w, http.StatusInternalServerError, "RECONCILIATION_ERROR", "failed to reconcile positions")
		}
		return
	}

	if err := h.cache.SetReconSummary(r.Context(), address, summary); err != nil {
		h.logger.Warnw("Failed to cache reconciliation summary", "wallet", address, "error", err)
	}
	h.writeJSON(w, http.StatusOK, toPositionsDTO(summary))
}

func (h *Handler) GetUserActivity(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	view, err := h.aggregator.BuildView(r.Context(), address)
	if err != nil {
		switch {
		case errors.Is(err, positions.ErrWalletRequired):
			h.writeError(w, http.StatusBadRequest, "WALLET_REQUIRED", "wallet address is required")
		case errors.Is(err, positions.ErrReconciliationTimeout):
			h.writeError(w, http.StatusGatewayTimeout, "RECONCILIATION_TIMEOUT", "reconciliation timed out")
		default:
			h.logger.Errorw("Activity view failed", "wallet", address, "error", err)
			h.writeError(w, http.StatusInternalServerError, "ACTIVITY_ERROR", "failed to build activity view")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toActivityDTO(view))
}

func (h *Handler) ListUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	requests, err := h.repo.ListWithdrawalsByWallet(r.Context(), address)
	if err != nil {
		h.logger.Errorw("Failed to list withdrawals", "wallet", address, "error", err)
		h.writeError(w, http.StatusInternalServerError, "WITHDRAWALS_ERROR", "failed to list withdrawals")
		return
	}

	dtos := make([]WithdrawalDTO, 0, len(requests))
	for _, req := range requests {
		state := h.lifecycle.ObserveWithdrawal(req)
		if state.Dismissed {
			continue
		}
		dto := toWithdrawalDTO(req)
		dto.Stale = state.Stale
		dtos = append(dtos, dto)
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// DismissUserWithdrawal hides a finished withdrawal from listings. In-flight
// requests cannot be dismissed.
func (h *Handler) DismissUserWithdrawal(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	withdrawalID := chi.URLParam(r, "withdrawalID")

	req, err := h.repo.GetWithdrawal(r.Context(), withdrawalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "WITHDRAWAL_NOT_FOUND", "withdrawal not found")
			return
		}
		h.logger.Errorw("Failed to load withdrawal", "withdrawalId", withdrawalID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to load withdrawal")
		return
	}
	if req.WalletAddress != address {
		h.writeError(w, http.StatusForbidden, "WALLET_MISMATCH", "withdrawal belongs to another wallet")
		return
	}

	if err := h.lifecycle.DismissWithdrawal(req); err != nil {
		h.writeError(w, http.StatusConflict, "DISMISS_NOT_ALLOWED", err.Error())
		return
	}

	h.publishActivity(r, address, "withdrawal", withdrawalID)
	w.WriteHeader(http.StatusNoContent)
}

// CreateUserWithdrawal opens a redemption request against an active position.
// A full withdrawal redeems the whole recorded amount; a partial one must
// leave the request amount within the position.
func (h *Handler) CreateUserWithdrawal(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req WithdrawalRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}

	pos, err := h.repo.GetPosition(r.Context(), req.PositionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
			return
		}
		h.logger.Errorw("Failed to load position", "positionId", req.PositionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to load position")
		return
	}
	if pos.WalletAddress != address {
		h.writeError(w, http.StatusForbidden, "WALLET_MISMATCH", "position belongs to another wallet")
		return
	}
	if pos.Status != positions.PositionStatusActive {
		h.writeError(w, http.StatusConflict, "POSITION_NOT_ACTIVE", "position is not active")
		return
	}

	wtype := positions.WithdrawalType(req.Type)
	var amount decimal.Decimal
	switch wtype {
	case positions.WithdrawalTypeFull:
		amount = pos.Amount
	case positions.WithdrawalTypePartial:
		amount, err = units.ParseAmount(req.Amount)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
			return
		}
		if amount.GreaterThan(pos.Amount) {
			h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount exceeds position balance")
			return
		}
	default:
		h.writeError(w, http.StatusBadRequest, "INVALID_TYPE", "type must be partial or full")
		return
	}

	now := time.Now()
	withdrawal := &positions.WithdrawalRequest{
		ID:            uuid.NewString(),
		WalletAddress: address,
		VaultID:       pos.VaultID,
		PositionID:    pos.ID,
		Type:          wtype,
		Amount:        amount,
		Asset:         pos.Asset,
		Status:        positions.WithdrawalStatusPending,
		RequestedAt:   now,
		UpdatedAt:     now,
	}
	if err := h.repo.CreateWithdrawal(r.Context(), withdrawal); err != nil {
		h.logger.Errorw("Failed to create withdrawal", "wallet", address, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PERSIST_ERROR", "failed to record withdrawal")
		return
	}

	h.publishActivity(r, address, "withdrawal", withdrawal.ID)
	h.writeJSON(w, http.StatusCreated, toWithdrawalDTO(withdrawal))
}

// Price endpoints

// GetAssetPrice serves the latest USD price for a tracked asset, preferring
// the cache the price publisher keeps warm.
func (h *Handler) GetAssetPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	symbol, err := h.priceNames.GetProviderSymbol(asset)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "ASSET_UNKNOWN", "no price mapping for asset")
		return
	}

	var price decimal.Decimal
	cached := true
	if err := h.cache.GetPrice(r.Context(), symbol, &price); err != nil {
		cached = false
		price, err = h.prices.GetPrice(r.Context(), symbol)
		if err != nil {
			h.logger.Warnw("Price lookup failed", "asset", asset, "symbol", symbol, "error", err)
			h.writeError(w, http.StatusBadGateway, "PRICE_UNAVAILABLE", "price source unavailable")
			return
		}
	}

	h.writeJSON(w, http.StatusOK, PriceDTO{
		Asset:  asset,
		Symbol: symbol,
		Price:  price.String(),
		Cached: cached,
	})
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database not reachable")
		return
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "cache not reachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

// Utility methods

// jobDTO folds live lifecycle state into the wire shape. The settled position
// for the job, if any, moves the stage to earning.
func (h *Handler) jobDTO(r *http.Request, job *bridge.Job, stale bool) BridgeJobDTO {
	var settled *positions.Position
	if recorded, err := h.repo.ListPositionsByWallet(r.Context(), job.WalletAddress); err == nil {
		for _, pos := range recorded {
			if pos.SourceJobID == job.ID {
				settled = pos
				break
			}
		}
	}

	state := h.lifecycle.ObserveDeposit(job, settled)
	dto := toBridgeJobDTO(job, stale)
	dto.Stage = state.Stage
	dto.Progress = state.Progress
	dto.Delayed = state.Delayed
	return dto
}

func (h *Handler) publishActivity(r *http.Request, wallet, kind, id string) {
	if err := h.cache.InvalidateWallet(r.Context(), wallet); err != nil {
		h.logger.Warnw("Failed to invalidate wallet cache", "wallet", wallet, "error", err)
	}
	if err := h.cache.Publish(r.Context(), store.ChannelActivity, newActivityEvent(wallet, kind, id)); err != nil {
		h.logger.Warnw("Failed to publish activity event", "wallet", wallet, "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorDTO{Code: code, Message: message})
}
