package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/units"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusValidated TxStatus = "validated"
	TxStatusFailed    TxStatus = "failed"
)

// Reader reads account balances and transaction status from the source
// ledger. HTTP variant speaks the XRPL JSON-RPC dialect; the mock variant
// serves from memory.
type Reader interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetTransaction(ctx context.Context, hash string) (TxStatus, error)
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// HTTPReader queries an XRPL JSON-RPC node.
type HTTPReader struct {
	rpcURL string
	client *http.Client
}

func NewHTTPReader(rpcURL string, client *http.Client) *HTTPReader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPReader{rpcURL: rpcURL, client: client}
}

func (r *HTTPReader) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var result struct {
		Result struct {
			AccountData struct {
				Balance string `json:"Balance"` // drops
			} `json:"account_data"`
			Error string `json:"error"`
		} `json:"result"`
	}

	err := r.call(ctx, rpcRequest{
		Method: "account_info",
		Params: []interface{}{map[string]interface{}{
			"account":      address,
			"ledger_index": "validated",
		}},
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}

	if result.Result.Error == "actNotFound" {
		return decimal.Zero, ErrNotFound
	}
	if result.Result.Error != "" {
		return decimal.Zero, fmt.Errorf("ledger error: %s", result.Result.Error)
	}

	drops, err := decimal.NewFromString(result.Result.AccountData.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ledger balance: %w", err)
	}
	return units.DropsToXRP(drops.IntPart()), nil
}

func (r *HTTPReader) GetTransaction(ctx context.Context, hash string) (TxStatus, error) {
	var result struct {
		Result struct {
			Validated bool `json:"validated"`
			Meta      struct {
				TransactionResult string `json:"TransactionResult"`
			} `json:"meta"`
			Error string `json:"error"`
		} `json:"result"`
	}

	err := r.call(ctx, rpcRequest{
		Method: "tx",
		Params: []interface{}{map[string]interface{}{"transaction": hash}},
	}, &result)
	if err != nil {
		return "", err
	}

	if result.Result.Error == "txnNotFound" {
		return TxStatusPending, nil
	}
	if result.Result.Error != "" {
		return "", fmt.Errorf("ledger error: %s", result.Result.Error)
	}
	if !result.Result.Validated {
		return TxStatusPending, nil
	}
	if result.Result.Meta.TransactionResult == "tesSUCCESS" {
		return TxStatusValidated, nil
	}
	return TxStatusFailed, nil
}

func (r *HTTPReader) call(ctx context.Context, payload rpcRequest, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ledger request returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}

// MockReader serves ledger state from memory.
type MockReader struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	txs      map[string]TxStatus
	failing  bool
}

func NewMockReader() *MockReader {
	return &MockReader{
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string]TxStatus),
	}
}

func (m *MockReader) SetBalance(address string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = balance
}

func (m *MockReader) SetTransaction(hash string, status TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[hash] = status
}

func (m *MockReader) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *MockReader) GetBalance(_ context.Context, address string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return decimal.Zero, fmt.Errorf("ledger unavailable")
	}
	if balance, ok := m.balances[address]; ok {
		return balance, nil
	}
	return decimal.Zero, ErrNotFound
}

func (m *MockReader) GetTransaction(_ context.Context, hash string) (TxStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return "", fmt.Errorf("ledger unavailable")
	}
	if status, ok := m.txs[hash]; ok {
		return status, nil
	}
	return TxStatusPending, nil
}
