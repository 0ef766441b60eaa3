package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// VaultPosition is the vault contract's view of a stake.
type VaultPosition struct {
	Amount decimal.Decimal `json:"amount"`
	Shares decimal.Decimal `json:"shares"`
}

// Reader reads vault and token balances from the smart-contract chain. The
// contract itself is a black box behind a read gateway; this interface has an
// HTTP variant and a mock variant chosen at construction time.
type Reader interface {
	GetPosition(ctx context.Context, walletAddress, vaultID string) (*VaultPosition, error)
	GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error)
}

// HTTPReader reads through a REST gateway in front of the chain RPC.
type HTTPReader struct {
	baseURL string
	client  *http.Client
}

func NewHTTPReader(baseURL string, client *http.Client) *HTTPReader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (r *HTTPReader) GetPosition(ctx context.Context, walletAddress, vaultID string) (*VaultPosition, error) {
	u := fmt.Sprintf("%s/v1/vaults/%s/positions/%s",
		r.baseURL, url.PathEscape(vaultID), url.PathEscape(walletAddress))

	var payload struct {
		Amount string `json:"amount"`
		Shares string `json:"shares"`
	}
	if err := r.getJSON(ctx, u, &payload); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse vault amount: %w", err)
	}
	shares, err := decimal.NewFromString(payload.Shares)
	if err != nil {
		return nil, fmt.Errorf("parse vault shares: %w", err)
	}

	return &VaultPosition{Amount: amount, Shares: shares}, nil
}

func (r *HTTPReader) GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/v1/balances/%s?asset=%s",
		r.baseURL, url.PathEscape(address), url.QueryEscape(asset))

	var payload struct {
		Balance string `json:"balance"`
	}
	if err := r.getJSON(ctx, u, &payload); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(payload.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse chain balance: %w", err)
	}
	return balance, nil
}

func (r *HTTPReader) getJSON(ctx context.Context, u string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build chain request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("chain request returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode chain response: %w", err)
	}
	return nil
}

// MockReader serves balances from memory for dev and tests.
type MockReader struct {
	mu        sync.RWMutex
	balances  map[string]decimal.Decimal // address:asset
	positions map[string]*VaultPosition  // vaultID:address
	failing   bool
}

func NewMockReader() *MockReader {
	return &MockReader{
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[string]*VaultPosition),
	}
}

func (m *MockReader) SetBalance(address, asset string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address+":"+asset] = balance
}

func (m *MockReader) SetPosition(vaultID, address string, pos VaultPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[vaultID+":"+address] = &pos
}

// SetFailing makes every read return an error, for degraded-path tests.
func (m *MockReader) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *MockReader) GetPosition(_ context.Context, walletAddress, vaultID string) (*VaultPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, fmt.Errorf("chain read unavailable")
	}
	if pos, ok := m.positions[vaultID+":"+walletAddress]; ok {
		copied := *pos
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (m *MockReader) GetBalance(_ context.Context, address, asset string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return decimal.Zero, fmt.Errorf("chain read unavailable")
	}
	if balance, ok := m.balances[address+":"+asset]; ok {
		return balance, nil
	}
	return decimal.Zero, ErrNotFound
}
