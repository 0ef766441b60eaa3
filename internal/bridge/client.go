package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client exposes the bridge backend's job endpoint. Two variants exist: the
// HTTP client against a real bridge gateway and an in-process mock, selected
// at construction time.
type Client interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
	Reserve(ctx context.Context, req ReserveRequest) (*Job, error)
}

// HTTPClient talks to a bridge gateway over REST.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidRequest
	}

	u := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build job request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("job request returned %d", resp.StatusCode)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job response: %w", err)
	}
	return &job, nil
}

func (c *HTTPClient) Reserve(ctx context.Context, reserve ReserveRequest) (*Job, error) {
	if reserve.WalletAddress == "" || !reserve.Amount.GreaterThan(decimal.Zero) {
		return nil, ErrInvalidRequest
	}

	body := strings.NewReader(fmt.Sprintf(`{"walletAddress":%q,"amount":%q}`,
		reserve.WalletAddress, reserve.Amount.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reservations", body)
	if err != nil {
		return nil, fmt.Errorf("build reserve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reserve request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("reserve request returned %d", resp.StatusCode)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode reserve response: %w", err)
	}
	return &job, nil
}

// MockClient simulates the bridge backend in-memory. Each GetJob advances the
// job one step along the happy path so flows can be exercised without a
// gateway.
type MockClient struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	advance bool
}

func NewMockClient(autoAdvance bool) *MockClient {
	return &MockClient{
		jobs:    make(map[string]*Job),
		advance: autoAdvance,
	}
}

func (m *MockClient) Reserve(_ context.Context, reserve ReserveRequest) (*Job, error) {
	if reserve.WalletAddress == "" || !reserve.Amount.GreaterThan(decimal.Zero) {
		return nil, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	job := &Job{
		ID:              uuid.NewString(),
		WalletAddress:   reserve.WalletAddress,
		SourceChain:     ChainIDXRPL,
		DestChain:       ChainIDFlare,
		AmountRequested: reserve.Amount,
		AmountRounded:   reserve.Amount,
		Shortfall:       decimal.Zero,
		Status:          JobStatusQueued,
		AgentReference:  fmt.Sprintf("agent-%d", len(m.jobs)+1),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[job.ID] = job

	copied := *job
	return &copied, nil
}

func (m *MockClient) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	if m.advance && !job.Status.Terminal() {
		job.Status = nextMockStatus(job.Status)
		job.UpdatedAt = time.Now()
		switch job.Status {
		case JobStatusPaid:
			job.SourceTxHash = "ledger-" + job.ID[:8]
		case JobStatusMinted:
			job.DestTxHash = "contract-" + job.ID[:8]
		}
	}

	copied := *job
	return &copied, nil
}

// SetStatus pins a mock job to a specific status, for failure-path testing.
func (m *MockClient) SetStatus(jobID string, status JobStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	job.UpdatedAt = time.Now()
	return nil
}

func nextMockStatus(s JobStatus) JobStatus {
	switch s {
	case JobStatusQueued:
		return JobStatusReserving
	case JobStatusReserving:
		return JobStatusAwaitingPayment
	case JobStatusAwaitingPayment:
		return JobStatusPaid
	case JobStatusPaid:
		return JobStatusMinting
	case JobStatusMinting:
		return JobStatusMinted
	}
	return s
}
