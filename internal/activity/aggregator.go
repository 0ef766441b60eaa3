package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
)

// ItemKind distinguishes an in-flight bridge job projection from a settled
// vault position.
type ItemKind string

const (
	KindPending  ItemKind = "pending"
	KindPosition ItemKind = "position"
)

// summaryRetention bounds how long a known-good summary is kept for the
// stale-fallback path before a wallet with no recent reads is evicted.
const summaryRetention = time.Hour

// Metric is one human-readable health row on an activity item, optionally
// linking to a chain explorer.
type Metric struct {
	Label       string `json:"label"`
	Status      string `json:"status"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

// Item is one entry in the unified activity view. Exactly one of Job and
// Position is set, matching Kind.
type Item struct {
	Kind      ItemKind            `json:"kind"`
	Stage     lifecycle.Stage     `json:"stage"`
	Progress  int                 `json:"progress"`
	Timestamp time.Time           `json:"timestamp"`
	Job       *bridge.Job         `json:"job,omitempty"`
	Position  *positions.Position `json:"position,omitempty"`
	Metrics   []Metric            `json:"metrics"`
}

// View is one complete, internally consistent read of a wallet's activity.
type View struct {
	WalletAddress string    `json:"walletAddress"`
	Items         []Item    `json:"items"`
	Stale         bool      `json:"stale"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Reconciler supplies the settled side of the view.
type Reconciler interface {
	Reconcile(ctx context.Context, wallet string) (*positions.Summary, error)
}

// JobLister supplies the pending side of the view.
type JobLister interface {
	ListJobsByWallet(ctx context.Context, wallet string) ([]*bridge.Job, error)
}

// Aggregator merges pending bridge jobs with settled positions into one
// most-recent-first list. A job whose mint has settled into a position is
// replaced by that position within a single BuildView call; callers never see
// a view where the activity is absent. Displayed stages never regress: the
// aggregator remembers the furthest stage shown per job and holds it against
// out-of-order status reads, terminal failures excepted.
type Aggregator struct {
	reconciler Reconciler
	jobs       JobLister
	logger     *zap.SugaredLogger

	ledgerExplorerBase string
	chainExplorerBase  string

	mu          sync.Mutex
	stageMemo   map[string]lifecycle.Stage // wallet:jobID
	lastSummary map[string]cachedSummary
}

// cachedSummary is a known-good reconciliation kept for the stale-fallback
// path, stamped with when the aggregator stored it.
type cachedSummary struct {
	summary  *positions.Summary
	storedAt time.Time
}

func NewAggregator(reconciler Reconciler, jobs JobLister, ledgerExplorerBase, chainExplorerBase string, logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		reconciler:         reconciler,
		jobs:               jobs,
		logger:             logger,
		ledgerExplorerBase: ledgerExplorerBase,
		chainExplorerBase:  chainExplorerBase,
		stageMemo:          make(map[string]lifecycle.Stage),
		lastSummary:        make(map[string]cachedSummary),
	}
}

// BuildView assembles the unified activity list for wallet. A reconciliation
// timeout falls back to the previous known-good summary and marks the view
// stale; it only becomes the caller's error when no earlier summary exists.
func (a *Aggregator) BuildView(ctx context.Context, wallet string) (*View, error) {
	if wallet == "" {
		return nil, positions.ErrWalletRequired
	}

	stale := false
	summary, err := a.reconciler.Reconcile(ctx, wallet)
	if err != nil {
		a.mu.Lock()
		cached, ok := a.lastSummary[wallet]
		a.mu.Unlock()
		if !ok {
			return nil, err
		}
		if a.logger != nil {
			a.logger.Warnw("Reconciliation failed; serving previous summary",
				"wallet", wallet, "error", err)
		}
		summary = cached.summary
		stale = true
	} else {
		a.mu.Lock()
		a.lastSummary[wallet] = cachedSummary{summary: summary, storedAt: time.Now()}
		a.mu.Unlock()
	}

	jobs, err := a.jobs.ListJobsByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("list bridge jobs: %w", err)
	}

	settledJobs := make(map[string]bool, len(summary.Positions))
	view := &View{
		WalletAddress: wallet,
		Stale:         stale,
		GeneratedAt:   time.Now(),
	}

	for _, pos := range summary.Positions {
		if pos.SourceJobID != "" {
			settledJobs[pos.SourceJobID] = true
		}
		view.Items = append(view.Items, Item{
			Kind:      KindPosition,
			Stage:     lifecycle.StageEarning,
			Progress:  100,
			Timestamp: pos.CreatedAt,
			Position:  pos,
			Metrics:   a.positionMetrics(pos),
		})
	}

	live := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		// A minted job is dropped only once its position has actually
		// appeared; until then the pending item keeps the activity visible.
		if settledJobs[job.ID] {
			continue
		}
		stage := a.heldStage(wallet, job)
		if !stage.Terminal() {
			live[job.ID] = true
		}
		view.Items = append(view.Items, Item{
			Kind:      KindPending,
			Stage:     stage,
			Progress:  lifecycle.DepositProgressForStage(stage),
			Timestamp: job.CreatedAt,
			Job:       job,
			Metrics:   a.jobMetrics(job),
		})
	}
	a.pruneMemo(wallet, live)

	sort.SliceStable(view.Items, func(i, j int) bool {
		return view.Items[i].Timestamp.After(view.Items[j].Timestamp)
	})
	return view, nil
}

// pruneMemo drops the display guard for jobs that settled or went terminal
// so the memo only holds entries for in-flight jobs. A re-listed job gets its
// stage recomputed from the persisted status.
func (a *Aggregator) pruneMemo(wallet string, live map[string]bool) {
	prefix := wallet + ":"

	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.stageMemo {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && !live[key[len(prefix):]] {
			delete(a.stageMemo, key)
		}
	}
	for w, c := range a.lastSummary {
		if time.Since(c.storedAt) > summaryRetention {
			delete(a.lastSummary, w)
		}
	}
}

// heldStage applies the per-job monotonic display guard.
func (a *Aggregator) heldStage(wallet string, job *bridge.Job) lifecycle.Stage {
	stage := lifecycle.DepositStageForJob(job.Status)
	key := wallet + ":" + job.ID

	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.stageMemo[key]
	if ok && !stage.Failure() && lifecycle.DepositIndex(stage) < lifecycle.DepositIndex(held) {
		return held
	}
	a.stageMemo[key] = stage
	return stage
}

func (a *Aggregator) jobMetrics(job *bridge.Job) []Metric {
	var metrics []Metric

	payment := Metric{Label: "Ledger payment", Status: "pending"}
	if job.SourceTxHash != "" {
		payment.Status = "confirmed"
		payment.ExplorerURL = a.ledgerExplorerBase + "/transactions/" + job.SourceTxHash
	}
	metrics = append(metrics, payment)

	reservation := Metric{Label: "Bridge reservation", Status: "pending"}
	if job.AgentReference != "" {
		reservation.Status = "reserved"
	}
	metrics = append(metrics, reservation)

	mint := Metric{Label: "Mint transaction", Status: "pending"}
	if job.DestTxHash != "" {
		mint.Status = "confirmed"
		mint.ExplorerURL = a.chainExplorerBase + "/tx/" + job.DestTxHash
	}
	metrics = append(metrics, mint)

	if job.Status == bridge.JobStatusFailed || job.Status == bridge.JobStatusExpired {
		status := string(job.Status)
		if job.ErrorMessage != "" {
			status = job.ErrorMessage
		}
		metrics = append(metrics, Metric{Label: "Bridge job", Status: status})
	}
	return metrics
}

func (a *Aggregator) positionMetrics(pos *positions.Position) []Metric {
	verification := Metric{Label: "Balance check", Status: pos.Verification.String()}
	if pos.Verification == positions.VerificationMismatched && pos.Discrepancy != nil {
		verification.Status = "mismatched by " + pos.Discrepancy.Abs().String()
	}
	return []Metric{
		{Label: "Vault position", Status: string(pos.Status)},
		verification,
	}
}
