package activity

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
)

type fakeReconciler struct {
	summary *positions.Summary
	err     error
	calls   int
}

func (f *fakeReconciler) Reconcile(_ context.Context, wallet string) (*positions.Summary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type fakeJobLister struct {
	jobs []*bridge.Job
}

func (f *fakeJobLister) ListJobsByWallet(context.Context, string) ([]*bridge.Job, error) {
	return f.jobs, nil
}

func settledPosition(id, jobID string, createdAt time.Time) *positions.Position {
	return &positions.Position{
		ID:            id,
		WalletAddress: "rWallet",
		VaultID:       "vault-1",
		SourceJobID:   jobID,
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString("10"),
		Status:        positions.PositionStatusActive,
		Verification:  positions.VerificationVerified,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func pendingJob(id string, status bridge.JobStatus, createdAt time.Time) *bridge.Job {
	return &bridge.Job{
		ID:            id,
		WalletAddress: "rWallet",
		SourceChain:   bridge.ChainIDXRPL,
		DestChain:     bridge.ChainIDFlare,
		Status:        status,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func newTestAggregator(rec Reconciler, jobs JobLister) *Aggregator {
	return NewAggregator(rec, jobs, "https://livenet.xrpl.org", "https://flare-explorer.flare.network", nil)
}

func TestBuildViewOrdersMostRecentFirst(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	rec := &fakeReconciler{summary: &positions.Summary{
		WalletAddress: "rWallet",
		Positions:     []*positions.Position{settledPosition("pos-1", "job-old", t1)},
	}}
	jobs := &fakeJobLister{jobs: []*bridge.Job{pendingJob("job-new", bridge.JobStatusMinting, t0)}}

	view, err := newTestAggregator(rec, jobs).BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	require.Len(t, view.Items, 2)

	assert.Equal(t, KindPosition, view.Items[0].Kind, "newer settled position comes first")
	assert.Equal(t, KindPending, view.Items[1].Kind)
}

func TestBuildViewReplacesSettledJobAtomically(t *testing.T) {
	created := time.Now()
	job := pendingJob("job-1", bridge.JobStatusMinted, created)
	rec := &fakeReconciler{summary: &positions.Summary{WalletAddress: "rWallet"}}
	jobs := &fakeJobLister{jobs: []*bridge.Job{job}}
	agg := newTestAggregator(rec, jobs)

	// Minted but no position yet: the pending item must stay visible.
	view, err := agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, KindPending, view.Items[0].Kind)

	// Position appears: in the same view the pending item is gone and the
	// settled position is present. No frame without the activity.
	rec.summary = &positions.Summary{
		WalletAddress: "rWallet",
		Positions:     []*positions.Position{settledPosition("pos-1", "job-1", created.Add(time.Minute))},
	}
	view, err = agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, KindPosition, view.Items[0].Kind)
	assert.Equal(t, lifecycle.StageEarning, view.Items[0].Stage)
	assert.Equal(t, 100, view.Items[0].Progress)
}

func TestBuildViewHoldsStageAgainstRegression(t *testing.T) {
	created := time.Now()
	rec := &fakeReconciler{summary: &positions.Summary{WalletAddress: "rWallet"}}
	jobs := &fakeJobLister{jobs: []*bridge.Job{pendingJob("job-1", bridge.JobStatusMinting, created)}}
	agg := newTestAggregator(rec, jobs)

	view, err := agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StageMinting, view.Items[0].Stage)

	// An out-of-order older status must not regress the displayed stage.
	jobs.jobs = []*bridge.Job{pendingJob("job-1", bridge.JobStatusQueued, created)}
	view, err = agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageMinting, view.Items[0].Stage)

	// A terminal failure is the exception and does come through.
	jobs.jobs = []*bridge.Job{pendingJob("job-1", bridge.JobStatusFailed, created)}
	view, err = agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageFailed, view.Items[0].Stage)
}

func TestBuildViewPrunesStageMemoForSettledJobs(t *testing.T) {
	created := time.Now()
	rec := &fakeReconciler{summary: &positions.Summary{WalletAddress: "rWallet"}}
	jobs := &fakeJobLister{jobs: []*bridge.Job{pendingJob("job-1", bridge.JobStatusMinting, created)}}
	agg := newTestAggregator(rec, jobs)

	_, err := agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)

	agg.mu.Lock()
	_, held := agg.stageMemo["rWallet:job-1"]
	agg.mu.Unlock()
	require.True(t, held)

	rec.summary = &positions.Summary{
		WalletAddress: "rWallet",
		ReconciledAt:  time.Now(),
		Positions:     []*positions.Position{settledPosition("pos-1", "job-1", created.Add(time.Minute))},
	}
	_, err = agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)

	agg.mu.Lock()
	_, held = agg.stageMemo["rWallet:job-1"]
	agg.mu.Unlock()
	assert.False(t, held, "a settled job must not keep a display guard entry")
}

func TestBuildViewExplorerLinks(t *testing.T) {
	job := pendingJob("job-1", bridge.JobStatusMinting, time.Now())
	job.SourceTxHash = "SRCHASH"
	job.DestTxHash = "0xdest"
	job.AgentReference = "agent-7"

	rec := &fakeReconciler{summary: &positions.Summary{WalletAddress: "rWallet"}}
	view, err := newTestAggregator(rec, &fakeJobLister{jobs: []*bridge.Job{job}}).BuildView(context.Background(), "rWallet")
	require.NoError(t, err)

	metrics := view.Items[0].Metrics
	require.Len(t, metrics, 3)
	assert.Equal(t, "https://livenet.xrpl.org/transactions/SRCHASH", metrics[0].ExplorerURL)
	assert.Equal(t, "confirmed", metrics[0].Status)
	assert.Equal(t, "reserved", metrics[1].Status)
	assert.Equal(t, "https://flare-explorer.flare.network/tx/0xdest", metrics[2].ExplorerURL)
}

func TestBuildViewFailedJobCarriesErrorMessage(t *testing.T) {
	job := pendingJob("job-1", bridge.JobStatusFailed, time.Now())
	job.ErrorMessage = "agent defaulted on reservation"

	rec := &fakeReconciler{summary: &positions.Summary{WalletAddress: "rWallet"}}
	view, err := newTestAggregator(rec, &fakeJobLister{jobs: []*bridge.Job{job}}).BuildView(context.Background(), "rWallet")
	require.NoError(t, err)

	metrics := view.Items[0].Metrics
	require.Len(t, metrics, 4)
	assert.Equal(t, "agent defaulted on reservation", metrics[3].Status)
}

func TestBuildViewFallsBackToPreviousSummary(t *testing.T) {
	rec := &fakeReconciler{summary: &positions.Summary{
		WalletAddress: "rWallet",
		Positions:     []*positions.Position{settledPosition("pos-1", "job-1", time.Now())},
	}}
	jobs := &fakeJobLister{}
	agg := newTestAggregator(rec, jobs)

	view, err := agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err)
	require.False(t, view.Stale)

	rec.err = positions.ErrReconciliationTimeout
	view, err = agg.BuildView(context.Background(), "rWallet")
	require.NoError(t, err, "timeout with a known-good summary must degrade, not fail")
	assert.True(t, view.Stale)
	require.Len(t, view.Items, 1)
}

func TestBuildViewTimeoutWithoutHistoryIsAnError(t *testing.T) {
	rec := &fakeReconciler{err: positions.ErrReconciliationTimeout}
	agg := newTestAggregator(rec, &fakeJobLister{})

	_, err := agg.BuildView(context.Background(), "rWallet")
	assert.ErrorIs(t, err, positions.ErrReconciliationTimeout)
}

func TestBuildViewRequiresWallet(t *testing.T) {
	agg := newTestAggregator(&fakeReconciler{}, &fakeJobLister{})

	_, err := agg.BuildView(context.Background(), "")
	assert.ErrorIs(t, err, positions.ErrWalletRequired)
}
