package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/macroreview"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/portfolio"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

// recorder tracks phase execution order across fake engines.
type recorder struct {
	mu    sync.Mutex
	order []int

	failAt int
	gate   chan struct{} // when set, the gated phase blocks until closed
	gateAt int
	calls  map[int]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[int]int)}
}

func (r *recorder) ran(phase int) error {
	r.mu.Lock()
	r.order = append(r.order, phase)
	r.calls[phase]++
	gate := r.gate
	gated := r.gateAt == phase
	fail := r.failAt == phase
	r.mu.Unlock()

	if gated && gate != nil {
		<-gate
	}
	if fail {
		return errors.New("engine exploded")
	}
	return nil
}

func (r *recorder) sequence() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int{}, r.order...)
}

func (r *recorder) callCount(phase int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[phase]
}

type fakeMacro struct{ rec *recorder }

func (f *fakeMacro) Run(context.Context, domain.Phase1Input) (*macroreview.Output, error) {
	return &macroreview.Output{}, f.rec.ran(1)
}

type fakePolicy struct{ rec *recorder }

func (f *fakePolicy) Run(*macroreview.Output, domain.UserProfile) (*policy.Output, error) {
	return &policy.Output{}, f.rec.ran(2)
}

type fakeUniverse struct{ rec *recorder }

func (f *fakeUniverse) Run(context.Context, string, domain.UserProfile, *policy.Output) (*universe.Output, error) {
	return &universe.Output{}, f.rec.ran(3)
}

type fakeScreening struct{ rec *recorder }

func (f *fakeScreening) Run(string, *universe.Output, *policy.Output, domain.UserProfile) (*screening.Output, error) {
	return &screening.Output{}, f.rec.ran(4)
}

type fakeShortlist struct{ rec *recorder }

func (f *fakeShortlist) Run(context.Context, string, *screening.Output, *policy.Output, domain.UserProfile) (*shortlist.Output, error) {
	return &shortlist.Output{}, f.rec.ran(5)
}

type fakePortfolio struct{ rec *recorder }

func (f *fakePortfolio) Run(string, *shortlist.Output, domain.UserProfile) (*portfolio.Output, error) {
	return &portfolio.Output{}, f.rec.ran(6)
}

type fakeForwarder struct {
	err    error
	called int
	mu     sync.Mutex
}

func (f *fakeForwarder) Enabled() bool { return true }
func (f *fakeForwarder) Forward(context.Context, string) error {
	f.mu.Lock()
	f.called++
	f.mu.Unlock()
	return f.err
}

func testEngines(rec *recorder) Engines {
	return Engines{
		Macro:     &fakeMacro{rec},
		Policy:    &fakePolicy{rec},
		Universe:  &fakeUniverse{rec},
		Screening: &fakeScreening{rec},
		Shortlist: &fakeShortlist{rec},
		Portfolio: &fakePortfolio{rec},
	}
}

func testInput(jobID, wallet string) domain.Phase1Input {
	return domain.Phase1Input{
		JobID:              jobID,
		ExecutionTimestamp: time.Now().UTC(),
		RiskMode:           domain.RiskModeBalanced,
		UserProfile: domain.UserProfile{
			RiskTolerance:       domain.ToleranceBalanced,
			InvestmentTimeframe: domain.TimeframeMedium,
		},
		TimeWindow:    domain.Window14d,
		WalletAddress: wallet,
	}
}

func waitForPhase(t *testing.T, o *Orchestrator, jobID string, phase int, want domain.PhaseStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := o.Status(jobID)
		if err != nil {
			return false
		}
		return status.Phases[phaseKey(phase)].Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func phaseKey(n int) string {
	return map[int]string{1: "phase_1", 2: "phase_2", 3: "phase_3", 4: "phase_4", 5: "phase_5", 6: "phase_6"}[n]
}

func TestCascadeRunsAllPhasesInOrder(t *testing.T) {
	rec := newRecorder()
	o := New(testEngines(rec), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "0x1111111111111111111111111111111111111111")))
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	o.wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, rec.sequence())

	status, err := o.Status("J1")
	require.NoError(t, err)
	assert.Equal(t, 6, status.CurrentPhase)
	assert.Equal(t, "skipped", status.Forwarding)
	for n := 1; n <= 6; n++ {
		assert.Equal(t, domain.PhaseComplete, status.Phases[phaseKey(n)].Status, "phase %d", n)
	}
}

func TestDuplicateJobRegistrationRejected(t *testing.T) {
	o := New(testEngines(newRecorder()), nil, nil, zerolog.Nop())
	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	assert.ErrorIs(t, o.RunPhase1(testInput("J1", "")), domain.ErrInvalidInput)
	o.wg.Wait()
}

func TestPhaseRequiresPredecessorComplete(t *testing.T) {
	rec := newRecorder()
	rec.failAt = 4
	o := New(testEngines(rec), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	waitForPhase(t, o, "J1", 4, domain.PhaseFailed)
	o.wg.Wait()

	// Phase 5 never started and refuses a manual trigger.
	status, err := o.Status("J1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdle, status.Phases[phaseKey(5)].Status)
	assert.Equal(t, "engine exploded", status.Phases[phaseKey(4)].Error)
	assert.ErrorIs(t, o.RunPhase("J1", 5), domain.ErrInvalidInput)
}

func TestRunPhaseValidation(t *testing.T) {
	o := New(testEngines(newRecorder()), nil, nil, zerolog.Nop())
	assert.ErrorIs(t, o.RunPhase("missing", 3), domain.ErrInvalidInput)
	assert.ErrorIs(t, o.RunPhase("missing", 1), domain.ErrInvalidInput)
	assert.ErrorIs(t, o.RunPhase("missing", 7), domain.ErrInvalidInput)
}

func TestDuplicateTriggerReturnsImmediately(t *testing.T) {
	rec := newRecorder()
	rec.gateAt = 3
	rec.gate = make(chan struct{})
	o := New(testEngines(rec), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	waitForPhase(t, o, "J1", 3, domain.PhaseInProgress)

	// Re-triggering a running phase is a no-op.
	require.NoError(t, o.RunPhase("J1", 3))
	require.NoError(t, o.RunPhase("J1", 3))

	close(rec.gate)
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	o.wg.Wait()

	assert.Equal(t, 1, rec.callCount(3))
}

func TestRetriggerAfterFailureReruns(t *testing.T) {
	rec := newRecorder()
	rec.failAt = 2
	o := New(testEngines(rec), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	waitForPhase(t, o, "J1", 2, domain.PhaseFailed)
	o.wg.Wait()

	rec.mu.Lock()
	rec.failAt = 0
	rec.mu.Unlock()

	require.NoError(t, o.RunPhase("J1", 2))
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	o.wg.Wait()

	assert.Equal(t, 2, rec.callCount(2))
}

func TestForwardFailureRecordedPhaseStillComplete(t *testing.T) {
	fwd := &fakeForwarder{err: domain.ErrWebhookFailure}
	o := New(testEngines(newRecorder()), fwd, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	o.wg.Wait()

	status, err := o.Status("J1")
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Forwarding)
	assert.Equal(t, domain.PhaseComplete, status.Phases[phaseKey(6)].Status)
}

func TestWalletIndexTracksLatestJob(t *testing.T) {
	wallet := "0xAbCd111111111111111111111111111111111111"
	o := New(testEngines(newRecorder()), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", wallet)))
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	require.NoError(t, o.RunPhase1(testInput("J2", wallet)))
	waitForPhase(t, o, "J2", 6, domain.PhaseComplete)
	o.wg.Wait()

	status, err := o.StatusByWallet(wallet)
	require.NoError(t, err)
	assert.Equal(t, "J2", status.JobID)

	_, err = o.StatusByWallet("0x0000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReportGatedOnPhaseSix(t *testing.T) {
	rec := newRecorder()
	rec.gateAt = 6
	rec.gate = make(chan struct{})
	o := New(testEngines(rec), nil, nil, zerolog.Nop())

	require.NoError(t, o.RunPhase1(testInput("J1", "")))
	waitForPhase(t, o, "J1", 6, domain.PhaseInProgress)

	_, err := o.Report("J1")
	assert.ErrorIs(t, err, ErrReportNotReady)

	close(rec.gate)
	waitForPhase(t, o, "J1", 6, domain.PhaseComplete)
	o.wg.Wait()

	report, err := o.Report("J1")
	require.NoError(t, err)
	assert.Equal(t, "J1", report.JobID)
	assert.NotNil(t, report.Portfolio)
	assert.NotNil(t, report.MacroReview)
}

func TestRingLogDropsOldestBeyondCapacity(t *testing.T) {
	ring := newRingLog(300)
	for i := 0; i < 350; i++ {
		ring.append(LogEntry{Phase: i})
	}
	got := ring.entries()
	require.Len(t, got, 300)
	assert.Equal(t, 50, got[0].Phase)
	assert.Equal(t, 349, got[299].Phase)
}
