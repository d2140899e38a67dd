// Package orchestrator drives jobs through the six allocation phases.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/events"
	"github.com/selunlabs/selun-engine/internal/modules/macroreview"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/portfolio"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

// ErrReportNotReady is returned until Phase 6 has completed for a job.
var ErrReportNotReady = errors.New("final report not ready")

const (
	firstPhase = 1
	lastPhase  = 6
)

// Phase1Engine runs the macro review.
type Phase1Engine interface {
	Run(ctx context.Context, input domain.Phase1Input) (*macroreview.Output, error)
}

// Phase2Engine derives the policy envelope.
type Phase2Engine interface {
	Run(phase1 *macroreview.Output, profile domain.UserProfile) (*policy.Output, error)
}

// Phase3Engine expands the token universe.
type Phase3Engine interface {
	Run(ctx context.Context, jobID string, profile domain.UserProfile, pol *policy.Output) (*universe.Output, error)
}

// Phase4Engine screens the universe for liquidity and structure.
type Phase4Engine interface {
	Run(jobID string, uni *universe.Output, pol *policy.Output, profile domain.UserProfile) (*screening.Output, error)
}

// Phase5Engine shortlists screened tokens by risk and quality.
type Phase5Engine interface {
	Run(ctx context.Context, jobID string, scr *screening.Output, pol *policy.Output, profile domain.UserProfile) (*shortlist.Output, error)
}

// Phase6Engine constructs the final portfolio.
type Phase6Engine interface {
	Run(jobID string, sl *shortlist.Output, profile domain.UserProfile) (*portfolio.Output, error)
}

// Forwarder dispatches completed allocations downstream.
type Forwarder interface {
	Enabled() bool
	Forward(ctx context.Context, jobID string) error
}

// Engines bundles the six phase implementations.
type Engines struct {
	Macro     Phase1Engine
	Policy    Phase2Engine
	Universe  Phase3Engine
	Screening Phase4Engine
	Shortlist Phase5Engine
	Portfolio Phase6Engine
}

// LogEntry is one ring-buffer record on a job.
type LogEntry struct {
	Phase       int        `json:"phase"`
	SubPhase    string     `json:"sub_phase,omitempty"`
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// PhaseProbe is the externally visible state of one phase.
type PhaseProbe struct {
	Status      domain.PhaseStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ExecutionStatus is the status-probe payload for one job.
type ExecutionStatus struct {
	JobID         string                `json:"job_id"`
	WalletAddress string                `json:"wallet_address,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	CurrentPhase  int                   `json:"current_phase"`
	Phases        map[string]PhaseProbe `json:"phases"`
	Forwarding    string                `json:"forwarding,omitempty"`
	Logs          []LogEntry            `json:"logs"`
}

// Report is the assembled final report of a completed job.
type Report struct {
	JobID          string              `json:"job_id"`
	WalletAddress  string              `json:"wallet_address,omitempty"`
	GeneratedAt    time.Time           `json:"generated_at"`
	MacroReview    *macroreview.Output `json:"macro_review"`
	PolicyEnvelope *policy.Output      `json:"policy_envelope"`
	Universe       *universe.Output    `json:"universe"`
	Screening      *screening.Output   `json:"screening"`
	Shortlist      *shortlist.Output   `json:"shortlist"`
	Portfolio      *portfolio.Output   `json:"portfolio"`
	Forwarding     string              `json:"forwarding,omitempty"`
	ForwardError   string              `json:"forward_error,omitempty"`
}

type phaseState struct {
	status      domain.PhaseStatus
	startedAt   *time.Time
	completedAt *time.Time
	err         string
}

type job struct {
	id        string
	wallet    string
	input     domain.Phase1Input
	createdAt time.Time

	// index 1..lastPhase; slot 0 unused
	phases  [lastPhase + 1]phaseState
	running [lastPhase + 1]bool

	phase1 *macroreview.Output
	phase2 *policy.Output
	phase3 *universe.Output
	phase4 *screening.Output
	phase5 *shortlist.Output
	phase6 *portfolio.Output

	forwardStatus string
	forwardError  string

	logs *ringLog
}

// Orchestrator owns job contexts and runs phases as background tasks.
// Single process, cooperative; duplicate triggers for a (job, phase)
// pair return immediately.
type Orchestrator struct {
	mu         sync.Mutex
	jobs       map[string]*job
	walletJobs map[string]string

	engines   Engines
	forwarder Forwarder
	events    *events.Manager
	log       zerolog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// New creates the orchestrator. The forwarder and event manager may be
// nil when those facilities are not configured.
func New(engines Engines, forwarder Forwarder, eventManager *events.Manager, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:       make(map[string]*job),
		walletJobs: make(map[string]string),
		engines:    engines,
		forwarder:  forwarder,
		events:     eventManager,
		log:        log.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// RunPhase1 registers the job, updates the wallet index and starts the
// macro review in the background. Phases 2 to 6 cascade automatically
// as each predecessor completes.
func (o *Orchestrator) RunPhase1(input domain.Phase1Input) error {
	if strings.TrimSpace(input.JobID) == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidInput)
	}

	o.mu.Lock()
	if _, exists := o.jobs[input.JobID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: job %s already registered", domain.ErrInvalidInput, input.JobID)
	}
	j := &job{
		id:        input.JobID,
		wallet:    strings.ToLower(input.WalletAddress),
		input:     input,
		createdAt: o.now(),
		logs:      newRingLog(ringCapacity),
	}
	o.jobs[input.JobID] = j
	if j.wallet != "" {
		o.walletJobs[j.wallet] = j.id
	}
	o.mu.Unlock()

	return o.trigger(j, firstPhase)
}

// RunPhase starts phase N for an existing job. Valid for N in 2..6;
// phase N requires phase N-1 to be complete.
func (o *Orchestrator) RunPhase(jobID string, phase int) error {
	if phase <= firstPhase || phase > lastPhase {
		return fmt.Errorf("%w: phase %d is not triggerable", domain.ErrInvalidInput, phase)
	}
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown job %s", domain.ErrInvalidInput, jobID)
	}
	return o.trigger(j, phase)
}

// Status returns the execution status of a job.
func (o *Orchestrator) Status(jobID string) (*ExecutionStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %s", domain.ErrInvalidInput, jobID)
	}
	return o.statusLocked(j), nil
}

// StatusByWallet resolves the wallet's latest job and returns its status.
func (o *Orchestrator) StatusByWallet(address string) (*ExecutionStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobID, ok := o.walletJobs[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("%w: no job for wallet %s", domain.ErrInvalidInput, address)
	}
	return o.statusLocked(o.jobs[jobID]), nil
}

// Report assembles the final report once Phase 6 has completed.
func (o *Orchestrator) Report(jobID string) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %s", domain.ErrInvalidInput, jobID)
	}
	if j.phases[lastPhase].status != domain.PhaseComplete {
		return nil, ErrReportNotReady
	}
	return &Report{
		JobID:          j.id,
		WalletAddress:  j.wallet,
		GeneratedAt:    o.now().UTC(),
		MacroReview:    j.phase1,
		PolicyEnvelope: j.phase2,
		Universe:       j.phase3,
		Screening:      j.phase4,
		Shortlist:      j.phase5,
		Portfolio:      j.phase6,
		Forwarding:     j.forwardStatus,
		ForwardError:   j.forwardError,
	}, nil
}

// trigger transitions the phase to in_progress and spawns its task.
// Returns nil without spawning when the phase is already running.
func (o *Orchestrator) trigger(j *job, phase int) error {
	o.mu.Lock()
	if j.running[phase] {
		o.mu.Unlock()
		return nil
	}
	if phase > firstPhase && j.phases[phase-1].status != domain.PhaseComplete {
		o.mu.Unlock()
		return fmt.Errorf("%w: phase %d requires phase %d to be complete", domain.ErrInvalidInput, phase, phase-1)
	}
	started := o.now()
	j.running[phase] = true
	j.phases[phase] = phaseState{status: domain.PhaseInProgress, startedAt: &started}
	j.logs.append(LogEntry{
		Phase:     phase,
		Status:    string(domain.PhaseInProgress),
		Timestamp: started,
		StartedAt: &started,
	})
	o.mu.Unlock()

	o.emit(events.PhaseStarted, map[string]interface{}{"job_id": j.id, "phase": phase})
	o.log.Info().Str("job_id", j.id).Int("phase", phase).Msg("Phase started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(j, phase)
	}()
	return nil
}

// execute runs one phase and, on success, cascades to the next one.
func (o *Orchestrator) execute(j *job, phase int) {
	ctx := context.Background()

	o.mu.Lock()
	input := j.input
	p1, p2, p3, p4, p5 := j.phase1, j.phase2, j.phase3, j.phase4, j.phase5
	o.mu.Unlock()

	var err error
	var out1 *macroreview.Output
	var out2 *policy.Output
	var out3 *universe.Output
	var out4 *screening.Output
	var out5 *shortlist.Output
	var out6 *portfolio.Output

	switch phase {
	case 1:
		out1, err = o.engines.Macro.Run(ctx, input)
	case 2:
		out2, err = o.engines.Policy.Run(p1, input.UserProfile)
	case 3:
		out3, err = o.engines.Universe.Run(ctx, j.id, input.UserProfile, p2)
	case 4:
		out4, err = o.engines.Screening.Run(j.id, p3, p2, input.UserProfile)
	case 5:
		out5, err = o.engines.Shortlist.Run(ctx, j.id, p4, p2, input.UserProfile)
	case 6:
		out6, err = o.engines.Portfolio.Run(j.id, p5, input.UserProfile)
	}

	completed := o.now()
	o.mu.Lock()
	j.running[phase] = false
	state := &j.phases[phase]
	state.completedAt = &completed
	if err != nil {
		state.status = domain.PhaseFailed
		state.err = err.Error()
	} else {
		state.status = domain.PhaseComplete
		switch phase {
		case 1:
			j.phase1 = out1
		case 2:
			j.phase2 = out2
		case 3:
			j.phase3 = out3
		case 4:
			j.phase4 = out4
		case 5:
			j.phase5 = out5
		case 6:
			j.phase6 = out6
		}
	}
	j.logs.append(LogEntry{
		Phase:       phase,
		Status:      string(state.status),
		Timestamp:   completed,
		StartedAt:   state.startedAt,
		CompletedAt: &completed,
		Error:       state.err,
	})
	o.mu.Unlock()

	if err != nil {
		o.emit(events.PhaseFailed, map[string]interface{}{"job_id": j.id, "phase": phase, "error": err.Error()})
		o.log.Error().Err(err).Str("job_id", j.id).Int("phase", phase).Msg("Phase failed")
		return
	}

	o.emit(events.PhaseCompleted, map[string]interface{}{"job_id": j.id, "phase": phase})
	o.log.Info().Str("job_id", j.id).Int("phase", phase).Msg("Phase completed")

	if phase < lastPhase {
		if err := o.trigger(j, phase+1); err != nil {
			o.log.Error().Err(err).Str("job_id", j.id).Int("phase", phase+1).Msg("Cascade trigger rejected")
		}
		return
	}
	o.forward(j)
}

// forward dispatches the finished allocation to the downstream
// allocator. A dispatch failure is recorded on the job but never
// changes the Phase 6 outcome.
func (o *Orchestrator) forward(j *job) {
	if o.forwarder == nil || !o.forwarder.Enabled() {
		o.mu.Lock()
		j.forwardStatus = "skipped"
		o.mu.Unlock()
		return
	}

	err := o.forwarder.Forward(context.Background(), j.id)
	now := o.now()

	o.mu.Lock()
	if err != nil {
		j.forwardStatus = "failed"
		j.forwardError = err.Error()
	} else {
		j.forwardStatus = "forwarded"
	}
	j.logs.append(LogEntry{
		Phase:     lastPhase,
		SubPhase:  "aaa_forward",
		Status:    j.forwardStatus,
		Timestamp: now,
		Error:     j.forwardError,
	})
	o.mu.Unlock()

	if err != nil {
		o.emit(events.ErrorOccurred, map[string]interface{}{"job_id": j.id, "error": err.Error()})
		o.log.Warn().Err(err).Str("job_id", j.id).Msg("Allocation forward failed")
		return
	}
	o.emit(events.AllocationForwarded, map[string]interface{}{"job_id": j.id})
}

func (o *Orchestrator) statusLocked(j *job) *ExecutionStatus {
	phases := make(map[string]PhaseProbe, lastPhase)
	current := 0
	for n := firstPhase; n <= lastPhase; n++ {
		state := j.phases[n]
		status := state.status
		if status == "" {
			status = domain.PhaseIdle
		} else {
			current = n
		}
		phases[fmt.Sprintf("phase_%d", n)] = PhaseProbe{
			Status:      status,
			StartedAt:   state.startedAt,
			CompletedAt: state.completedAt,
			Error:       state.err,
		}
	}
	return &ExecutionStatus{
		JobID:         j.id,
		WalletAddress: j.wallet,
		CreatedAt:     j.createdAt,
		CurrentPhase:  current,
		Phases:        phases,
		Forwarding:    j.forwardStatus,
		Logs:          j.logs.entries(),
	}
}

func (o *Orchestrator) emit(eventType events.EventType, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	o.events.Emit(eventType, "orchestrator", data)
}
