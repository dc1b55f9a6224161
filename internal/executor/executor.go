// Package executor runs remediation plans against coder agents. Plans
// fan out to a FIFO worker pool bounded by the global concurrency cap;
// each plan gets up to MaxAttempts fresh sessions with exponential
// backoff between attempts.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/alert"
	"github.com/argosec/defender/internal/errkind"
	"github.com/argosec/defender/internal/journal"
	"github.com/argosec/defender/internal/ledger"
	"github.com/argosec/defender/internal/metrics"
	"github.com/argosec/defender/internal/opencode"
	"github.com/argosec/defender/internal/planner"
	"github.com/argosec/defender/internal/retry"
)

// Status is the terminal outcome of a plan execution.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusFailure      Status = "failure"
	StatusTimeout      Status = "timeout"
	StatusConnectError Status = "connect_error"
)

// Result summarises one fully-executed plan (all attempts).
type Result struct {
	ExecutionID  string
	Fingerprint  string
	HostIP       string
	Status       Status
	AttemptsUsed int
	StartedAt    time.Time
	FinishedAt   time.Time
	Digest       *opencode.Result
}

// AgentClient is the per-attempt session contract. Satisfied by
// *opencode.Client; tests substitute fakes.
type AgentClient interface {
	CreateSession(ctx context.Context) (string, error)
	Submit(ctx context.Context, sessionID, text string) error
	WaitForCompletion(ctx context.Context, sessionID string, timeout time.Duration) (*opencode.Result, error)
	Abort(ctx context.Context, sessionID string) error
}

// ClientFactory builds an agent client for a host, with onEvent wired
// to the execution's journaling and mirroring.
type ClientFactory func(hostIP string, onEvent func(ev opencode.Event, raw []byte)) AgentClient

// Config tunes the pool.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	AttemptTimeout time.Duration
	AgentPort      int
	DefenderDir    string // transcript root; empty disables mirroring
}

// Pool is the bounded execution worker pool.
type Pool struct {
	cfg       Config
	journal   *journal.Writer
	ledger    *ledger.Ledger // optional
	newClient ClientFactory
	policy    retry.Policy

	tasks chan *task
	wg    sync.WaitGroup

	mu   sync.Mutex
	seen map[string]bool // execution_id -> already dispatched
}

type task struct {
	ctx    context.Context
	plan   planner.Plan
	result chan Result
}

// New starts a pool with cfg.Concurrency workers.
func New(cfg Config, jw *journal.Writer, lg *ledger.Ledger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 600 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		journal: jw,
		ledger:  lg,
		policy:  retry.ExecutorPolicy(cfg.MaxAttempts),
		tasks:   make(chan *task, 1024),
		seen:    make(map[string]bool),
	}
	p.newClient = func(hostIP string, onEvent func(ev opencode.Event, raw []byte)) AgentClient {
		c := opencode.NewClient(hostIP, cfg.AgentPort)
		c.OnEvent = onEvent
		return c
	}

	for i := 0; i < cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// ExecutionID derives the stable id for a (fingerprint, host) pair.
func ExecutionID(fingerprint, hostIP string) string {
	sum := sha256.Sum256([]byte(fingerprint + "|" + hostIP))
	return hex.EncodeToString(sum[:])
}

// Execute runs all plans for one alert in parallel (subject to the
// global cap) and blocks until every plan reaches a terminal state.
// A (fingerprint, host) pair is executed at most once per run; repeat
// plans are dropped here.
func (p *Pool) Execute(ctx context.Context, plans []planner.Plan) []Result {
	pending := make([]*task, 0, len(plans))

	for _, plan := range plans {
		execID := ExecutionID(plan.Fingerprint, plan.ExecutorHostIP)

		p.mu.Lock()
		if p.seen[execID] {
			p.mu.Unlock()
			log.Warn().
				Str("exec", alert.Prefix8(execID)).
				Str("host", plan.ExecutorHostIP).
				Msg("plan already executed for this fingerprint and host, skipping")
			continue
		}
		p.seen[execID] = true
		p.mu.Unlock()

		t := &task{ctx: ctx, plan: plan, result: make(chan Result, 1)}
		select {
		case p.tasks <- t:
			pending = append(pending, t)
		case <-ctx.Done():
			return collect(pending)
		}
	}

	return collect(pending)
}

func collect(pending []*task) []Result {
	results := make([]Result, 0, len(pending))
	for _, t := range pending {
		results = append(results, <-t.result)
	}
	return results
}

// Stop drains the queue and waits for in-flight tasks to finish their
// current attempt. Callers cancel the execute context first to bound
// the wait.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.result <- p.runPlan(t.ctx, t.plan)
	}
}

// runPlan owns one plan end to end: all attempts, the journal contract
// (SSH per attempt, EXEC per event, exactly one DONE) and the ledger
// records.
func (p *Pool) runPlan(ctx context.Context, plan planner.Plan) Result {
	execID := ExecutionID(plan.Fingerprint, plan.ExecutorHostIP)
	alertTag := alert.Prefix8(plan.Fingerprint)
	execTag := alert.Prefix8(execID)

	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	var mirror *opencode.Mirror
	if p.cfg.DefenderDir != "" {
		var err error
		if mirror, err = opencode.NewMirror(p.cfg.DefenderDir, plan.ExecutorHostIP); err != nil {
			log.Warn().Err(err).Str("host", plan.ExecutorHostIP).Msg("transcript mirroring disabled for execution")
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	res := Result{
		ExecutionID: execID,
		Fingerprint: plan.Fingerprint,
		HostIP:      plan.ExecutorHostIP,
		StartedAt:   time.Now(),
	}

	err := retry.Do(ctx, p.policy, errkind.IsRetryable, func(ctx context.Context, attempt int) error {
		res.AttemptsUsed = attempt

		p.journal.Append(journal.Entry{
			Level: journal.LevelSSH,
			Msg:   "opening coder agent session",
			Alert: alertTag,
			Exec:  execTag,
			Data: map[string]any{
				"target":       plan.ExecutorHostIP,
				"attempt":      attempt,
				"timeout_secs": p.cfg.AttemptTimeout.Seconds(),
			},
		})

		started := time.Now()
		digest, attemptErr := p.attempt(ctx, plan, mirror, alertTag, execTag)
		if digest != nil {
			res.Digest = digest
		}
		p.recordAttempt(plan, execID, attempt, started, digest, attemptErr)
		return attemptErr
	})

	res.FinishedAt = time.Now()
	res.Status = statusFromError(err)

	duration := res.FinishedAt.Sub(res.StartedAt)
	done := journal.Entry{
		Level: journal.LevelDone,
		Msg:   "plan execution finished",
		Alert: alertTag,
		Exec:  execTag,
		Data: map[string]any{
			"target":        plan.ExecutorHostIP,
			"status":        string(res.Status),
			"attempts_used": res.AttemptsUsed,
			"duration_secs": duration.Seconds(),
		},
	}
	if err != nil {
		done.Data["error"] = err.Error()
	}
	if res.Digest != nil {
		done.Data["tool_invocations"] = res.Digest.ToolCount()
		done.Data["tokens_in"] = res.Digest.TokensIn
		done.Data["tokens_out"] = res.Digest.TokensOut
		done.Data["cost"] = res.Digest.Cost
		done.Data["session_id"] = res.Digest.SessionID
	}
	p.journal.Append(done)
	metrics.RecordExecution(string(res.Status), duration.Seconds())

	return res
}

// attempt runs one session lifecycle: create, submit, wait, and abort
// on timeout. The returned digest may be partial on error.
func (p *Pool) attempt(ctx context.Context, plan planner.Plan, mirror *opencode.Mirror, alertTag, execTag string) (*opencode.Result, error) {
	onEvent := func(ev opencode.Event, raw []byte) {
		if mirror != nil {
			mirror.WriteEvent(raw)
		}
		data := map[string]any{"type": ev.Type}
		if ev.Tool != "" {
			data["tool"] = ev.Tool
			if ev.State != nil {
				data["state"] = ev.State.Status
			}
		}
		if ev.Finish != "" {
			data["finish"] = ev.Finish
		}
		p.journal.Append(journal.Entry{
			Level: journal.LevelExec,
			Msg:   "agent event",
			Alert: alertTag,
			Exec:  execTag,
			Data:  data,
		})
	}

	client := p.newClient(plan.ExecutorHostIP, onEvent)

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	if err := client.Submit(ctx, sessionID, plan.PlanText); err != nil {
		return nil, err
	}

	digest, err := client.WaitForCompletion(ctx, sessionID, p.cfg.AttemptTimeout)
	if err != nil {
		if errkind.KindOf(err) == errkind.KindExecTimeout {
			// Best effort: the attempt context may already be dead.
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if aerr := client.Abort(abortCtx, sessionID); aerr != nil {
				log.Debug().Err(aerr).Str("host", plan.ExecutorHostIP).Msg("session abort failed")
			}
		}
		if mirror != nil && digest != nil {
			mirror.WriteDigest(digest)
		}
		return digest, err
	}

	if mirror != nil {
		mirror.WriteDigest(digest)
	}
	return digest, nil
}

func (p *Pool) recordAttempt(plan planner.Plan, execID string, attempt int, started time.Time, digest *opencode.Result, attemptErr error) {
	if p.ledger == nil {
		return
	}
	finished := time.Now()
	rec := ledger.Record{
		ExecutionID: alert.Prefix8(execID),
		Fingerprint: plan.Fingerprint,
		HostIP:      plan.ExecutorHostIP,
		Attempt:     attempt,
		Status:      string(statusFromError(attemptErr)),
		StartedAt:   started,
		FinishedAt:  finished,
		DurationMS:  finished.Sub(started).Milliseconds(),
	}
	if digest != nil {
		rec.ToolInvocations = digest.ToolCount()
		rec.TokensIn = digest.TokensIn
		rec.TokensOut = digest.TokensOut
		rec.Cost = digest.Cost
		rec.SessionID = digest.SessionID
	}
	insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.ledger.Insert(insertCtx, rec); err != nil {
		log.Warn().Err(err).Msg("failed to record execution attempt in ledger")
	}
}

func statusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	switch errkind.KindOf(err) {
	case errkind.KindExecTimeout:
		return StatusTimeout
	case errkind.KindExecConnect:
		return StatusConnectError
	default:
		return StatusFailure
	}
}
