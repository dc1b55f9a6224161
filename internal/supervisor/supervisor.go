// Package supervisor owns the defender pipeline: it wires ingest,
// filter, dedup, planner and executor together and runs them until
// shutdown. Alerts flow through a single filter/dedup task to keep
// journal ordering and fingerprint writes sequential; planning and
// execution fan out behind it.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/argosec/defender/internal/alert"
	"github.com/argosec/defender/internal/alertstore"
	"github.com/argosec/defender/internal/config"
	"github.com/argosec/defender/internal/errkind"
	"github.com/argosec/defender/internal/executor"
	"github.com/argosec/defender/internal/filter"
	"github.com/argosec/defender/internal/ingest"
	"github.com/argosec/defender/internal/journal"
	"github.com/argosec/defender/internal/ledger"
	"github.com/argosec/defender/internal/metrics"
	"github.com/argosec/defender/internal/planner"
	"github.com/argosec/defender/internal/statestore"
)

// Planner generates remediation plans for an accepted alert.
type Planner interface {
	GenerateFor(ctx context.Context, a alert.Alert) ([]planner.Plan, error)
}

// Executor runs plans to completion.
type Executor interface {
	Execute(ctx context.Context, plans []planner.Plan) []executor.Result
	Stop()
}

// Supervisor holds the assembled pipeline.
type Supervisor struct {
	cfg        *config.Config
	instanceID string

	journal *journal.Writer
	store   *alertstore.Store
	state   *statestore.Store
	ledger  *ledger.Ledger
	filter  *filter.Filter
	planner Planner
	pool    Executor
	server  *ingest.Server
	tailer  *ingest.Tailer

	alerts     chan alertstore.Envelope
	plannerSem *semaphore.Weighted
	plannerWG  sync.WaitGroup
}

// New assembles the pipeline from configuration. Returns an error when
// the run directory or any of its stores cannot be opened; the caller
// treats that as a startup failure.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	jw, err := journal.Open(cfg.TimelineFile(),
		journal.WithDropHook(func(n int64) { metrics.JournalDroppedTotal.Add(float64(n)) }))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	store, err := alertstore.Open(cfg.AlertsFile())
	if err != nil {
		jw.Close()
		return nil, fmt.Errorf("open alert store: %w", err)
	}

	state, err := statestore.Load(cfg.StateFile())
	if err != nil {
		store.Close()
		jw.Close()
		return nil, fmt.Errorf("load state store: %w", err)
	}

	// The ledger is supplemental: a failure to open it degrades
	// introspection, not the pipeline.
	ldg, err := ledger.Open(cfg.LedgerFile())
	if err != nil {
		log.Warn().Err(err).Msg("execution ledger unavailable, continuing without")
		ldg = nil
	}

	gen := planner.New(planner.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
	})

	pool := executor.New(executor.Config{
		Concurrency:    cfg.GlobalExecConcurrency,
		MaxAttempts:    cfg.MaxExecutionRetries,
		AttemptTimeout: cfg.ExecTimeout,
		AgentPort:      cfg.AgentPort,
		DefenderDir:    cfg.DefenderDir(),
	}, jw, ldg)

	s := &Supervisor{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		journal:    jw,
		store:      store,
		state:      state,
		ledger:     ldg,
		filter:     filter.New(filter.Config{}),
		planner:    gen,
		pool:       pool,
		alerts:     make(chan alertstore.Envelope, 1024),
		plannerSem: semaphore.NewWeighted(int64(cfg.PlannerConcurrency)),
	}

	ic := ingest.Config{
		RunID:      cfg.RunID,
		Sink:       store,
		Planner:    gen,
		Classifier: s.filter,
		Notify:     s.enqueue,
	}
	if ldg != nil {
		ic.Executions = ldg
	}
	s.server = ingest.NewServer(ic)
	s.tailer = ingest.NewTailer(cfg.RunID, cfg.TailFiles, cfg.PollInterval, store, s.enqueue)

	return s, nil
}

// enqueue hands a freshly persisted alert to the pipeline. Blocks
// briefly under back-pressure; the alert is already durable, so a full
// queue drops only the processing, never the record.
func (s *Supervisor) enqueue(env alertstore.Envelope, offset int64) {
	select {
	case s.alerts <- env:
	case <-time.After(time.Second):
		log.Warn().Int64("offset", offset).Msg("pipeline queue full, alert persisted but not processed")
	}
}

// Run starts the pipeline and blocks until ctx is cancelled, then
// shuts down in order: ingest drain, executor grace, store flush,
// journal flush.
func (s *Supervisor) Run(ctx context.Context) error {
	snapshot := s.cfg.Snapshot()
	snapshot["instance_id"] = s.instanceID
	s.journal.Append(journal.Entry{
		Level: journal.LevelInit,
		Msg:   "defender core starting",
		Data:  snapshot,
	})

	if err := s.server.Start(s.cfg.Port); err != nil {
		s.closeStores()
		return err
	}

	// Intake stops at shutdown; in-flight work gets the grace period.
	intakeCtx, cancelIntake := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	defer cancelIntake()

	tailerDone := make(chan struct{})
	go func() {
		defer close(tailerDone)
		if err := s.tailer.Run(intakeCtx); err != nil && intakeCtx.Err() == nil {
			log.Error().Err(err).Msg("file tailer stopped")
		}
	}()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		s.pipeline(intakeCtx, workCtx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.server.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("ingest API drain incomplete")
	}
	cancelDrain()

	cancelIntake()
	<-tailerDone

	select {
	case <-pipelineDone:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("shutdown grace expired, abandoning in-flight executions")
		cancelWork()
		select {
		case <-pipelineDone:
		case <-time.After(10 * time.Second):
			log.Error().Msg("pipeline did not stop after cancellation")
		}
	}

	s.pool.Stop()
	s.closeStores()
	return nil
}

func (s *Supervisor) closeStores() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			log.Warn().Err(err).Msg("ledger close failed")
		}
	}
	if err := s.state.Close(); err != nil {
		log.Warn().Err(err).Msg("state store close failed")
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("alert store close failed")
	}
	s.journal.Close()
}

// pipeline is the single filter/dedup task. Alerts are handled in
// receipt order; MarkSeen happens before any planner call for the
// fingerprint.
func (s *Supervisor) pipeline(intakeCtx, workCtx context.Context) {
	for {
		select {
		case <-intakeCtx.Done():
			s.plannerWG.Wait()
			return
		case env := <-s.alerts:
			s.handleAlert(workCtx, env)
		}
	}
}

func (s *Supervisor) handleAlert(workCtx context.Context, env alertstore.Envelope) {
	a := alert.New(env.Raw, env.RunID)

	decision := s.filter.Classify(&a)
	metrics.RecordDecision(decision.String())

	switch decision {
	case filter.Malformed:
		log.Debug().Str("raw", truncate(env.Raw, 80)).Msg("malformed alert skipped")
		return
	case filter.Ignore:
		log.Debug().Str("raw", truncate(env.Raw, 80)).Msg("alert ignored by filter")
		return
	}

	fp := alert.Fingerprint(a)
	tag := alert.Prefix8(fp)

	if s.state.SeenBefore(fp) {
		metrics.AlertsDedupedTotal.Inc()
		s.journal.Append(journal.Entry{
			Level: journal.LevelAlert,
			Msg:   "alert deduplicated, fingerprint already processed",
			Alert: tag,
			Data:  map[string]any{"deduped": true, "class": a.Facets.AttackClass},
		})
		return
	}
	s.state.MarkSeen(fp)

	entry := journal.Entry{
		Level: journal.LevelAlert,
		Msg:   "alert accepted for remediation",
		Alert: tag,
		Data: map[string]any{
			"class":        a.Facets.AttackClass,
			"threat_level": string(a.Facets.ThreatLevel),
			"source_ip":    a.Facets.SourceIP,
			"dest_ip":      a.Facets.DestinationIP,
		},
	}
	if a.Facets.HasConfidence {
		entry.Data["confidence"] = a.Facets.Confidence
	}
	s.journal.Append(entry)

	if err := s.plannerSem.Acquire(workCtx, 1); err != nil {
		return
	}
	s.plannerWG.Add(1)
	go func() {
		defer s.plannerWG.Done()
		defer s.plannerSem.Release(1)
		s.planAndExecute(workCtx, a, fp, tag)
	}()
}

func (s *Supervisor) planAndExecute(ctx context.Context, a alert.Alert, fp, tag string) {
	plans, err := s.planner.GenerateFor(ctx, a)
	if err != nil {
		s.journal.Append(journal.Entry{
			Level: journal.LevelError,
			Msg:   "plan generation failed",
			Alert: tag,
			Data: map[string]any{
				"kind":  string(errkind.KindOf(err)),
				"error": err.Error(),
			},
		})
		return
	}
	if len(plans) == 0 {
		// A well-formed response with nothing actionable in it is still
		// a planner failure from the pipeline's point of view.
		metrics.RecordPlannerFailure(string(errkind.KindPlannerMalformed))
		s.journal.Append(journal.Entry{
			Level: journal.LevelError,
			Msg:   "planner returned no actionable plans",
			Alert: tag,
			Data: map[string]any{
				"kind":  string(errkind.KindPlannerMalformed),
				"plans": 0,
			},
		})
		return
	}

	hosts := make([]string, 0, len(plans))
	for _, p := range plans {
		hosts = append(hosts, p.ExecutorHostIP)
	}
	s.journal.Append(journal.Entry{
		Level: journal.LevelPlan,
		Msg:   "remediation plan generated",
		Alert: tag,
		Data: map[string]any{
			"plans": len(plans),
			"hosts": hosts,
			"model": plans[0].Model,
		},
	})

	results := s.pool.Execute(ctx, plans)
	succeeded := 0
	for _, r := range results {
		if r.Status == executor.StatusSuccess {
			succeeded++
		}
	}
	log.Info().
		Str("alert", tag).
		Int("plans", len(plans)).
		Int("succeeded", succeeded).
		Msg("alert remediation complete")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
