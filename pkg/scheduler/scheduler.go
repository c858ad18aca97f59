package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/manager"
	"github.com/tdoan35/velocity-sub008/pkg/monitoring"
	"github.com/tdoan35/velocity-sub008/pkg/provider"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// ErrUnknownJob is returned by RunJobNow for a name no job carries
var ErrUnknownJob = errors.New("unknown job")

// Job names
const (
	JobCleanup            = "cleanup"
	JobMonitoring         = "monitoring"
	JobOrphanReaper       = "orphan-reaper"
	JobTimeoutEnforcement = "timeout-enforcement"
	JobMetricsCollection  = "metrics-collection"
)

// Job periods. Overrun detection fires when a run takes longer than its
// period minus this margin.
const (
	cleanupPeriod    = 15 * time.Minute
	monitoringPeriod = 5 * time.Minute
	orphanPeriod     = 60 * time.Minute
	timeoutPeriod    = 10 * time.Minute
	metricsPeriod    = time.Minute
	overrunMargin    = 10 * time.Second
	orphanMachineAge = 30 * time.Minute
)

// job is one periodic task. The mutex enforces single-flight: a tick that
// lands while the previous run is still active is skipped.
type job struct {
	name   string
	period time.Duration
	fn     func(ctx context.Context) error

	mu       sync.Mutex
	statusMu sync.Mutex
	lastRun  time.Time
	lastErr  string
	runs     int
}

// JobState is the reported status of one job
type JobState struct {
	Name      string        `json:"name"`
	Period    time.Duration `json:"period"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
}

// Scheduler drives the five periodic maintenance jobs. Jobs never overlap
// with themselves; distinct jobs run concurrently.
type Scheduler struct {
	manager  *manager.Manager
	provider provider.Provider
	store    ledger.Store
	bus      *monitoring.Bus
	logger   zerolog.Logger

	jobs   map[string]*job
	order  []string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the scheduler with its standard job set
func New(m *manager.Manager, p provider.Provider, store ledger.Store, bus *monitoring.Bus) *Scheduler {
	s := &Scheduler{
		manager:  m,
		provider: p,
		store:    store,
		bus:      bus,
		logger:   log.WithComponent("scheduler"),
		jobs:     make(map[string]*job),
		stopCh:   make(chan struct{}),
	}

	s.register(JobCleanup, cleanupPeriod, s.runCleanup)
	s.register(JobMonitoring, monitoringPeriod, s.runMonitoring)
	s.register(JobOrphanReaper, orphanPeriod, s.runOrphanReaper)
	s.register(JobTimeoutEnforcement, timeoutPeriod, s.runTimeoutEnforcement)
	s.register(JobMetricsCollection, metricsPeriod, s.runMetricsCollection)
	return s
}

func (s *Scheduler) register(name string, period time.Duration, fn func(ctx context.Context) error) {
	s.jobs[name] = &job{name: name, period: period, fn: fn}
	s.order = append(s.order, name)
}

// Start launches one ticker goroutine per job
func (s *Scheduler) Start() {
	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(j)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop halts all job loops and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !j.mu.TryLock() {
				jobLogger := log.WithJob(j.name)
				jobLogger.Warn().Msg("previous run still active, skipping tick")
				continue
			}
			s.execute(j)
			j.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// execute runs a job once. The caller holds j.mu.
func (s *Scheduler) execute(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), j.period)
	defer cancel()

	started := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return j.fn(ctx)
	}()
	elapsed := time.Since(started)

	j.statusMu.Lock()
	j.lastRun = started
	j.runs++
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.statusMu.Unlock()

	jlog := log.WithJob(j.name)
	if err != nil {
		jlog.Error().Err(err).Msg("job failed")
		if s.bus != nil {
			s.bus.RecordEvent(j.name+"_job_failed", map[string]interface{}{
				"job":   j.name,
				"error": err.Error(),
			}, types.SeverityError)
		}
	}

	if elapsed > j.period-overrunMargin {
		jlog.Warn().Dur("elapsed", elapsed).Msg("job ran close to its period")
		if s.bus != nil {
			s.bus.RecordEvent(j.name+"_job_overrun", map[string]interface{}{
				"job":        j.name,
				"elapsed_ms": elapsed.Milliseconds(),
			}, types.SeverityWarning)
		}
	}
}

// RunJobNow executes the named job once, synchronously. Waits for any
// in-flight run of the same job to finish first.
func (s *Scheduler) RunJobNow(name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	s.execute(j)

	j.statusMu.Lock()
	defer j.statusMu.Unlock()
	if j.lastErr != "" {
		return errors.New(j.lastErr)
	}
	return nil
}

// JobStates reports all jobs in registration order
func (s *Scheduler) JobStates() []JobState {
	out := make([]JobState, 0, len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		j.statusMu.Lock()
		out = append(out, JobState{
			Name:      j.name,
			Period:    j.period,
			LastRun:   j.lastRun,
			LastError: j.lastErr,
			Runs:      j.runs,
		})
		j.statusMu.Unlock()
	}
	return out
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	_, err := s.manager.CleanupExpiredSessions(ctx)
	return err
}

func (s *Scheduler) runMonitoring(ctx context.Context) error {
	assessments := s.manager.MonitorAllSessions(ctx)
	if s.bus != nil {
		s.bus.RecordMetric("active_sessions", float64(len(assessments)), nil)
	}
	return nil
}

// runOrphanReaper reconciles the ledger and the provider in both directions:
// machines the ledger no longer tracks are destroyed (closing any row still
// open for them), and active rows whose machine is gone at the provider are
// ended in the same pass.
func (s *Scheduler) runOrphanReaper(ctx context.Context) error {
	tracked, err := s.store.ActiveContainerIDs()
	if err != nil {
		return fmt.Errorf("failed to load tracked containers: %w", err)
	}

	cutoff := time.Now().Add(-orphanMachineAge)
	reaped := 0
	for _, m := range s.provider.ListMachines(ctx) {
		if m.State == types.MachineStateDestroyed || m.CreatedAt.After(cutoff) {
			continue
		}
		if m.Config == nil || m.Config.Metadata[provider.MetaService] != provider.ServiceTag {
			continue
		}
		if _, ok := tracked[m.ID]; ok {
			continue
		}

		// Close the ledger row first when one is still open for this
		// machine, then remove the machine itself. Destroy is idempotent
		// so the double call is harmless when the row held the same id.
		sessionID := m.Config.Metadata[provider.MetaSessionID]
		if sessionID != "" {
			if sess, err := s.store.Get(sessionID); err == nil && sess.Status != types.SessionStatusEnded {
				if err := s.manager.DestroySession(ctx, sessionID); err != nil {
					s.logger.Error().Err(err).Str("session_id", sessionID).
						Msg("failed to reap orphaned session")
				}
			}
		}

		if err := s.provider.DestroyMachine(ctx, m.ID); err != nil {
			s.logger.Error().Err(err).Str("machine_id", m.ID).
				Msg("failed to reap orphaned machine")
			continue
		}
		reaped++
	}

	// Ledger-side direction: a row is only as live as its machine
	closed := 0
	for containerID, sessionID := range tracked {
		machine, err := s.provider.GetMachine(ctx, containerID)
		if err != nil {
			s.logger.Warn().Err(err).Str("machine_id", containerID).
				Msg("machine lookup failed, leaving session open")
			continue
		}
		if machine != nil && machine.State != types.MachineStateDestroyed {
			continue
		}
		if err := s.manager.DestroySession(ctx, sessionID); err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).
				Msg("failed to close session with lost machine")
			continue
		}
		closed++
		if s.bus != nil {
			s.bus.RecordEvent("session_machine_lost", map[string]interface{}{
				"session_id": sessionID,
				"machine_id": containerID,
			}, types.SeverityWarning)
		}
	}

	if reaped > 0 || closed > 0 {
		s.logger.Info().Int("reaped", reaped).Int("closed", closed).
			Msg("orphan reaper pass complete")
		if s.bus != nil && reaped > 0 {
			s.bus.RecordEvent("orphans_reaped", map[string]interface{}{"count": reaped}, types.SeverityWarning)
		}
	}
	return nil
}

// runTimeoutEnforcement destroys sessions flagged for auto-destroy by the
// monitoring assessment
func (s *Scheduler) runTimeoutEnforcement(ctx context.Context) error {
	enforced := 0
	for _, a := range s.manager.MonitorAllSessions(ctx) {
		if !hasAction(a, types.ActionAutoDestroy) {
			continue
		}
		if err := s.manager.DestroySession(ctx, a.SessionID); err != nil {
			s.logger.Error().Err(err).Str("session_id", a.SessionID).
				Msg("failed to enforce session timeout")
			continue
		}
		enforced++
		if s.bus != nil {
			s.bus.RecordEvent("session_timeout_enforced", map[string]interface{}{
				"session_id": a.SessionID,
				"tier":       string(a.Tier),
			}, types.SeverityWarning)
		}
	}

	if enforced > 0 {
		s.logger.Info().Int("enforced", enforced).Msg("session timeouts enforced")
	}
	return nil
}

// runMetricsCollection derives session health gauges and per-tier counts
func (s *Scheduler) runMetricsCollection(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}

	assessments := s.manager.MonitorAllSessions(ctx)
	healthy, warning, critical := 0, 0, 0
	for _, a := range assessments {
		switch a.Status {
		case types.AssessmentCritical:
			critical++
		case types.AssessmentWarning:
			warning++
		default:
			healthy++
		}
	}

	s.bus.RecordMetric("active_sessions", float64(len(assessments)), nil)
	s.bus.RecordMetric("healthy_sessions", float64(healthy), nil)
	s.bus.RecordMetric("warning_sessions", float64(warning), nil)
	s.bus.RecordMetric("critical_sessions", float64(critical), nil)

	_, byTier, err := s.manager.ActiveSessionCounts()
	if err != nil {
		return fmt.Errorf("failed to count sessions by tier: %w", err)
	}
	for name, n := range byTier {
		s.bus.RecordMetric("sessions_tier_"+string(name), float64(n), nil)
	}
	return nil
}

func hasAction(a *types.SessionAssessment, action string) bool {
	for _, act := range a.Actions {
		if act == action {
			return true
		}
	}
	return false
}
