package alerting

import (
	"sync"
	"sync/atomic"
	"time"

	"errorpipe/internal/logging"
	"errorpipe/internal/models"

	"go.uber.org/zap"
)

// Timer is a stoppable deferred call.
type Timer interface {
	Stop() bool
}

// Clock schedules deferred calls.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Escalation task states. A task moves pending -> firing -> pending for each
// step and ends in done or cancelled. Cancel and fire race on the same
// compare-and-swap, so exactly one of them wins a step.
const (
	taskPending int32 = iota
	taskFiring
	taskDone
	taskCancelled
)

// EscalationFireFunc performs one escalation step. It returns false when the
// report no longer needs escalating, which ends the chain.
type EscalationFireFunc func(reportID string, rule EscalationRule, step int) bool

type escalationTask struct {
	key      string
	reportID string
	rule     EscalationRule
	state    atomic.Int32
	step     int

	mu    sync.Mutex
	timer Timer
}

// Scheduler runs escalation chains keyed by (report id, rule id).
//
// tasks holds running chains only. A chain that ran to completion is
// settled: a recurrence of its report does not restart it until the report
// is released or the retention elapses. An acknowledged report is held and
// starts no chain at all until it is released.
type Scheduler struct {
	clock  Clock
	fire   EscalationFireFunc
	logger *zap.Logger
	minute time.Duration

	mu        sync.Mutex
	tasks     map[string]*escalationTask
	settled   map[string]settledChain
	held      map[string]struct{}
	retention time.Duration
	lastPrune time.Time
	closed    bool
	wg        sync.WaitGroup
}

type settledChain struct {
	reportID string
	at       time.Time
}

// NewScheduler creates a scheduler. clock and logger may be nil.
func NewScheduler(clock Clock, fire EscalationFireFunc, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Scheduler{
		clock:   clock,
		fire:    fire,
		logger:  logger.With(zap.String("component", "escalation")),
		minute:  time.Minute,
		tasks:   make(map[string]*escalationTask),
		settled: make(map[string]settledChain),
		held:    make(map[string]struct{}),
	}
}

// SetRetention sets how long a completed chain blocks its key. Zero keeps
// completed chains until their report is released.
func (s *Scheduler) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func escalationKey(reportID, ruleID string) string {
	return reportID + "/" + ruleID
}

// Schedule starts the chain of rule for report. It returns false when the
// key is running or settled, the report is held, or the scheduler is closed.
func (s *Scheduler) Schedule(report *models.ErrorReport, rule EscalationRule) bool {
	if len(rule.Actions) == 0 {
		return false
	}
	key := escalationKey(report.ID, rule.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pruneSettled(s.clock.Now())
	if _, ok := s.held[report.ID]; ok {
		return false
	}
	if _, ok := s.settled[key]; ok {
		return false
	}
	if _, ok := s.tasks[key]; ok {
		return false
	}

	t := &escalationTask{key: key, reportID: report.ID, rule: rule}
	s.tasks[key] = t
	first := time.Duration(rule.Conditions.TimeThresholdMinutes)*s.minute + rule.Actions[0].Delay
	s.arm(t, first)

	s.logger.Info("escalation_scheduled",
		logging.ReportID(report.ID),
		logging.RuleID(rule.ID),
		zap.Duration("first_step_in", first),
		zap.Int("steps", len(rule.Actions)),
	)
	return true
}

func (s *Scheduler) arm(t *escalationTask, d time.Duration) {
	t.mu.Lock()
	t.timer = s.clock.AfterFunc(d, func() { s.run(t) })
	t.mu.Unlock()
}

func (s *Scheduler) run(t *escalationTask) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !t.state.CompareAndSwap(taskPending, taskFiring) {
		return
	}

	step := t.step
	more := s.fire(t.reportID, t.rule, step)
	t.step++

	if !more || t.step >= len(t.rule.Actions) {
		if t.state.CompareAndSwap(taskFiring, taskDone) {
			s.settle(t)
		}
		s.logger.Debug("escalation_finished", logging.ReportID(t.reportID), logging.RuleID(t.rule.ID), zap.Int("steps_fired", t.step))
		return
	}
	if !t.state.CompareAndSwap(taskFiring, taskPending) {
		// Cancelled while the step was firing.
		return
	}
	s.arm(t, t.rule.Actions[t.step].Delay)
}

// settle moves a completed task out of the running set.
func (s *Scheduler) settle(t *escalationTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.key] == t {
		delete(s.tasks, t.key)
	}
	s.settled[t.key] = settledChain{reportID: t.reportID, at: s.clock.Now()}
}

// pruneSettled forgets completed chains older than the retention, at most
// once a minute. Callers hold s.mu.
func (s *Scheduler) pruneSettled(now time.Time) {
	if s.retention <= 0 || now.Sub(s.lastPrune) < time.Minute {
		return
	}
	s.lastPrune = now
	for key, c := range s.settled {
		if now.Sub(c.at) >= s.retention {
			delete(s.settled, key)
		}
	}
}

// Hold cancels every running chain of a report and keeps the report from
// starting new ones until Release. It returns how many chains were cancelled.
func (s *Scheduler) Hold(reportID string) int {
	s.mu.Lock()
	if !s.closed {
		s.held[reportID] = struct{}{}
	}
	s.mu.Unlock()
	return s.cancelReport(reportID)
}

// Release cancels every running chain of a report and forgets that it was
// held or escalated, so a later recurrence escalates afresh.
func (s *Scheduler) Release(reportID string) int {
	s.mu.Lock()
	delete(s.held, reportID)
	for key, c := range s.settled {
		if c.reportID == reportID {
			delete(s.settled, key)
		}
	}
	s.mu.Unlock()
	return s.cancelReport(reportID)
}

func (s *Scheduler) cancelReport(reportID string) int {
	s.mu.Lock()
	var tasks []*escalationTask
	for key, t := range s.tasks {
		if t.reportID == reportID {
			tasks = append(tasks, t)
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if s.cancel(t) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("escalation_cancelled", logging.ReportID(reportID), logging.Count(n))
	}
	return n
}

func (s *Scheduler) cancel(t *escalationTask) bool {
	for {
		st := t.state.Load()
		if st != taskPending && st != taskFiring {
			return false
		}
		if t.state.CompareAndSwap(st, taskCancelled) {
			break
		}
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	return true
}

// Pending returns the number of chains still running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tracked returns the number of keys the scheduler remembers: running and
// settled chains plus held reports.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) + len(s.settled) + len(s.held)
}

// Close cancels every chain and waits for steps already firing.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*escalationTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	clear(s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		s.cancel(t)
	}
	s.wg.Wait()
}
