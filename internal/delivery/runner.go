package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/fedqueue/internal/cache"
	"github.com/busybox42/fedqueue/internal/directory"
	"github.com/busybox42/fedqueue/internal/logging"
	"github.com/busybox42/fedqueue/internal/prober"
	"github.com/busybox42/fedqueue/internal/protocol"
	"github.com/busybox42/fedqueue/internal/queue"
)

// TaskName is the job-system name of single-entry delivery tasks.
const TaskName = "queue.deliver"

// Dependencies are the collaborators a Runner cannot work without.
type Dependencies struct {
	Queue      *queue.Manager
	Directory  directory.Directory
	DeadHosts  *cache.DeadHosts
	Dispatcher Dispatcher
	Submitter  Submitter
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Queue == nil {
		missing = append(missing, "queue")
	}
	if d.Directory == nil {
		missing = append(missing, "directory")
	}
	if d.DeadHosts == nil {
		missing = append(missing, "dead host cache")
	}
	if d.Dispatcher == nil {
		missing = append(missing, "dispatcher")
	}
	if d.Submitter == nil {
		missing = append(missing, "submitter")
	}
	if len(missing) > 0 {
		return fmt.Errorf("runner is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Runner sweeps the queue and delivers single entries.
type Runner struct {
	queue      *queue.Manager
	store      queue.Store
	directory  directory.Directory
	dead       *cache.DeadHosts
	dispatcher Dispatcher
	submitter  Submitter
	liveness   LivenessChecker
	claimer    Claimer
	hooks      []PreDeliverHook
	metrics    MetricsRecorder
	tracker    *Tracker
	entries    *logging.EntryLogger
	logger     *slog.Logger
	priority   Priority
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLiveness enables server liveness checks before dispatch.
func WithLiveness(l LivenessChecker) RunnerOption {
	return func(r *Runner) { r.liveness = l }
}

// WithClaimer replaces the in-process claimer, e.g. with a CacheClaimer
// shared by several runner processes.
func WithClaimer(c Claimer) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.claimer = c
		}
	}
}

// WithPreDeliverHook adds a hook run over the due list of every sweep.
func WithPreDeliverHook(h PreDeliverHook) RunnerOption {
	return func(r *Runner) {
		if h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTracker records attempts and sweeps in t.
func WithTracker(t *Tracker) RunnerOption {
	return func(r *Runner) { r.tracker = t }
}

// WithTaskPriority sets the priority hint of submitted delivery tasks.
func WithTaskPriority(p Priority) RunnerOption {
	return func(r *Runner) { r.priority = p }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(deps Dependencies, opts ...RunnerOption) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		queue:      deps.Queue,
		store:      deps.Queue.Store(),
		directory:  deps.Directory,
		dead:       deps.DeadHosts,
		dispatcher: deps.Dispatcher,
		submitter:  deps.Submitter,
		claimer:    NewLocalClaimer(),
		metrics:    nopMetrics{},
		logger:     slog.Default(),
		priority:   PriorityLow,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.entries = logging.NewEntryLogger(r.logger)
	r.logger = r.logger.With("component", "queue-runner")
	return r, nil
}

// Run is the single entry point: id 0 sweeps the queue, any other id
// delivers that entry once.
func (r *Runner) Run(ctx context.Context, id int64) error {
	if id == 0 {
		_, err := r.Sweep(ctx)
		return err
	}
	_, err := r.Deliver(ctx, id)
	return err
}

// ParseInvocation maps command arguments onto Run's id: no argument means
// a sweep, one integer argument selects an entry.
func ParseInvocation(args []string) (int64, error) {
	switch len(args) {
	case 0:
		return 0, nil
	case 1:
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid queue entry id %q", args[0])
		}
		return id, nil
	default:
		return 0, fmt.Errorf("expected at most one queue entry id, got %d arguments", len(args))
	}
}

// HandleTask adapts Deliver to the job system. Entries that vanished or
// are claimed elsewhere are not task failures.
func (r *Runner) HandleTask(ctx context.Context, task Task) error {
	_, err := r.Deliver(ctx, task.EntryID)
	if errors.Is(err, queue.ErrNotFound) || errors.Is(err, ErrAlreadyClaimed) {
		return nil
	}
	return err
}

// Sweep expires entries past the retention window, selects the due ones
// and submits one delivery task per entry. Expiry always runs before
// selection. Store failures are logged and counted in the report; entries
// the job system has no room for wait for the next sweep. Only a job
// system that refuses work returns an error.
func (r *Runner) Sweep(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	now := r.queue.Now()
	cut := r.queue.Policy().Cutoffs(now)
	report := SweepReport{StartedAt: now}

	r.logger.Info("sweep_started", "expire_before", cut.ExpireBefore)

	expired, err := r.expire(ctx, cut)
	if err != nil {
		report.StoreErrors++
		r.logger.Error("sweep_store_error", "stage", "expire", "error", err)
	}
	report.Expired = expired

	due, err := r.store.ListDue(ctx, cut)
	if err != nil {
		report.StoreErrors++
		r.logger.Error("sweep_store_error", "stage", "select_due", "error", err)
		due = nil
	}

	seen := make(map[int64]struct{}, len(due))
	selected := due[:0]
	for _, e := range due {
		if cut.Expired(e) {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		selected = append(selected, e)
	}
	report.Due = len(selected)

	for _, hook := range r.hooks {
		selected = hook(ctx, selected)
	}
	report.Dropped = report.Due - len(selected)

	var submitErrs []error
submit:
	for _, e := range selected {
		r.logger.Debug("task_submitting", "entry_id", e.ID, "contact_id", e.ContactID)

		err := r.submitter.Submit(Task{
			Name:     TaskName,
			EntryID:  e.ID,
			Priority: r.priority,
			DontFork: true,
		})
		switch {
		case err == nil:
			report.Submitted++
		case errors.Is(err, ErrDuplicateTask):
			report.Skipped++
		case errors.Is(err, ErrPoolFull):
			report.Backlogged++
		default:
			report.Rejected++
			submitErrs = append(submitErrs, err)
			if errors.Is(err, ErrPoolStopped) {
				report.Rejected += len(selected) - report.Submitted - report.Skipped - report.Backlogged - report.Rejected
				break submit
			}
		}
	}

	report.Duration = time.Since(started)
	r.metrics.RecordSweep(ctx, report.Expired, report.Due, report.Submitted, report.Rejected, report.Duration)
	if r.tracker != nil {
		r.tracker.RecordSweep(report)
	}

	r.logger.Info("sweep_completed",
		"expired", report.Expired,
		"due", report.Due,
		"dropped", report.Dropped,
		"submitted", report.Submitted,
		"skipped", report.Skipped,
		"rejected", report.Rejected,
		"backlogged", report.Backlogged,
		"store_errors", report.StoreErrors,
		"duration", report.Duration,
	)

	if report.Backlogged > 0 {
		r.logger.Warn("job_system_backlogged", "backlogged", report.Backlogged)
	}

	if report.Rejected > 0 {
		r.logger.Error("job_system_rejected_tasks", "rejected", report.Rejected, "error", submitErrs[0])
		return report, fmt.Errorf("%w: %d of %d rejected: %w", ErrJobSystem, report.Rejected, len(selected), submitErrs[0])
	}
	return report, nil
}

// expire logs and deletes every entry past the retention window.
func (r *Runner) expire(ctx context.Context, cut queue.Cutoffs) (int, error) {
	expired, err := r.store.ListExpired(ctx, cut.ExpireBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired entries: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for _, e := range expired {
		ec := r.entryContext(e, cut.Now)
		if contact, err := r.directory.Contact(ctx, e.ContactID); err == nil {
			ec.ContactName = contact.Name
			ec.Family = contact.Network
			ec.Target = inboxOf(contact)
			if owner, err := r.directory.User(ctx, contact.UID); err == nil {
				ec.OwnerNick = owner.Nickname
			}
		}
		ec.Reason = "retention_exceeded"
		r.entries.LogExpired(ec)
		r.entries.LogExpiredPayload(ec, e.Payload)
	}

	n, err := r.store.DeleteExpired(ctx, cut.ExpireBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return n, nil
}

// Deliver runs the single-entry state machine once for id.
func (r *Runner) Deliver(ctx context.Context, id int64) (Attempt, error) {
	release, err := r.claimer.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			r.logger.Info("entry_claimed_elsewhere", "entry_id", id)
			return Attempt{EntryID: id, State: Pending, StateName: Pending.String()}, err
		}
		return Attempt{EntryID: id, State: Pending, StateName: Pending.String()}, fmt.Errorf("failed to claim entry %d: %w", id, err)
	}
	defer release()

	entry, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			r.logger.Debug("entry_not_found", "entry_id", id)
		}
		return Attempt{EntryID: id, State: Pending, StateName: Pending.String()}, err
	}

	started := time.Now()
	d := &attemptState{
		runner: r,
		entry:  entry,
		ec:     r.entryContext(entry, r.queue.Now()),
	}
	err = d.run(ctx)

	attempt := d.attempt(time.Since(started))
	r.entries.LogStatus(d.ec, attempt.StateName, attempt.Duration)
	r.metrics.RecordAttempt(ctx, attempt.Family, attempt.StateName, attempt.Duration)
	if r.tracker != nil {
		r.tracker.RecordAttempt(attempt)
	}
	return attempt, err
}

// serverLive asks the liveness checker, or only the cached fact when no
// checker is configured.
func (r *Runner) serverLive(ctx context.Context, root, family string) bool {
	if r.liveness != nil {
		live, _ := r.liveness.IsLive(ctx, root, family)
		return live
	}
	live, known := r.dead.IsServerLive(ctx, root)
	return live || !known
}

func (r *Runner) entryContext(e queue.Entry, now time.Time) logging.EntryContext {
	return logging.EntryContext{
		EntryID:       e.ID,
		ContactID:     e.ContactID,
		IsBatch:       e.IsBatch,
		CreatedAt:     e.CreatedAt,
		LastAttemptAt: e.LastAttemptAt,
		Now:           now,
		PayloadSize:   len(e.Payload),
	}
}

// inboxOf is the address dead marks are keyed by: the notify endpoint, or
// the profile URL for contacts without one.
func inboxOf(c directory.Contact) string {
	if c.Notify != "" {
		return c.Notify
	}
	return c.URL
}

// attemptState carries one pass through the state machine.
type attemptState struct {
	runner  *Runner
	entry   queue.Entry
	contact directory.Contact
	ec      logging.EntryContext
	state   State
	outcome protocol.Outcome
	status  int
	errMsg  string
}

func (d *attemptState) run(ctx context.Context) error {
	r := d.runner

	contact, err := r.directory.Contact(ctx, d.entry.ContactID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.abandon(ctx, ReasonContactMissing)
		}
		return fmt.Errorf("failed to resolve contact %d: %w", d.entry.ContactID, err)
	}
	d.contact = contact
	d.ec.ContactName = contact.Name
	d.ec.Family = contact.Network
	d.ec.Target = inboxOf(contact)

	inbox := inboxOf(contact)
	if dead, known := r.dead.IsContactDead(ctx, inbox); known && dead {
		if left, ok := r.dead.ContactDeadFor(ctx, inbox); ok {
			r.logger.Debug("contact_marked_dead", "entry_id", d.entry.ID, "inbox", inbox, "retry_in", left)
		}
		return d.deferEntry(ctx, ReasonContactDead)
	}

	if root := prober.DetectServer(contact.URL); root != "" && !r.serverLive(ctx, root, contact.Network) {
		d.ec.Target = root
		return d.deferEntry(ctx, ReasonServerDead)
	}

	owner, err := r.directory.User(ctx, contact.UID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.abandon(ctx, ReasonOwnerMissing)
		}
		return fmt.Errorf("failed to resolve owner %d: %w", contact.UID, err)
	}
	d.ec.OwnerNick = owner.Nickname

	r.logger.Debug("entry_dispatching",
		"entry_id", d.entry.ID,
		"contact_name", contact.Name,
		"target", inbox,
		"family", contact.Network,
	)

	result, attempted := r.dispatcher.Dispatch(ctx, protocol.Request{
		Owner:   owner,
		Contact: contact,
		Entry:   d.entry,
	})
	if !attempted {
		d.state = Pending
		d.ec.Reason = ReasonNoNotify
		r.entries.LogSkipped(d.ec)
		return nil
	}

	d.outcome = result.Outcome
	d.status = result.Status
	d.ec.Status = result.Status
	if result.Target != "" {
		d.ec.Target = result.Target
	}
	if result.Err != nil {
		d.errMsg = result.Err.Error()
		d.ec.Error = d.errMsg
	}

	switch result.Outcome {
	case protocol.Success:
		return d.deliver(ctx)
	case protocol.HostDown:
		ttl := r.dead.ContactTTL()
		d.ec.Reason = ReasonHostDown
		r.entries.LogHostDown(d.ec, ttl)
		if err := r.dead.MarkContactDead(ctx, inbox, ttl); err != nil {
			r.logger.Warn("contact_dead_mark_failed", "entry_id", d.entry.ID, "inbox", inbox, "error", err)
		}
		r.metrics.RecordHostDown(ctx, contact.Network)
		r.metrics.RecordError(ctx, d.entry.ID, d.ec.Target, d.errMsg)
		return d.deferEntry(ctx, ReasonHostDown)
	default:
		r.metrics.RecordError(ctx, d.entry.ID, d.ec.Target, d.errMsg)
		return d.deferEntry(ctx, ReasonFailed)
	}
}

func (d *attemptState) deliver(ctx context.Context) error {
	d.state = Delivered
	d.ec.Reason = ReasonAccepted
	d.runner.entries.LogDelivered(d.ec)
	return d.remove(ctx)
}

func (d *attemptState) abandon(ctx context.Context, reason string) error {
	d.state = Abandoned
	d.ec.Reason = reason
	d.runner.entries.LogAbandoned(d.ec)
	return d.remove(ctx)
}

func (d *attemptState) remove(ctx context.Context) error {
	err := d.runner.store.Delete(ctx, d.entry.ID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("failed to remove entry %d: %w", d.entry.ID, err)
	}
	return nil
}

func (d *attemptState) deferEntry(ctx context.Context, reason string) error {
	d.state = Deferred
	d.ec.Reason = reason
	d.runner.entries.LogDeferred(d.ec)

	err := d.runner.store.Touch(ctx, d.entry.ID, d.runner.queue.Now())
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("failed to refresh entry %d: %w", d.entry.ID, err)
	}
	return nil
}

func (d *attemptState) attempt(duration time.Duration) Attempt {
	return Attempt{
		EntryID:     d.entry.ID,
		ContactID:   d.entry.ContactID,
		ContactName: d.contact.Name,
		Family:      d.contact.Network,
		Target:      d.ec.Target,
		State:       d.state,
		StateName:   d.state.String(),
		Outcome:     d.outcome,
		Reason:      d.ec.Reason,
		Status:      d.status,
		Error:       d.errMsg,
		At:          d.ec.Now,
		Duration:    duration,
	}
}
