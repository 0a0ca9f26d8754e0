package scene

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
)

// Config tunes the scheduler. Non-positive fields fall back to
// DefaultConfig, except SettleTicks where zero disables settling.
type Config struct {
	// MaxConcurrent caps in-flight operations per kind.
	MaxConcurrent int
	// FrameBudget bounds how long one Tick spends polling handles.
	FrameBudget time.Duration
	// DebounceTicks is the number of consecutive idle ticks before a batch
	// is reported complete.
	DebounceTicks int
	// SettleTicks keeps a finished load in flight for this many extra ticks.
	SettleTicks int
	// ValidationWorkers sizes the background validation pool.
	ValidationWorkers int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     2,
		FrameBudget:       4 * time.Millisecond,
		DebounceTicks:     3,
		SettleTicks:       1,
		ValidationWorkers: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.FrameBudget <= 0 {
		c.FrameBudget = def.FrameBudget
	}
	if c.DebounceTicks <= 0 {
		c.DebounceTicks = def.DebounceTicks
	}
	if c.SettleTicks < 0 {
		c.SettleTicks = 0
	}
	if c.ValidationWorkers <= 0 {
		c.ValidationWorkers = def.ValidationWorkers
	}
	return c
}

// MetricsRecorder receives scheduler measurements.
type MetricsRecorder interface {
	SetQueueDepth(kind string, n int)
	SetInFlight(kind string, n int)
	SetLoadedScenes(n int)
	ObserveOperation(kind, result string, d time.Duration)
	IncValidationRejected()
	IncBatchComplete()
	IncBudgetExhausted()
}

// Operation results reported to the MetricsRecorder.
const (
	ResultOK         = "ok"
	ResultFailed     = "failed"
	ResultSuperseded = "superseded"
)

// SchedulerOption configures optional collaborators.
type SchedulerOption func(*Scheduler)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = logging.OrNoop(l) }
}

// WithMetricsRecorder wires a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithPublisher sets where LoadingStateChanged and LoadComplete go.
func WithPublisher(p events.Publisher) SchedulerOption {
	return func(s *Scheduler) { s.pub = p }
}

// WithClock replaces the wall clock used for the frame budget.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNameValidator replaces ValidateName in the validation pool.
func WithNameValidator(check func(string) error) SchedulerOption {
	return func(s *Scheduler) { s.check = check }
}

type task struct {
	op         Operation
	handle     Handle
	generation uint64
	started    time.Time
	finished   bool
	progress   float64
	settle     int
	err        error
	// release marks the unload of a load that finished after a reset.
	release bool
}

type epochKey struct{}

// EpochFromContext returns the epoch carried by a context obtained from
// EpochContext.
func EpochFromContext(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(epochKey{}).(uint64)
	return v, ok
}

// Scheduler is the single serialization point for scene loads and unloads.
// Callers enqueue from any goroutine; Tick is driven by one loop and is the
// only place where operations start, progress and complete.
type Scheduler struct {
	cfg     Config
	prim    Primitive
	log     logging.Logger
	metrics MetricsRecorder
	pub     events.Publisher
	now     func() time.Time
	check   func(string) error

	validator *validatorPool

	mu          sync.Mutex
	loadQ       []Operation
	unloadQ     []Operation
	releaseQ    []Operation
	validating  map[string]Operation
	validateSeq map[string]uint64
	nextSeq     uint64
	loaded      map[string]bool
	inflight    map[string]*task
	tasks       []*task

	loading       bool
	quiet         int
	batchFailures int

	generation uint64
	genCtx     context.Context
	genCancel  context.CancelFunc
	epoch      uint64
	epochCtx   context.Context
	drained    bool
}

// NewScheduler builds a scheduler over prim and starts its validation pool.
// Call Close to stop the pool.
func NewScheduler(prim Primitive, cfg Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		prim:        prim,
		log:         logging.Noop(),
		now:         time.Now,
		validating:  make(map[string]Operation),
		validateSeq: make(map[string]uint64),
		loaded:      make(map[string]bool),
		inflight:    make(map[string]*task),
		drained:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.genCtx, s.genCancel = context.WithCancel(context.Background())
	s.epochCtx = context.WithValue(s.genCtx, epochKey{}, s.epoch)
	s.validator = newValidatorPool(s.cfg.ValidationWorkers, s.check)
	return s
}

// Close stops the validation workers. Queued validations are dropped.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.genCancel()
	s.mu.Unlock()
	return s.validator.close()
}

// Config returns the effective tuning.
func (s *Scheduler) Config() Config { return s.cfg }

// Enqueue requests a load or unload of name.
func (s *Scheduler) Enqueue(kind Kind, name string) {
	s.Submit(Operation{Kind: kind, Name: name})
}

// Submit enqueues op. Duplicates are dropped here and opposite requests for
// a name that has not started yet cancel each other, so the state reached
// after the queues drain is the net effect of everything submitted.
func (s *Scheduler) Submit(op Operation) {
	s.mu.Lock()
	var changed bool
	switch op.Kind {
	case Load:
		changed = s.submitLoadLocked(op)
	case Unload:
		changed = s.submitUnloadLocked(op)
	default:
		s.mu.Unlock()
		s.log.Warn(context.Background(), "scene operation with unknown kind dropped",
			logging.String("scene", op.Name),
			logging.Int("kind", int(op.Kind)),
		)
		return
	}
	// Every enqueue restarts the quiet count, including ones that net out.
	s.quiet = 0
	var out []events.Event
	if changed {
		out = s.noteActivityLocked()
	}
	s.mu.Unlock()
	s.publish(out)
}

func (s *Scheduler) submitLoadLocked(op Operation) bool {
	changed := false
	if i := indexOf(s.unloadQ, op.Name); i >= 0 {
		s.unloadQ = slices.Delete(s.unloadQ, i, i+1)
		changed = true
	}
	if _, ok := s.validating[op.Name]; ok || indexOf(s.loadQ, op.Name) >= 0 {
		return changed
	}
	t := s.inflight[op.Name]
	if t != nil && t.op.Kind == Load && t.generation == s.generation {
		return changed
	}
	if t == nil && s.loaded[op.Name] {
		if !changed {
			s.log.Debug(context.Background(), "load of loaded scene ignored", logging.String("scene", op.Name))
		}
		return changed
	}
	s.nextSeq++
	s.validating[op.Name] = op
	s.validateSeq[op.Name] = s.nextSeq
	s.validator.submit(validationJob{name: op.Name, seq: s.nextSeq})
	return true
}

func (s *Scheduler) submitUnloadLocked(op Operation) bool {
	changed := false
	if _, ok := s.validating[op.Name]; ok {
		delete(s.validating, op.Name)
		delete(s.validateSeq, op.Name)
		changed = true
	}
	if i := indexOf(s.loadQ, op.Name); i >= 0 {
		s.loadQ = slices.Delete(s.loadQ, i, i+1)
		changed = true
	}
	t := s.inflight[op.Name]
	if t != nil && t.op.Kind == Unload {
		return changed
	}
	if t == nil && !s.loaded[op.Name] {
		if !changed {
			s.log.Debug(context.Background(), "unload of absent scene ignored", logging.String("scene", op.Name))
		}
		return changed
	}
	if indexOf(s.unloadQ, op.Name) >= 0 {
		return changed
	}
	s.unloadQ = append(s.unloadQ, op)
	return true
}

// noteActivityLocked resets the debounce counter and, on the first work of a
// batch, flips the loading state and issues a fresh epoch.
func (s *Scheduler) noteActivityLocked() []events.Event {
	s.quiet = 0
	var out []events.Event
	if s.drained {
		s.drained = false
		s.epoch++
		s.epochCtx = context.WithValue(s.genCtx, epochKey{}, s.epoch)
	}
	if !s.loading {
		s.loading = true
		s.batchFailures = 0
		out = append(out, events.Event{Type: events.LoadingStateChanged, Flag: true})
	}
	return out
}

// UnloadAll drops every queued load and requests an unload of every scene
// that is loaded or loading.
func (s *Scheduler) UnloadAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.loaded)+len(s.inflight))
	for name := range s.loaded {
		names = append(names, name)
	}
	for name, t := range s.inflight {
		if t.op.Kind == Load && !t.release {
			names = append(names, name)
		}
	}
	dropped := len(s.loadQ) + len(s.validating)
	s.loadQ = nil
	clear(s.validating)
	clear(s.validateSeq)
	s.mu.Unlock()

	sort.Strings(names)
	s.log.Debug(context.Background(), "unloading all scenes",
		logging.Int("scenes", len(names)),
		logging.Int("dropped_loads", dropped),
	)
	for _, name := range names {
		s.Enqueue(Unload, name)
	}
}

// IsBusy reports whether any operation is queued, validating or in flight.
func (s *Scheduler) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

func (s *Scheduler) busyLocked() bool {
	return len(s.loadQ)+len(s.unloadQ)+len(s.releaseQ)+len(s.validating)+len(s.inflight) > 0
}

// PendingCount returns the operations accepted but not yet started,
// including loads still in validation.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loadQ) + len(s.unloadQ) + len(s.releaseQ) + len(s.validating)
}

// InFlightCount returns the operations started and not yet complete.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// IsLoaded reports whether name is in the tracked loaded set.
func (s *Scheduler) IsLoaded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[name]
}

// Loaded returns the sorted tracked loaded set.
func (s *Scheduler) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.loaded)
}

// ValidationBacklog counts load names handed to the validation workers whose
// result has not been produced yet.
func (s *Scheduler) ValidationBacklog() int {
	return s.validator.pending()
}

// EpochContext returns a context tagged with the current epoch. It is
// cancelled by Reset or Close.
func (s *Scheduler) EpochContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochCtx
}

// Generation increments on every Reset.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot is a read-only view of the scheduler state.
type Snapshot struct {
	Loaded      []string
	InFlight    []Operation
	LoadQueue   []string
	UnloadQueue []string
	Validating  []string
	// Progress holds the last polled progress of each in-flight operation.
	Progress   map[string]float64
	Loading    bool
	QuietTicks int
	Generation uint64
	Epoch      uint64
}

// Snapshot copies the current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Loaded:     sortedKeys(s.loaded),
		Loading:    s.loading,
		QuietTicks: s.quiet,
		Generation: s.generation,
		Epoch:      s.epoch,
	}
	for _, t := range s.tasks {
		snap.InFlight = append(snap.InFlight, t.op)
		if snap.Progress == nil {
			snap.Progress = make(map[string]float64, len(s.tasks))
		}
		snap.Progress[t.op.Name] = t.progress
	}
	for _, op := range s.loadQ {
		snap.LoadQueue = append(snap.LoadQueue, op.Name)
	}
	for _, op := range s.unloadQ {
		snap.UnloadQueue = append(snap.UnloadQueue, op.Name)
	}
	for name := range s.validating {
		snap.Validating = append(snap.Validating, name)
	}
	sort.Strings(snap.Validating)
	return snap
}

// Reset abandons all queued work and starts a new generation. Operations
// already in flight run to completion but their results are not recorded;
// a load that finishes after the reset is released again.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.genCancel()
	s.generation++
	s.genCtx, s.genCancel = context.WithCancel(context.Background())
	s.epoch++
	s.epochCtx = context.WithValue(s.genCtx, epochKey{}, s.epoch)
	dropped := len(s.loadQ) + len(s.unloadQ) + len(s.validating)
	s.loadQ = nil
	s.unloadQ = nil
	clear(s.validating)
	clear(s.validateSeq)
	s.quiet = 0
	s.drained = !s.busyLocked()
	gen := s.generation
	s.mu.Unlock()

	s.log.Info(context.Background(), "scene scheduler reset",
		logging.Uint64("generation", gen),
		logging.Int("dropped", dropped),
	)
}

// Tick advances the scheduler by one frame: it collects validation results,
// starts queued operations up to the concurrency ceiling, polls in-flight
// handles within the frame budget and evaluates batch completion.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	s.collectValidatedLocked(ctx)
	s.startLocked(ctx, &s.releaseQ, Unload)
	s.startLocked(ctx, &s.unloadQ, Unload)
	s.startLocked(ctx, &s.loadQ, Load)
	s.pollLocked(ctx)
	out := s.debounceLocked(ctx)
	s.recordGaugesLocked()
	s.mu.Unlock()
	s.publish(out)
}

func (s *Scheduler) collectValidatedLocked(ctx context.Context) {
	for _, res := range s.validator.collect() {
		seq, ok := s.validateSeq[res.name]
		if !ok || seq != res.seq {
			continue
		}
		op := s.validating[res.name]
		delete(s.validating, res.name)
		delete(s.validateSeq, res.name)
		if res.err != nil {
			s.batchFailures++
			if s.metrics != nil {
				s.metrics.IncValidationRejected()
			}
			s.log.Warn(ctx, "scene load rejected by validation",
				logging.String("scene", res.name),
				logging.Err(res.err),
			)
			continue
		}
		s.loadQ = append(s.loadQ, op)
	}
}

func (s *Scheduler) runningLocked(kind Kind) int {
	n := 0
	for _, t := range s.tasks {
		if t.op.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Scheduler) startLocked(ctx context.Context, queue *[]Operation, kind Kind) {
	running := s.runningLocked(kind)
	kept := (*queue)[:0]
	for i, op := range *queue {
		if running >= s.cfg.MaxConcurrent {
			kept = append(kept, (*queue)[i:]...)
			break
		}
		release := queue == &s.releaseQ
		if t := s.inflight[op.Name]; t != nil {
			// Opposite operation still running; retry next tick.
			kept = append(kept, op)
			continue
		}
		if !release {
			if (kind == Load && s.loaded[op.Name]) || (kind == Unload && !s.loaded[op.Name]) {
				s.log.Debug(ctx, "scene already in target state",
					logging.String("scene", op.Name),
					logging.String("kind", kind.String()),
				)
				continue
			}
		}
		s.startTaskLocked(ctx, op, release)
		running++
	}
	*queue = kept
}

func (s *Scheduler) startTaskLocked(ctx context.Context, op Operation, release bool) {
	var h Handle
	if op.Kind == Load {
		h = s.prim.LoadAsync(s.genCtx, op.Name)
	} else {
		h = s.prim.UnloadAsync(s.genCtx, op.Name)
	}
	t := &task{
		op:         op,
		handle:     h,
		generation: s.generation,
		started:    s.now(),
		release:    release,
	}
	s.inflight[op.Name] = t
	s.tasks = append(s.tasks, t)
	s.log.Debug(ctx, "scene operation started",
		logging.String("scene", op.Name),
		logging.String("kind", op.Kind.String()),
		logging.Uint64("generation", s.generation),
	)
}

func (s *Scheduler) pollLocked(ctx context.Context) {
	if len(s.tasks) == 0 {
		return
	}
	start := s.now()
	polled := 0
	var done []*task
	for _, t := range s.tasks {
		if polled > 0 && s.now().Sub(start) >= s.cfg.FrameBudget {
			if s.metrics != nil {
				s.metrics.IncBudgetExhausted()
			}
			s.log.Debug(ctx, "frame budget spent",
				logging.Int("polled", polled),
				logging.Int("deferred", len(s.tasks)-polled),
				logging.Any("progress", progressOf(s.tasks[polled:])),
			)
			break
		}
		polled++
		if s.pollTask(t) {
			done = append(done, t)
		}
	}

	// Tasks that were not polled move to the front for the next tick.
	next := make([]*task, 0, len(s.tasks))
	next = append(next, s.tasks[polled:]...)
	for _, t := range s.tasks[:polled] {
		if !slices.Contains(done, t) {
			next = append(next, t)
		}
	}
	s.tasks = next

	for _, t := range done {
		s.finishLocked(ctx, t)
	}
}

// pollTask reports whether t is complete after this poll.
func (s *Scheduler) pollTask(t *task) bool {
	if t.finished {
		t.settle--
		return t.settle <= 0
	}
	if t.handle == nil {
		t.finished = true
		t.err = errNilHandle
		return true
	}
	if !t.handle.Done() {
		t.progress = t.handle.Progress()
		return false
	}
	t.finished = true
	t.progress = 1
	t.err = t.handle.Err()
	if t.err != nil || t.op.Kind == Unload || t.release {
		return true
	}
	t.settle = s.cfg.SettleTicks
	return t.settle <= 0
}

func progressOf(tasks []*task) map[string]float64 {
	out := make(map[string]float64, len(tasks))
	for _, t := range tasks {
		out[t.op.Name] = t.progress
	}
	return out
}

func (s *Scheduler) finishLocked(ctx context.Context, t *task) {
	delete(s.inflight, t.op.Name)
	kind := t.op.Kind.String()
	elapsed := s.now().Sub(t.started)
	fields := []logging.Field{
		logging.String("scene", t.op.Name),
		logging.String("kind", kind),
		logging.Duration("elapsed", elapsed),
	}

	switch {
	case t.err != nil:
		if t.generation == s.generation {
			s.batchFailures++
		}
		s.observe(kind, ResultFailed, elapsed)
		s.log.Error(ctx, "scene operation failed", append(fields, logging.Err(t.err))...)

	case t.release:
		delete(s.loaded, t.op.Name)
		s.observe(kind, ResultOK, elapsed)
		s.log.Debug(ctx, "superseded scene released", fields...)

	case t.generation != s.generation:
		s.observe(kind, ResultSuperseded, elapsed)
		if t.op.Kind == Load {
			s.releaseQ = append(s.releaseQ, Operation{Kind: Unload, Name: t.op.Name, Tag: "release"})
		} else {
			delete(s.loaded, t.op.Name)
		}
		s.log.Info(ctx, "scene operation superseded by reset", fields...)

	default:
		if t.op.Kind == Load {
			s.loaded[t.op.Name] = true
		} else {
			delete(s.loaded, t.op.Name)
		}
		s.observe(kind, ResultOK, elapsed)
		s.log.Debug(ctx, "scene operation complete", fields...)
	}
}

func (s *Scheduler) observe(kind, result string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(kind, result, d)
	}
}

func (s *Scheduler) debounceLocked(ctx context.Context) []events.Event {
	if s.busyLocked() {
		s.quiet = 0
		return nil
	}
	s.drained = true
	if !s.loading {
		return nil
	}
	s.quiet++
	if s.quiet < s.cfg.DebounceTicks {
		return nil
	}
	s.loading = false
	s.quiet = 0
	ok := s.batchFailures == 0
	if s.metrics != nil {
		s.metrics.IncBatchComplete()
	}
	s.log.Info(ctx, "scene batch complete",
		logging.Int("loaded", len(s.loaded)),
		logging.Int("failures", s.batchFailures),
	)
	return []events.Event{
		{Type: events.LoadingStateChanged, Flag: false},
		{Type: events.LoadComplete, Flag: ok},
	}
}

func (s *Scheduler) recordGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetQueueDepth(Load.String(), len(s.loadQ)+len(s.validating))
	s.metrics.SetQueueDepth(Unload.String(), len(s.unloadQ)+len(s.releaseQ))
	s.metrics.SetInFlight(Load.String(), s.runningLocked(Load))
	s.metrics.SetInFlight(Unload.String(), s.runningLocked(Unload))
	s.metrics.SetLoadedScenes(len(s.loaded))
}

func (s *Scheduler) publish(out []events.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range out {
		s.pub.Publish(ev)
	}
}

func indexOf(ops []Operation, name string) int {
	for i, op := range ops {
		if op.Name == name {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
