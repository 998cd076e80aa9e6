package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/drvkit/drvkit-go/pkg/module"

// Defaults.
const (
	DefaultLoadTimeout   = 30 * time.Second
	DefaultUnlinkTimeout = 5 * time.Second
)

// Config configures a Loader.
type Config struct {
	Backend Backend

	// LoadTimeout applies when LoadOptions.Timeout is zero, and bounds
	// waits of Activate and Unload when the caller's context has no
	// deadline.
	LoadTimeout time.Duration

	// UnlinkTimeout bounds each backend unlink during rollback.
	UnlinkTimeout time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
	Now    func() time.Time
}

type record struct {
	desc     Descriptor
	state    State
	loadedAt time.Time
	loadTime time.Duration
	lastErr  error
}

type txn struct {
	done chan struct{}
}

// backendCall is a backend call that may outlive the caller's wait.
type backendCall struct {
	done chan struct{}

	// undoLate is set under the loader lock when a rollback gave up
	// waiting. The call then reverses its own successful result.
	undoLate bool
}

// Loader is the module registry and loader.
type Loader struct {
	backend       Backend
	loadTimeout   time.Duration
	unlinkTimeout time.Duration
	tracer        trace.Tracer
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	modules map[string]*record
	symbols map[string]Symbol
	busy    map[string]*txn
	calls   map[string]*backendCall
	hooks   []StateChangeFunc

	loads         uint64
	loadErrors    uint64
	rollbacks     uint64
	totalLoadTime time.Duration
}

// NewLoader creates a Loader.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Backend == nil {
		return nil, errors.New("module loader requires a backend")
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.UnlinkTimeout <= 0 {
		cfg.UnlinkTimeout = DefaultUnlinkTimeout
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Loader{
		backend:       cfg.Backend,
		loadTimeout:   cfg.LoadTimeout,
		unlinkTimeout: cfg.UnlinkTimeout,
		tracer:        tp.Tracer(tracerName),
		logger:        logger,
		now:           now,
		modules:       make(map[string]*record),
		symbols:       make(map[string]Symbol),
		busy:          make(map[string]*txn),
		calls:         make(map[string]*backendCall),
	}, nil
}

// OnStateChange registers a hook called after every state transition,
// outside the loader lock.
func (l *Loader) OnStateChange(fn StateChangeFunc) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Register adds a module in state Unloaded. Dependencies may be registered
// later; they are resolved at load time.
func (l *Loader) Register(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc.Dependencies = slices.Clone(desc.Dependencies)
	desc.Symbols = slices.Clone(desc.Symbols)
	desc.Drivers = slices.Clone(desc.Drivers)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.modules[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, desc.ID)
	}
	l.modules[desc.ID] = &record{desc: desc, state: StateUnloaded}
	return nil
}

// Closure returns id and its transitive dependencies, dependencies first.
func (l *Loader) Closure(id string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closureLocked(id)
}

func (l *Loader) closureLocked(root string) ([]string, error) {
	if _, ok := l.modules[root]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, root)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int)
	var (
		order []string
		stack []string
	)

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case visiting:
			i := slices.Index(stack, id)
			path := append(slices.Clone(stack[i:]), id)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(path, " -> "))
		case done:
			return nil
		}
		color[id] = visiting
		stack = append(stack, id)

		rec := l.modules[id]
		for _, dep := range rec.desc.Dependencies {
			drec, ok := l.modules[dep.ID]
			if !ok {
				return fmt.Errorf("%w: %s requires %s: not registered", ErrDependencyUnsatisfied, id, dep.ID)
			}
			if !dep.Constraint.Allows(drec.desc.Version) {
				return fmt.Errorf("%w: %s requires %s, have %s",
					ErrDependencyUnsatisfied, id, dep, drec.desc.Version)
			}
			if err := visit(dep.ID); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = done
		order = append(order, id)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// acquire claims the transaction markers of ids. Overlapping claims wait
// for the holder unless failFast is set. The returned release keeps the
// markers until every backend call on ids has returned, so calls for one
// module never overlap.
func (l *Loader) acquire(ctx context.Context, ids []string, failFast bool) (func(), error) {
	for {
		l.mu.Lock()
		var holder *txn
		for _, id := range ids {
			if t, ok := l.busy[id]; ok {
				holder = t
				break
			}
		}
		if holder == nil {
			t := &txn{done: make(chan struct{})}
			for _, id := range ids {
				l.busy[id] = t
			}
			l.mu.Unlock()

			free := func() {
				l.mu.Lock()
				for _, id := range ids {
					if l.busy[id] == t {
						delete(l.busy, id)
					}
				}
				l.mu.Unlock()
				close(t.done)
			}
			return func() {
				pending := l.pendingCalls(ids)
				if len(pending) == 0 {
					free()
					return
				}
				go func() {
					for _, ch := range pending {
						<-ch
					}
					free()
				}()
			}, nil
		}
		l.mu.Unlock()

		if failFast {
			return nil, ErrLoadInProgress
		}
		select {
		case <-holder.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLoadInProgress, ctx.Err())
		}
	}
}

// withDeadline bounds ctx by the loader timeout when it has no deadline.
func (l *Loader) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.loadTimeout)
}

// Load brings id and its dependency closure to Loaded.
//
// Cycles and unsatisfiable dependencies are rejected before any module
// changes state. A failure rolls back everything this call loaded when
// opts.RollbackOnFailure is set; otherwise the failing module is left
// Failed. Expiry of the timeout always rolls back.
func (l *Loader) Load(ctx context.Context, id string, opts LoadOptions) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.Load", trace.WithAttributes(
		attribute.String("module.id", id),
		attribute.Bool("module.rollback", opts.RollbackOnFailure),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = l.loadTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	order, release, err := l.prepare(lctx, id, opts)
	if err != nil {
		return err
	}
	defer release()
	span.SetAttributes(attribute.Int("module.closure", len(order)))

	start := l.now()
	var loaded []string
	for _, mid := range order {
		if st := l.state(mid); st == StateLoaded || st == StateActive {
			continue
		}
		if lctx.Err() != nil {
			return l.failLoad(ctx, id, mid, l.timeoutErr(lctx), opts, loaded)
		}

		l.setState(mid, StateLoading, nil)
		loaded = append(loaded, mid)
		if err := l.link(lctx, mid); err != nil {
			if lctx.Err() != nil {
				err = l.timeoutErr(lctx)
			}
			return l.failLoad(ctx, id, mid, err, opts, loaded)
		}
	}

	elapsed := l.now().Sub(start)
	l.mu.Lock()
	l.loads++
	l.totalLoadTime += elapsed
	l.mu.Unlock()

	if len(loaded) > 0 {
		l.logger.Info("modules loaded", "module", id, "loaded", loaded, "duration", elapsed)
	}
	return nil
}

func (l *Loader) timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLoadTimeout, ctx.Err())
	}
	return ctx.Err()
}

// prepare resolves the closure and claims it. The closure is recomputed
// after claiming, since a dependency may have been registered meanwhile.
func (l *Loader) prepare(ctx context.Context, id string, opts LoadOptions) ([]string, func(), error) {
	for {
		order, err := l.checkClosure(id, opts)
		if err != nil {
			return nil, nil, err
		}
		release, err := l.acquire(ctx, order, opts.FailFast)
		if err != nil {
			return nil, nil, err
		}

		again, err := l.checkClosure(id, opts)
		if err != nil {
			release()
			return nil, nil, err
		}
		if slices.Equal(order, again) {
			return order, release, nil
		}
		release()
	}
}

func (l *Loader) checkClosure(id string, opts LoadOptions) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, err := l.closureLocked(id)
	if err != nil {
		return nil, err
	}
	if !opts.PreloadDependencies {
		for _, dep := range order[:len(order)-1] {
			if st := l.modules[dep].state; st != StateLoaded && st != StateActive {
				return nil, fmt.Errorf("%w: %s is %s", ErrDependencyUnsatisfied, dep, st)
			}
		}
	}
	return order, nil
}

// link verifies, links and publishes one module.
func (l *Loader) link(ctx context.Context, id string) error {
	desc := l.descriptor(id)

	ctx, span := l.tracer.Start(ctx, "module.Link", trace.WithAttributes(
		attribute.String("module.id", id),
		attribute.String("module.version", desc.Version),
	))
	defer span.End()

	if err := VerifyImage(desc); err != nil {
		span.RecordError(err)
		return err
	}

	start := l.now()
	exports, err := l.callBackend(ctx, id, func(ctx context.Context) (Exports, error) {
		return l.backend.Link(ctx, desc)
	}, func() {
		uctx, cancel := context.WithTimeout(context.Background(), l.unlinkTimeout)
		defer cancel()
		if err := l.backend.Unlink(uctx, desc); err != nil {
			l.logger.Error("unlink of late link failed", "module", id, "error", err)
			return
		}
		l.logger.Warn("late link unlinked", "module", id)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, name := range desc.Symbols {
		if _, ok := exports[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingSymbol, QualifiedName(id, name))
		}
	}

	l.mu.Lock()
	for name := range exports {
		if _, ok := l.symbols[QualifiedName(id, name)]; ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s already published", ErrSymbolTableCorrupt, QualifiedName(id, name))
		}
	}
	for name, v := range exports {
		l.symbols[QualifiedName(id, name)] = Symbol{Module: id, Name: name, Value: v}
	}
	rec := l.modules[id]
	rec.loadedAt = l.now()
	rec.loadTime = rec.loadedAt.Sub(start)
	l.mu.Unlock()

	span.SetAttributes(attribute.Int("module.symbols", len(exports)))
	l.setState(id, StateLoaded, nil)
	return nil
}

type backendResult struct {
	exports Exports
	err     error
}

// callBackend runs fn for module id and stops waiting when ctx is done.
// The call stays registered until fn returns. undo, if not nil, reverses a
// successful result that a rollback stopped waiting for.
func (l *Loader) callBackend(ctx context.Context, id string, fn func(context.Context) (Exports, error), undo func()) (Exports, error) {
	call := &backendCall{done: make(chan struct{})}
	l.mu.Lock()
	l.calls[id] = call
	l.mu.Unlock()

	results := make(chan backendResult, 1)
	go func() {
		r := runBackend(ctx, fn)

		l.mu.Lock()
		if l.calls[id] == call {
			delete(l.calls, id)
		}
		late := call.undoLate
		l.mu.Unlock()

		if late && r.err == nil && undo != nil {
			undo()
		}
		close(call.done)
		results <- r
	}()

	select {
	case r := <-results:
		return r.exports, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runBackend(ctx context.Context, fn func(context.Context) (Exports, error)) (r backendResult) {
	defer func() {
		if p := recover(); p != nil {
			r = backendResult{err: fmt.Errorf("backend panicked: %v", p)}
		}
	}()
	r.exports, r.err = fn(ctx)
	return r
}

// pendingCalls returns the done channels of backend calls still running
// on ids.
func (l *Loader) pendingCalls(ids []string) []chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []chan struct{}
	for _, id := range ids {
		if c, ok := l.calls[id]; ok {
			out = append(out, c.done)
		}
	}
	return out
}

// settle waits for a backend call still running on id. If ctx expires
// first, the call is told to undo its own result and settle reports false.
func (l *Loader) settle(ctx context.Context, id string) bool {
	l.mu.Lock()
	call, ok := l.calls[id]
	l.mu.Unlock()
	if !ok {
		return true
	}

	select {
	case <-call.done:
		return true
	case <-ctx.Done():
	}

	l.mu.Lock()
	if l.calls[id] != call {
		// Returned meanwhile without seeing the flag.
		l.mu.Unlock()
		<-call.done
		return true
	}
	call.undoLate = true
	l.mu.Unlock()
	return false
}

func (l *Loader) failLoad(ctx context.Context, root, failed string, cause error, opts LoadOptions, loaded []string) error {
	lerr := &LoadError{Module: root, Failed: failed, Err: cause}

	l.mu.Lock()
	l.loadErrors++
	l.mu.Unlock()

	if opts.RollbackOnFailure || errors.Is(cause, ErrLoadTimeout) {
		lerr.RolledBack = l.rollback(ctx, loaded, cause)
		l.logger.Warn("module load rolled back", "module", root, "failed", failed, "rolled_back", lerr.RolledBack, "error", cause)
		return lerr
	}

	l.setState(failed, StateFailed, cause)
	l.logger.Warn("module load failed", "module", root, "failed", failed, "error", cause)
	return lerr
}

// rollback unloads ids in reverse order.
func (l *Loader) rollback(ctx context.Context, ids []string, cause error) []string {
	base := context.WithoutCancel(ctx)
	var out []string
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		l.setState(id, StateRollingBack, nil)
		l.dropSymbols(id)

		uctx, cancel := context.WithTimeout(base, l.unlinkTimeout)
		if !l.settle(uctx, id) {
			l.logger.Warn("link still running, unlinking when it returns", "module", id)
		} else if err := l.unlink(uctx, id); err != nil {
			l.logger.Error("unlink during rollback failed", "module", id, "error", err)
		}
		cancel()

		l.setState(id, StateUnloaded, cause)
		out = append(out, id)
	}

	l.mu.Lock()
	l.rollbacks++
	l.mu.Unlock()
	return out
}

func (l *Loader) unlink(ctx context.Context, id string) error {
	desc := l.descriptor(id)
	_, err := l.callBackend(ctx, id, func(ctx context.Context) (Exports, error) {
		return nil, l.backend.Unlink(ctx, desc)
	}, nil)
	return err
}

// Activate moves a Loaded module to Active. Every dependency must already
// be Active. Activating an Active module is a no-op.
func (l *Loader) Activate(ctx context.Context, id string) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.Activate", trace.WithAttributes(attribute.String("module.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := l.withDeadline(ctx)
	defer cancel()

	release, err := l.acquire(ctx, []string{id}, false)
	if err != nil {
		return err
	}
	defer release()

	l.mu.Lock()
	rec, ok := l.modules[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	switch rec.state {
	case StateActive:
		l.mu.Unlock()
		return nil
	case StateLoaded:
	default:
		st := rec.state
		l.mu.Unlock()
		return fmt.Errorf("%w: activate %s in %s", ErrInvalidState, id, st)
	}
	for _, dep := range rec.desc.Dependencies {
		if d := l.modules[dep.ID]; d == nil || d.state != StateActive {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s requires %s", ErrDependencyNotActive, id, dep.ID)
		}
	}
	desc := rec.desc
	l.mu.Unlock()

	_, err = l.callBackend(ctx, id, func(ctx context.Context) (Exports, error) {
		return nil, l.backend.Init(ctx, desc)
	}, nil)
	if err != nil {
		l.dropSymbols(id)
		l.setState(id, StateFailed, err)
		return fmt.Errorf("activate %s: %w", id, err)
	}
	l.setState(id, StateActive, nil)
	return nil
}

// Unload removes a module. It is refused while a dependent is resident.
// Unloading an Unloaded module is a no-op.
func (l *Loader) Unload(ctx context.Context, id string) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.Unload", trace.WithAttributes(attribute.String("module.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := l.withDeadline(ctx)
	defer cancel()

	release, err := l.acquire(ctx, []string{id}, false)
	if err != nil {
		return err
	}
	defer release()

	l.mu.Lock()
	rec, ok := l.modules[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	if rec.state == StateUnloaded {
		l.mu.Unlock()
		return nil
	}
	if deps := l.dependentsLocked(id); len(deps) > 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s required by %s", ErrModuleInUse, id, strings.Join(deps, ", "))
	}
	l.mu.Unlock()

	l.dropSymbols(id)
	if err := l.unlink(ctx, id); err != nil {
		l.setState(id, StateFailed, err)
		return fmt.Errorf("unload %s: %w", id, err)
	}
	l.setState(id, StateUnloaded, nil)
	return nil
}

// Dependents returns the resident modules that depend on id.
func (l *Loader) Dependents(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dependentsLocked(id)
}

func (l *Loader) dependentsLocked(id string) []string {
	var out []string
	for mid, rec := range l.modules {
		if !rec.state.Resident() && rec.state != StateFailed {
			continue
		}
		for _, dep := range rec.desc.Dependencies {
			if dep.ID == id {
				out = append(out, mid)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ResolveSymbol looks up a "module::symbol" name.
func (l *Loader) ResolveSymbol(qualified string) (Symbol, error) {
	if _, _, err := SplitName(qualified); err != nil {
		return Symbol{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.symbols[qualified]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, qualified)
	}
	return s, nil
}

// Symbols returns the published symbols of a module, sorted by name.
func (l *Loader) Symbols(id string) []Symbol {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Symbol
	for _, s := range l.symbols {
		if s.Module == id {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (l *Loader) dropSymbols(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for qn, s := range l.symbols {
		if s.Module == id {
			delete(l.symbols, qn)
		}
	}
}

// Get returns a snapshot of a module.
func (l *Loader) Get(id string) (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.modules[id]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// List returns all modules sorted by id.
func (l *Loader) List() []Info {
	l.mu.Lock()
	out := make([]Info, 0, len(l.modules))
	for _, rec := range l.modules {
		out = append(out, rec.info())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Stats returns loader statistics.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Total:      len(l.modules),
		Loads:      l.loads,
		LoadErrors: l.loadErrors,
		Rollbacks:  l.rollbacks,
	}
	for _, rec := range l.modules {
		switch rec.state {
		case StateLoaded:
			s.Loaded++
		case StateActive:
			s.Active++
		case StateFailed:
			s.Failed++
		}
	}
	if l.loads > 0 {
		s.AvgLoadTime = l.totalLoadTime / time.Duration(l.loads)
	}
	return s
}

func (r *record) info() Info {
	return Info{
		Descriptor: r.desc,
		State:      r.state,
		LoadedAt:   r.loadedAt,
		LoadTime:   r.loadTime,
		LastError:  r.lastErr,
	}
}

func (l *Loader) state(id string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modules[id].state
}

func (l *Loader) descriptor(id string) Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modules[id].desc
}

// setState records a transition and notifies hooks outside the lock.
func (l *Loader) setState(id string, to State, cause error) {
	l.mu.Lock()
	rec := l.modules[id]
	from := rec.state
	rec.state = to
	if cause != nil {
		rec.lastErr = cause
	}
	if to == StateUnloaded {
		rec.loadedAt = time.Time{}
	}
	hooks := slices.Clone(l.hooks)
	l.mu.Unlock()

	if from == to {
		return
	}
	l.logger.Debug("module state changed", "module", id, "from", from.String(), "to", to.String())
	for _, fn := range hooks {
		fn(id, from, to)
	}
}
