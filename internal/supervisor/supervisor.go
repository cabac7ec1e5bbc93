// Package supervisor runs the worker lifecycle state machine: capability
// check, launch, startup health polling, steady-state probing and failover to
// the fallback responder.
//
// All state is owned by the goroutine executing Run. Capability checks,
// launches, probes and fallback starts run in their own goroutines and report
// back through a single event channel; every such event carries the epoch at
// which it was issued, and events from an older epoch are discarded.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mlguard/internal/metrics"
	"github.com/loykin/mlguard/internal/probe"
)

type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	prober     Prober
	capability CapabilityChecker
	launcher   Launcher
	fallback   FallbackStarter
	observer   func(Transition)

	events  chan event
	closed  chan struct{}
	started atomic.Bool
	snap    atomic.Pointer[Snapshot]
	wg      sync.WaitGroup

	// owned by the control loop
	ctx       context.Context
	phase     Phase
	epoch     uint64
	since     time.Time
	active    *Handle
	standby   *Handle
	nextID    uint64
	runtime   string
	attempt   int
	lastProbe *probe.Result
	lastErr   error
	stale     uint64
	history   []Transition
	tick      *time.Timer
	deadline  *time.Timer
	fatal     error
}

// New builds a supervisor. Collaborators not injected through options use
// the real probe client, capability prober, process launcher and fallback
// responder.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		events: make(chan event, 64),
		closed: make(chan struct{}),
		phase:  PhaseIdle,
		since:  time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.prober == nil {
		s.prober = probe.NewClient(probe.WithLogger(s.logger))
	}
	if s.capability == nil {
		s.capability = defaultCapability(s.cfg, s.logger)
	}
	if s.launcher == nil {
		s.launcher = ProcessLauncher(s.logger)
	}
	if s.fallback == nil {
		s.fallback = FallbackResponder()
	}
	s.publish()
	return s
}

// Config returns the effective configuration, defaults applied.
func (s *Supervisor) Config() Config { return s.cfg }

// Snapshot returns the latest published state. Safe for concurrent use.
func (s *Supervisor) Snapshot() Snapshot { return *s.snap.Load() }

// Run drives the state machine until ctx is cancelled or the fallback cannot
// be bound. It returns nil on shutdown and an error wrapping
// ErrFallbackBindFailed in the latter case. Either way every backing is
// released before Run returns and the final phase is Stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = loopCtx

	s.transition(PhaseProbingCapability, "startup")
	s.publish()
	for s.phase != PhaseStopped {
		select {
		case <-ctx.Done():
			s.transition(PhaseStopped, "shutdown requested")
		case ev := <-s.events:
			s.dispatch(ev)
		}
		s.publish()
	}
	cancel()
	s.teardown()
	s.publish()
	return s.fatal
}

func (s *Supervisor) dispatch(ev event) {
	switch e := ev.(type) {
	case capabilityEvent:
		s.onCapability(e)
	case launchedEvent:
		s.onLaunched(e)
	case probeEvent:
		s.onProbe(e)
	case exitEvent:
		s.onExit(e)
	case fallbackEvent:
		s.onFallback(e)
	case tickEvent:
		s.onTick(e)
	case deadlineEvent:
		s.onDeadline(e)
	}
}

// transition applies an accepted phase change and runs the entry action of
// the new phase. Entry actions only issue asynchronous work.
func (s *Supervisor) transition(to Phase, reason string) {
	from := s.phase
	s.stopTimers()
	s.epoch++
	s.phase = to
	s.since = time.Now()
	s.attempt = 0
	tr := Transition{From: from, To: to, Reason: reason, At: s.since, Epoch: s.epoch}
	s.history = append(s.history, tr)
	if len(s.history) > maxHistory {
		s.history = append([]Transition(nil), s.history[len(s.history)-maxHistory:]...)
	}
	s.logger.Info("supervisor transition", "from", from, "to", to, "reason", reason, "epoch", s.epoch)
	metrics.RecordTransition(from.String(), to.String())
	metrics.SetPhase(to.String(), PhaseNames())
	if s.observer != nil {
		s.observer(tr)
	}

	switch to {
	case PhaseProbingCapability:
		s.checkCapability()
	case PhaseLaunchingReal:
		s.launch()
	case PhaseAwaitingRealHealth:
		s.deadline = s.after(s.cfg.StartupDeadline, deadlineEvent{epoch: s.epoch})
		s.probe(s.active, "real", s.cfg.StartupProbeTimeout)
	case PhaseRealHealthy, PhaseFallbackActive:
		s.schedule(s.cfg.HealthInterval)
	case PhaseRealUnhealthy:
		s.schedule(s.cfg.RetryInterval)
	case PhaseStartingFallback:
		s.startFallback()
	}
}

// --- issued work ---

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// post delivers an event to the control loop; it gives up once the loop has
// been torn down.
func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Supervisor) after(d time.Duration, ev event) *time.Timer {
	return time.AfterFunc(d, func() { s.post(ev) })
}

func (s *Supervisor) schedule(d time.Duration) {
	if s.tick != nil {
		s.tick.Stop()
	}
	s.tick = s.after(d, tickEvent{epoch: s.epoch})
}

func (s *Supervisor) stopTimers() {
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

func (s *Supervisor) checkCapability() {
	ctx, epoch := s.ctx, s.epoch
	s.spawn(func() {
		s.post(capabilityEvent{epoch: epoch, res: s.capability.Check(ctx)})
	})
}

// launch spawns the worker. A spec without a command runs its arguments
// with the runtime the capability check resolved.
func (s *Supervisor) launch() {
	spec, epoch := s.cfg.Worker, s.epoch
	if spec.Command == "" {
		spec.Command = s.runtime
	}
	s.spawn(func() {
		p, err := s.launcher.Launch(spec)
		s.post(launchedEvent{epoch: epoch, proc: p, err: err})
	})
}

func (s *Supervisor) startFallback() {
	cfg, epoch := s.cfg.Fallback, s.epoch
	s.spawn(func() {
		srv, err := s.fallback.Start(cfg)
		s.post(fallbackEvent{epoch: epoch, srv: srv, err: err})
	})
}

func (s *Supervisor) probe(h *Handle, target string, timeout time.Duration) {
	if h == nil {
		return
	}
	ctx, epoch, id, endpoint := s.ctx, s.epoch, h.ID, h.Endpoint
	s.spawn(func() {
		res := s.prober.Health(ctx, endpoint, timeout)
		s.post(probeEvent{epoch: epoch, handleID: id, target: target, res: res})
	})
}

// watchExit reports the worker's exit once it has been reaped.
func (s *Supervisor) watchExit(h *Handle) {
	id, proc := h.ID, h.proc
	go func() {
		<-proc.Done()
		ex, _ := proc.Exit()
		s.post(exitEvent{handleID: id, exit: ex})
	}()
}

func (s *Supervisor) newHandle(kind Kind, endpoint string) *Handle {
	s.nextID++
	return &Handle{Kind: kind, ID: s.nextID, CreatedAt: time.Now(), Endpoint: endpoint}
}

// --- event handlers ---

func (s *Supervisor) isStale(epoch uint64, ev event) bool {
	if epoch == s.epoch {
		return false
	}
	s.stale++
	metrics.IncStale(ev.name())
	s.logger.Debug("discarding stale event", "event", ev.name(), "issued_epoch", epoch, "epoch", s.epoch, "phase", s.phase)
	return true
}

func (s *Supervisor) noteFailure(err error) {
	s.lastErr = err
	s.logger.Warn("recovering from worker failure", "phase", s.phase, "attempt", s.attempt, "error", err)
}

func (s *Supervisor) onCapability(e capabilityEvent) {
	if s.isStale(e.epoch, e) || s.phase != PhaseProbingCapability {
		return
	}
	if !e.res.Available {
		s.noteFailure(fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, e.res.Stage, e.res.Reason))
		metrics.IncFailover("capability")
		s.transition(PhaseStartingFallback, "capability unavailable")
		return
	}
	s.logger.Info("worker capability available", "runtime", e.res.Runtime, "elapsed", e.res.Elapsed)
	s.runtime = e.res.Runtime
	s.transition(PhaseLaunchingReal, "capability available")
}

func (s *Supervisor) onLaunched(e launchedEvent) {
	if s.isStale(e.epoch, e) || s.phase != PhaseLaunchingReal {
		if e.proc != nil {
			e.proc.Terminate()
		}
		return
	}
	metrics.IncLaunch(e.err == nil)
	if e.err != nil {
		s.noteFailure(fmt.Errorf("%w: %v", ErrLaunchFailed, e.err))
		metrics.IncFailover("launch")
		s.transition(PhaseStartingFallback, "launch failed")
		return
	}
	h := s.newHandle(KindReal, s.cfg.WorkerEndpoint)
	h.proc = e.proc
	s.active = h
	s.watchExit(h)
	s.transition(PhaseAwaitingRealHealth, fmt.Sprintf("worker launched pid=%d", e.proc.PID()))
}

func (s *Supervisor) onTick(e tickEvent) {
	if s.isStale(e.epoch, e) {
		return
	}
	switch s.phase {
	case PhaseAwaitingRealHealth:
		s.probe(s.active, "real", s.cfg.StartupProbeTimeout)
	case PhaseRealHealthy, PhaseRealUnhealthy:
		s.probe(s.active, "real", s.cfg.ProbeTimeout)
	case PhaseFallbackActive:
		if s.standby != nil {
			s.probe(s.standby, "standby", s.cfg.ProbeTimeout)
		} else {
			s.probe(s.active, "fallback", s.cfg.ProbeTimeout)
		}
	}
}

func (s *Supervisor) onProbe(e probeEvent) {
	if s.isStale(e.epoch, e) {
		return
	}
	r := e.res
	s.lastProbe = &r
	metrics.ObserveProbe(e.target, string(r.Status), r.Latency.Seconds())
	switch {
	case s.standby != nil && e.handleID == s.standby.ID:
		s.onStandbyProbe(r)
	case s.active != nil && e.handleID == s.active.ID:
		s.onActiveProbe(r)
	}
}

func (s *Supervisor) onActiveProbe(r probe.Result) {
	s.attempt++
	switch s.phase {
	case PhaseAwaitingRealHealth:
		if r.Healthy() {
			s.transition(PhaseRealHealthy, "worker reported healthy")
			return
		}
		s.logProbeFailure(r)
		s.schedule(s.cfg.PollInterval)
	case PhaseRealHealthy:
		if r.Healthy() {
			s.schedule(s.cfg.HealthInterval)
			return
		}
		s.logProbeFailure(r)
		s.transition(PhaseRealUnhealthy, "probe "+string(r.Status))
	case PhaseRealUnhealthy:
		if r.Healthy() {
			s.transition(PhaseRealHealthy, "worker recovered")
			return
		}
		s.logProbeFailure(r)
		s.schedule(s.cfg.RetryInterval)
	case PhaseFallbackActive:
		// reporting only; the fallback is never replaced by its own probe
		if !r.Healthy() {
			s.logProbeFailure(r)
		}
		s.schedule(s.cfg.HealthInterval)
	}
}

// onStandbyProbe promotes a standby worker that became healthy after the
// startup deadline handed over to the fallback.
func (s *Supervisor) onStandbyProbe(r probe.Result) {
	if s.phase != PhaseFallbackActive {
		return
	}
	if !r.Healthy() {
		s.schedule(s.cfg.HealthInterval)
		return
	}
	prev := s.active
	s.active, s.standby = s.standby, nil
	s.spawn(prev.terminate)
	metrics.IncPromotion()
	s.transition(PhaseRealHealthy, "standby worker promoted")
}

func (s *Supervisor) onDeadline(e deadlineEvent) {
	if s.isStale(e.epoch, e) || s.phase != PhaseAwaitingRealHealth {
		return
	}
	s.noteFailure(fmt.Errorf("%w: worker not healthy within %s", ErrProbeTimeout, s.cfg.StartupDeadline))
	// the worker keeps running as a standby and may be promoted later
	s.standby, s.active = s.active, nil
	metrics.IncFailover("startup_deadline")
	s.transition(PhaseStartingFallback, "startup deadline exceeded")
}

func (s *Supervisor) onExit(e exitEvent) {
	metrics.IncExit(e.exit.Expected)
	switch {
	case s.active != nil && e.handleID == s.active.ID:
		s.active = nil
		err := fmt.Errorf("%w: %s", ErrProcessExited, e.exit)
		switch s.phase {
		case PhaseAwaitingRealHealth, PhaseRealHealthy, PhaseRealUnhealthy:
			s.noteFailure(err)
			metrics.IncFailover("exit")
			s.transition(PhaseStartingFallback, "worker exited: "+e.exit.String())
		default:
			s.lastErr = err
		}
	case s.standby != nil && e.handleID == s.standby.ID:
		s.logger.Info("standby worker exited", "exit", e.exit.String())
		s.standby = nil
		if s.phase == PhaseFallbackActive {
			// a standby health check still in flight now matches no handle
			s.schedule(s.cfg.HealthInterval)
		}
	default:
		s.logger.Debug("exit of released worker ignored", "handle", e.handleID, "exit", e.exit.String())
	}
}

func (s *Supervisor) onFallback(e fallbackEvent) {
	if s.isStale(e.epoch, e) || s.phase != PhaseStartingFallback {
		if e.srv != nil {
			_ = e.srv.Stop()
		}
		return
	}
	metrics.IncFallbackStart(e.err == nil)
	if e.err != nil {
		s.fatal = fmt.Errorf("%w: %v", ErrFallbackBindFailed, e.err)
		s.lastErr = s.fatal
		s.logger.Error("fallback responder could not start", "error", e.err)
		s.transition(PhaseStopped, "fallback bind failed")
		return
	}
	h := s.newHandle(KindFallback, e.srv.Endpoint())
	h.fb = e.srv
	s.active = h
	s.transition(PhaseFallbackActive, "fallback responder started")
}

func (s *Supervisor) logProbeFailure(r probe.Result) {
	err := probeError(r)
	s.lastErr = err
	s.logger.Warn("worker probe failed", "phase", s.phase, "attempt", s.attempt, "status", r.Status, "endpoint", r.Endpoint, "error", err)
}

func probeError(r probe.Result) error {
	switch r.Status {
	case probe.StatusUnreachable:
		if errors.Is(r.Err(), probe.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrProbeTimeout, r.Err())
		}
		return fmt.Errorf("%w: %s", ErrProbeUnreachable, r.Error)
	default:
		return fmt.Errorf("worker unhealthy: code=%d %s", r.Code, r.Error)
	}
}

// --- shutdown ---

// teardown waits for issued work, collects any backing that was created but
// never handed to the loop, and releases everything.
func (s *Supervisor) teardown() {
	s.stopTimers()
	workDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workDone)
	}()
	var orphans []*Handle
drain:
	for {
		select {
		case ev := <-s.events:
			orphans = appendOrphan(orphans, ev)
		case <-workDone:
			for {
				select {
				case ev := <-s.events:
					orphans = appendOrphan(orphans, ev)
				default:
					break drain
				}
			}
		}
	}
	close(s.closed)

	handles := append([]*Handle{s.active, s.standby}, orphans...)
	s.active, s.standby = nil, nil
	var wg sync.WaitGroup
	for _, h := range handles {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.shutdown(s.cfg.StopTimeout)
		}(h)
	}
	wg.Wait()
	s.logger.Info("supervisor stopped", "released", len(handles))
}

func appendOrphan(hs []*Handle, ev event) []*Handle {
	switch e := ev.(type) {
	case launchedEvent:
		if e.proc != nil {
			hs = append(hs, &Handle{Kind: KindReal, proc: e.proc})
		}
	case fallbackEvent:
		if e.srv != nil {
			hs = append(hs, &Handle{Kind: KindFallback, fb: e.srv})
		}
	}
	return hs
}

func (s *Supervisor) publish() {
	snap := &Snapshot{
		Phase:       s.phase,
		Epoch:       s.epoch,
		Since:       s.since,
		Active:      s.active.info(),
		StaleEvents: s.stale,
		History:     append([]Transition(nil), s.history...),
	}
	if s.standby != nil {
		sb := s.standby.info()
		snap.Standby = &sb
	}
	if s.lastProbe != nil {
		lp := *s.lastProbe
		snap.LastProbe = &lp
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	s.snap.Store(snap)
}
