package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/fallback"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/internal/process"
)

const (
	realEndpoint     = "http://worker.test"
	fallbackEndpoint = "http://fallback.test"
)

// --- fakes ---

type fakeProber struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(endpoint string, call int) probe.Status
}

func (f *fakeProber) Health(_ context.Context, endpoint string, _ time.Duration) probe.Result {
	f.mu.Lock()
	f.calls[endpoint]++
	n, fn := f.calls[endpoint], f.fn
	f.mu.Unlock()
	st := probe.StatusHealthy
	if fn != nil {
		st = fn(endpoint, n)
	}
	return probe.Result{Status: st, Endpoint: endpoint, Path: probe.PathHealth, At: time.Now()}
}

func (f *fakeProber) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

type fakeProc struct {
	pid   int
	done  chan struct{}
	once  sync.Once
	terms atomic.Int32
	stops atomic.Int32

	mu     sync.Mutex
	exit   process.Exit
	exited bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Exit() (process.Exit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.exited
}

func (p *fakeProc) crash(code int) { p.finish(process.Exit{Code: code}) }

func (p *fakeProc) Stop(time.Duration) process.Exit {
	p.stops.Add(1)
	p.Terminate()
	ex, _ := p.Exit()
	return ex
}

func (p *fakeProc) Terminate() {
	p.terms.Add(1)
	p.finish(process.Exit{Code: -1, Signal: "terminated", Expected: true})
}

func (p *fakeProc) finish(ex process.Exit) {
	p.once.Do(func() {
		p.mu.Lock()
		ex.At = time.Now()
		p.exit, p.exited = ex, true
		p.mu.Unlock()
		close(p.done)
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	specs []process.Spec
	err   error
}

func (l *fakeLauncher) Launch(spec process.Spec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		l.procs = append(l.procs, nil)
		return nil, l.err
	}
	p := &fakeProc{pid: 1000 + len(l.procs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type fakeServer struct {
	stops atomic.Int32
}

func (f *fakeServer) Endpoint() string { return fallbackEndpoint }

func (f *fakeServer) Stop() error {
	f.stops.Add(1)
	return nil
}

type fakeFallback struct {
	mu      sync.Mutex
	servers []*fakeServer
	err     error
}

func (f *fakeFallback) Start(fallback.Config) (FallbackServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeServer{}
	f.servers = append(f.servers, s)
	return s, nil
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

func (f *fakeFallback) last() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[len(f.servers)-1]
}

type capabilityFunc func(context.Context) capability.Result

func (f capabilityFunc) Check(ctx context.Context) capability.Result { return f(ctx) }

// --- harness ---

type harness struct {
	sup      *Supervisor
	prober   *fakeProber
	launcher *fakeLauncher
	fb       *fakeFallback

	cancel  context.CancelFunc
	errc    chan error
	runOnce sync.Once
	runErr  error
}

type setup struct {
	available   bool
	probeFn     func(endpoint string, call int) probe.Status
	launchErr   error
	fallbackErr error
	cfg         func(*Config)
	opts        []Option
}

func newHarness(t *testing.T, st setup) *harness {
	t.Helper()
	h := &harness{
		prober:   &fakeProber{calls: map[string]int{}, fn: st.probeFn},
		launcher: &fakeLauncher{err: st.launchErr},
		fb:       &fakeFallback{err: st.fallbackErr},
		errc:     make(chan error, 1),
	}
	cfg := Config{
		WorkerEndpoint:      realEndpoint,
		StartupDeadline:     2 * time.Second,
		PollInterval:        10 * time.Millisecond,
		HealthInterval:      time.Hour,
		RetryInterval:       10 * time.Millisecond,
		ProbeTimeout:        100 * time.Millisecond,
		StartupProbeTimeout: 50 * time.Millisecond,
		StopTimeout:         100 * time.Millisecond,
	}
	if st.cfg != nil {
		st.cfg(&cfg)
	}
	available := st.available
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithProber(h.prober),
		WithCapability(capabilityFunc(func(context.Context) capability.Result {
			if !available {
				return capability.Result{Stage: "runtime", Reason: "python3 not found"}
			}
			return capability.Result{Available: true, Runtime: "python3"}
		})),
		WithLauncher(h.launcher),
		WithFallback(h.fb),
	}
	h.sup = New(cfg, append(opts, st.opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.sup.Run(ctx) }()
	t.Cleanup(func() { _ = h.stop(t) })
	return h
}

// stop cancels the supervisor and returns Run's error.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	h.runOnce.Do(func() {
		select {
		case h.runErr = <-h.errc:
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	})
	return h.runErr
}

func (h *harness) waitFor(t *testing.T, what string, fn func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.sup.Snapshot(); fn(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := h.sup.Snapshot()
	t.Fatalf("timed out waiting for %s; phase=%s history=%v", what, s.Phase, s.Phases())
	return s
}

func (h *harness) waitPhase(t *testing.T, p Phase) Snapshot {
	t.Helper()
	return h.waitFor(t, p.String(), func(s Snapshot) bool { return s.Phase == p })
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func hasTransition(s Snapshot, from, to Phase) bool {
	for _, tr := range s.History {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

func unreachableFor(endpoint string) func(string, int) probe.Status {
	return func(ep string, _ int) probe.Status {
		if ep == endpoint {
			return probe.StatusUnreachable
		}
		return probe.StatusHealthy
	}
}

// --- scenarios ---

func TestCapabilityUnavailableGoesStraightToFallback(t *testing.T) {
	h := newHarness(t, setup{available: false})
	s := h.waitPhase(t, PhaseFallbackActive)

	assert.Equal(t, []Phase{PhaseIdle, PhaseProbingCapability, PhaseStartingFallback, PhaseFallbackActive}, s.Phases())
	assert.Equal(t, 0, h.launcher.count(), "launch must never be attempted")
	assert.Equal(t, KindFallback, s.Kind())
	assert.Equal(t, fallbackEndpoint, s.Active.Endpoint)
	assert.Contains(t, s.LastError, ErrCapabilityUnavailable.Error())
	assert.Nil(t, s.Standby)
}

func TestStartupSucceedsAfterUnreachableProbes(t *testing.T) {
	h := newHarness(t, setup{available: true, probeFn: func(_ string, n int) probe.Status {
		if n <= 3 {
			return probe.StatusUnreachable
		}
		return probe.StatusHealthy
	}})
	s := h.waitPhase(t, PhaseRealHealthy)

	assert.Equal(t, []Phase{PhaseIdle, PhaseProbingCapability, PhaseLaunchingReal, PhaseAwaitingRealHealth, PhaseRealHealthy}, s.Phases())
	assert.Equal(t, 4, h.prober.count(realEndpoint))
	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, 0, h.fb.count())
	assert.Equal(t, KindReal, s.Kind())
	assert.Equal(t, 1000, s.Active.PID)
}

func TestLaunchUsesResolvedRuntime(t *testing.T) {
	h := newHarness(t, setup{available: true, cfg: func(c *Config) {
		c.Worker = process.Spec{Name: "ml", Args: []string{"app.py"}}
	}})
	h.waitPhase(t, PhaseRealHealthy)
	h.launcher.mu.Lock()
	defer h.launcher.mu.Unlock()
	require.Len(t, h.launcher.specs, 1)
	assert.Equal(t, "python3", h.launcher.specs[0].Command)
	assert.Equal(t, []string{"app.py"}, h.launcher.specs[0].Args)
}

func TestStartupDeadlineFallsBackAndKeepsStandby(t *testing.T) {
	h := newHarness(t, setup{
		available: true,
		probeFn:   unreachableFor(realEndpoint),
		cfg:       func(c *Config) { c.StartupDeadline = 150 * time.Millisecond },
	})
	s := h.waitPhase(t, PhaseFallbackActive)

	assert.True(t, hasTransition(s, PhaseAwaitingRealHealth, PhaseStartingFallback))
	require.NotNil(t, s.Standby)
	assert.Equal(t, KindReal, s.Standby.Kind)
	assert.Equal(t, KindFallback, s.Kind())
	assert.Equal(t, int32(0), h.launcher.last().terms.Load(), "standby must keep running")
	assert.Equal(t, 1, h.launcher.count())
	assert.Contains(t, s.LastError, ErrProbeTimeout.Error())
}

func TestStandbyPromotedWhenHealthy(t *testing.T) {
	var ready atomic.Bool
	h := newHarness(t, setup{
		available: true,
		probeFn: func(ep string, _ int) probe.Status {
			if ep == realEndpoint && !ready.Load() {
				return probe.StatusUnreachable
			}
			return probe.StatusHealthy
		},
		cfg: func(c *Config) {
			c.StartupDeadline = 100 * time.Millisecond
			c.HealthInterval = 10 * time.Millisecond
		},
	})
	h.waitFor(t, "standby in fallback", func(s Snapshot) bool {
		return s.Phase == PhaseFallbackActive && s.Standby != nil
	})
	ready.Store(true)
	s := h.waitPhase(t, PhaseRealHealthy)

	assert.True(t, hasTransition(s, PhaseFallbackActive, PhaseRealHealthy))
	assert.Equal(t, KindReal, s.Kind())
	assert.Nil(t, s.Standby)
	assert.True(t, waitUntil(2*time.Second, func() bool { return h.fb.last().stops.Load() == 1 }), "fallback must be stopped on promotion")
	assert.Equal(t, int32(0), h.launcher.last().terms.Load())
}

func TestStandbyExitIsDropped(t *testing.T) {
	h := newHarness(t, setup{
		available: true,
		probeFn:   unreachableFor(realEndpoint),
		cfg:       func(c *Config) { c.StartupDeadline = 100 * time.Millisecond },
	})
	h.waitFor(t, "standby", func(s Snapshot) bool { return s.Phase == PhaseFallbackActive && s.Standby != nil })
	h.launcher.last().crash(1)
	s := h.waitFor(t, "standby dropped", func(s Snapshot) bool { return s.Standby == nil })
	assert.Equal(t, PhaseFallbackActive, s.Phase)
	assert.Equal(t, KindFallback, s.Kind())
}

func TestStandbyExitKeepsFallbackHealthChecks(t *testing.T) {
	var held atomic.Bool
	blocked := make(chan struct{}, 1)
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	defer releaseOnce()

	h := newHarness(t, setup{
		available: true,
		probeFn: func(ep string, _ int) probe.Status {
			if ep != realEndpoint {
				return probe.StatusHealthy
			}
			if held.Load() {
				select {
				case blocked <- struct{}{}:
				default:
				}
				<-release
			}
			return probe.StatusUnreachable
		},
		cfg: func(c *Config) {
			c.StartupDeadline = 100 * time.Millisecond
			c.HealthInterval = 10 * time.Millisecond
		},
	})
	h.waitFor(t, "standby", func(s Snapshot) bool { return s.Phase == PhaseFallbackActive && s.Standby != nil })

	held.Store(true)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("standby health check never started")
	}
	before := h.prober.count(fallbackEndpoint)

	h.launcher.last().crash(1)
	h.waitFor(t, "standby dropped", func(s Snapshot) bool { return s.Standby == nil })
	releaseOnce()

	assert.True(t, waitUntil(2*time.Second, func() bool { return h.prober.count(fallbackEndpoint) > before }),
		"fallback health checks stopped after the standby exited")
	assert.Equal(t, PhaseFallbackActive, h.sup.Snapshot().Phase)
}

func TestFailoverOnProcessExit(t *testing.T) {
	h := newHarness(t, setup{available: true})
	h.waitPhase(t, PhaseRealHealthy)

	h.launcher.last().crash(137)
	s := h.waitPhase(t, PhaseFallbackActive)

	assert.True(t, hasTransition(s, PhaseRealHealthy, PhaseStartingFallback))
	assert.Equal(t, KindFallback, s.Kind())
	assert.Nil(t, s.Standby)
	assert.Contains(t, s.LastError, ErrProcessExited.Error())
	assert.Equal(t, 1, h.launcher.count(), "no relaunch after failover")
}

func TestExitWhileAwaitingHealthFallsBack(t *testing.T) {
	h := newHarness(t, setup{available: true, probeFn: unreachableFor(realEndpoint)})
	h.waitPhase(t, PhaseAwaitingRealHealth)
	h.launcher.last().crash(2)
	s := h.waitPhase(t, PhaseFallbackActive)
	assert.Nil(t, s.Standby)
	assert.True(t, hasTransition(s, PhaseAwaitingRealHealth, PhaseStartingFallback))
}

func TestLaunchFailureFallsBack(t *testing.T) {
	h := newHarness(t, setup{available: true, launchErr: fmt.Errorf("%w: exec: not found", process.ErrLaunch)})
	s := h.waitPhase(t, PhaseFallbackActive)
	assert.Equal(t, []Phase{PhaseIdle, PhaseProbingCapability, PhaseLaunchingReal, PhaseStartingFallback, PhaseFallbackActive}, s.Phases())
	assert.Contains(t, s.LastError, ErrLaunchFailed.Error())
}

func TestUnhealthyProbeDoesNotFailOver(t *testing.T) {
	h := newHarness(t, setup{
		available: true,
		probeFn: func(_ string, n int) probe.Status {
			switch n {
			case 2:
				return probe.StatusUnreachable
			case 3:
				return probe.StatusUnhealthy
			default:
				return probe.StatusHealthy
			}
		},
		cfg: func(c *Config) { c.HealthInterval = 10 * time.Millisecond },
	})
	s := h.waitFor(t, "recovery", func(s Snapshot) bool {
		return hasTransition(s, PhaseRealUnhealthy, PhaseRealHealthy)
	})
	assert.True(t, hasTransition(s, PhaseRealHealthy, PhaseRealUnhealthy))
	assert.False(t, hasTransition(s, PhaseRealUnhealthy, PhaseStartingFallback))
	assert.Equal(t, 0, h.fb.count())
	assert.GreaterOrEqual(t, h.prober.count(realEndpoint), 4)
}

func TestStaleProbeResultIsDiscarded(t *testing.T) {
	h := newHarness(t, setup{available: true})
	s := h.waitPhase(t, PhaseRealHealthy)

	before := s.StaleEvents
	require.True(t, h.sup.post(probeEvent{
		epoch:    s.Epoch - 1,
		handleID: s.Active.ID,
		target:   "real",
		res:      probe.Result{Status: probe.StatusUnreachable},
	}))
	after := h.waitFor(t, "stale event counted", func(n Snapshot) bool { return n.StaleEvents > before })
	assert.Equal(t, PhaseRealHealthy, after.Phase)
	assert.Equal(t, s.Epoch, after.Epoch)

	// the same result issued at the current epoch is applied
	require.True(t, h.sup.post(probeEvent{
		epoch:    s.Epoch,
		handleID: s.Active.ID,
		target:   "real",
		res:      probe.Result{Status: probe.StatusUnreachable},
	}))
	h.waitFor(t, "unhealthy transition", func(n Snapshot) bool {
		return hasTransition(n, PhaseRealHealthy, PhaseRealUnhealthy)
	})
}

func TestShutdownTerminatesActiveHandle(t *testing.T) {
	var seen []Transition
	var mu sync.Mutex
	h := newHarness(t, setup{available: true, opts: []Option{WithObserver(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})}})
	h.waitPhase(t, PhaseRealHealthy)

	require.NoError(t, h.stop(t))
	s := h.sup.Snapshot()
	assert.Equal(t, PhaseStopped, s.Phase)
	assert.Equal(t, KindNone, s.Kind())
	proc := h.launcher.last()
	assert.Equal(t, int32(1), proc.stops.Load())

	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	assert.Equal(t, PhaseStopped, last.To)

	// termination stays a no-op afterwards
	proc.Terminate()
	var nilHandle *Handle
	nilHandle.terminate()
	nilHandle.shutdown(time.Millisecond)
	assert.ErrorIs(t, h.sup.Run(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, PhaseStopped, h.sup.Snapshot().Phase)
}

func TestShutdownReleasesFallbackAndStandby(t *testing.T) {
	h := newHarness(t, setup{
		available: true,
		probeFn:   unreachableFor(realEndpoint),
		cfg:       func(c *Config) { c.StartupDeadline = 100 * time.Millisecond },
	})
	h.waitFor(t, "standby", func(s Snapshot) bool { return s.Phase == PhaseFallbackActive && s.Standby != nil })
	require.NoError(t, h.stop(t))
	assert.Equal(t, int32(1), h.fb.last().stops.Load())
	assert.Equal(t, int32(1), h.launcher.last().stops.Load())
}

func TestFallbackBindFailureIsFatal(t *testing.T) {
	h := newHarness(t, setup{available: false, fallbackErr: errors.New("address already in use")})
	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFallbackBindFailed))
	s := h.sup.Snapshot()
	assert.Equal(t, PhaseStopped, s.Phase)
	assert.True(t, hasTransition(s, PhaseStartingFallback, PhaseStopped))
}

func TestFallbackBindFailureReleasesStandby(t *testing.T) {
	h := newHarness(t, setup{
		available:   true,
		probeFn:     unreachableFor(realEndpoint),
		fallbackErr: errors.New("address already in use"),
		cfg:         func(c *Config) { c.StartupDeadline = 50 * time.Millisecond },
	})
	err := h.wait(t)
	assert.ErrorIs(t, err, ErrFallbackBindFailed)
	assert.Equal(t, int32(1), h.launcher.last().stops.Load())
}

func TestShutdownDuringCapabilityCheck(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, setup{available: true, opts: []Option{
		WithCapability(capabilityFunc(func(ctx context.Context) capability.Result {
			select {
			case <-ctx.Done():
			case <-release:
			}
			return capability.Result{Stage: "runtime", Reason: ctx.Err().Error()}
		})),
	}})
	h.waitPhase(t, PhaseProbingCapability)
	require.NoError(t, h.stop(t))
	close(release)
	s := h.sup.Snapshot()
	assert.Equal(t, PhaseStopped, s.Phase)
	assert.Equal(t, 0, h.launcher.count())
	assert.Equal(t, 0, h.fb.count())
}

func TestFallbackResponderEndToEnd(t *testing.T) {
	h := newHarness(t, setup{available: false, opts: []Option{
		WithProber(probe.NewClient()),
		WithFallback(FallbackResponder()),
	}, cfg: func(c *Config) {
		c.Fallback = fallback.Config{Host: "127.0.0.1", Port: 0, Version: "test"}
	}})
	s := h.waitPhase(t, PhaseFallbackActive)

	res := probe.NewClient().Health(context.Background(), s.Active.Endpoint, time.Second)
	require.True(t, res.Healthy(), "error=%s", res.Error)
	assert.Equal(t, "synthetic", res.Services["disease_detection"])
	assert.Equal(t, "synthetic", res.Services["nutrient_analysis"])

	require.NoError(t, h.stop(t))
	res = probe.NewClient().Health(context.Background(), s.Active.Endpoint, time.Second)
	assert.Equal(t, probe.StatusUnreachable, res.Status)
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "AwaitingRealHealth", PhaseAwaitingRealHealth.String())
	assert.Equal(t, "Unknown", Phase(99).String())
	assert.Len(t, PhaseNames(), int(PhaseStopped)+1)
	assert.True(t, PhaseFallbackActive.Stable())
	assert.False(t, PhaseRealUnhealthy.Stable())
}
