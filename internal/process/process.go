package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrLaunch marks a failure to spawn the child (bad command, missing binary,
// unusable workdir, ...).
var ErrLaunch = errors.New("launch failed")

// Exit describes how a worker process ended.
type Exit struct {
	Code     int           `json:"code"`             // -1 when terminated by a signal
	Signal   string        `json:"signal,omitempty"` // e.g. "terminated"
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
	Uptime   time.Duration `json:"uptime"`
	Expected bool          `json:"expected"` // Terminate/Kill was requested before the exit
}

func (e Exit) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

type launchOptions struct {
	logger    *slog.Logger
	onExit    func(*Handle, Exit)
	waitDelay time.Duration
}

type Option func(*launchOptions)

// WithLogger sets the logger that receives the worker's output lines.
func WithLogger(l *slog.Logger) Option { return func(o *launchOptions) { o.logger = l } }

// WithOnExit registers the exit observer. It runs once, after the child has
// been reaped and the handle invalidated.
func WithOnExit(fn func(*Handle, Exit)) Option { return func(o *launchOptions) { o.onExit = fn } }

// Handle is the lifecycle handle of one launched worker process.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logger    *slog.Logger
	onExit    func(*Handle, Exit)
	closers   []io.Closer

	done     chan struct{}
	termOnce sync.Once
	killOnce sync.Once

	mu        sync.Mutex
	exited    bool
	exit      Exit
	stopAsked bool
}

// Launch starts the worker described by spec. A live worker recorded in
// spec.PIDFile by an earlier run is stopped first. Output is drained continuously
// into the logger (stdout at info, stderr at warn) and into the configured
// rotating files. The exit observer is armed before Launch returns.
func Launch(spec Spec, opts ...Option) (*Handle, error) {
	o := launchOptions{logger: slog.Default(), waitDelay: 2 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if spec.Name == "" {
		spec.Name = "worker"
	}
	cmd := spec.BuildCommand()
	if cmd == nil {
		return nil, fmt.Errorf("%w: %s: empty command", ErrLaunch, spec.Name)
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = o.waitDelay

	log := o.logger.With("worker", spec.Name)
	ReclaimStale(spec.PIDFile, log)
	fileOut, fileErr, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		log.Warn("worker output files unavailable, logging to host log only", "error", err)
	}
	outLW := newLineWriter(log, slog.LevelInfo, "stdout", fileOut)
	errLW := newLineWriter(log, slog.LevelWarn, "stderr", fileErr)
	cmd.Stdout = outLW
	cmd.Stderr = errLW
	closers := []io.Closer{outLW, errLW}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, spec.Name, err)
	}

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logger:    log,
		onExit:    o.onExit,
		closers:   closers,
		done:      make(chan struct{}),
	}
	if err := WritePIDFile(spec.PIDFile, h.pid); err != nil {
		log.Warn("failed to write pid file", "path", spec.PIDFile, "error", err)
	}
	log.Info("worker launched", "pid", h.pid, "command", cmd.String(), "dir", cmd.Dir)
	go h.observe()
	return h, nil
}

// observe is the single waiter for the child.
func (h *Handle) observe() {
	err := h.cmd.Wait()
	now := time.Now()
	exit := Exit{Code: -1, At: now, Uptime: now.Sub(h.startedAt)}
	if ps := h.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		exit.Signal = exitSignal(ps)
	}
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			exit.Err = err.Error()
		}
	}

	h.mu.Lock()
	exit.Expected = h.stopAsked
	h.exit = exit
	h.exited = true
	h.mu.Unlock()

	for _, c := range h.closers {
		_ = c.Close()
	}
	RemovePIDFile(h.spec.PIDFile)
	h.logger.Info("worker exited", "pid", h.pid, "exit", exit.String(), "uptime", exit.Uptime, "expected", exit.Expected)
	close(h.done)
	if h.onExit != nil {
		h.onExit(h, exit)
	}
}

func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	return h.pid
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running is false once the exit has been observed.
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Exit returns the recorded exit and whether the child has exited.
func (h *Handle) Exit() (Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

// Terminate asks the worker's process group to stop (SIGTERM). It returns
// immediately; the exit is reported through Done and the exit observer.
// Calling it on a nil, exited or already-terminated handle is a no-op.
func (h *Handle) Terminate() {
	if h == nil {
		return
	}
	h.termOnce.Do(func() {
		if !h.markStop() {
			return
		}
		if err := terminate(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Debug("terminate signal failed", "pid", h.pid, "error", err)
		}
	})
}

// Kill forcibly stops the worker's process group. Idempotent like Terminate.
func (h *Handle) Kill() {
	if h == nil {
		return
	}
	h.killOnce.Do(func() {
		if !h.markStop() {
			return
		}
		if err := kill(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Debug("kill signal failed", "pid", h.pid, "error", err)
		}
	})
}

// markStop records the stop request and reports whether a signal is still
// meaningful.
func (h *Handle) markStop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopAsked = true
	return !h.exited
}

// Stop terminates the worker and waits up to grace for it to exit before
// escalating to Kill. It blocks the caller and is meant for shutdown paths.
func (h *Handle) Stop(grace time.Duration) Exit {
	if h == nil {
		return Exit{}
	}
	h.Terminate()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		h.logger.Warn("worker did not exit in time, killing", "pid", h.pid, "grace", grace)
		h.Kill()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			// best-effort; the observer still reaps later
		}
	}
	ex, _ := h.Exit()
	return ex
}
