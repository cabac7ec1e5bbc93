// Package capability decides, before any launch, whether the worker's runtime
// interpreter and libraries exist on this host.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Defaults mirror a Python inference worker.
var (
	DefaultRuntimes     = []string{"python3", "python"}
	DefaultVersionArgs  = []string{"--version"}
	DefaultImportModule = "flask, tensorflow, PIL, numpy, cv2"
)

const DefaultTimeout = 15 * time.Second

// ErrUnavailable is returned when the runtime or its libraries are missing.
var ErrUnavailable = errors.New("worker capability unavailable")

// Result is the outcome of a capability check.
type Result struct {
	Available bool          `json:"available"`
	Runtime   string        `json:"runtime,omitempty"`
	Stage     string        `json:"stage,omitempty"` // "runtime" or "libraries" on failure
	Reason    string        `json:"reason,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (r Result) Err() error {
	if r.Available {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrUnavailable, r.Stage, r.Reason)
}

// Prober runs the two-step check: runtime presence, then library import.
type Prober struct {
	Runtimes    []string
	VersionArgs []string
	// ImportArgs are passed to the runtime for the library check; when empty
	// they are derived from Modules as `-c "import <Modules>"`.
	ImportArgs []string
	Modules    string
	WorkDir    string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Check runs both stages synchronously. The library stage only runs once a
// runtime was found.
func (p *Prober) Check(ctx context.Context) Result {
	start := time.Now()
	rt, err := p.findRuntime(ctx)
	if err != nil {
		p.logger().Warn("worker runtime not found, fallback will be used", "candidates", p.runtimes(), "error", err)
		return Result{Stage: "runtime", Reason: err.Error(), Elapsed: time.Since(start)}
	}
	if err := p.checkLibraries(ctx, rt); err != nil {
		p.logger().Warn("worker libraries not importable, fallback will be used", "runtime", rt, "error", err)
		return Result{Runtime: rt, Stage: "libraries", Reason: err.Error(), Elapsed: time.Since(start)}
	}
	p.logger().Info("worker capability available", "runtime", rt, "elapsed", time.Since(start))
	return Result{Available: true, Runtime: rt, Elapsed: time.Since(start)}
}

func (p *Prober) runtimes() []string {
	if len(p.Runtimes) == 0 {
		return DefaultRuntimes
	}
	return p.Runtimes
}

func (p *Prober) findRuntime(ctx context.Context) (string, error) {
	args := p.VersionArgs
	if len(args) == 0 {
		args = DefaultVersionArgs
	}
	var errs []error
	for _, rt := range p.runtimes() {
		if err := p.run(ctx, CommandCheck{Name: rt, Args: args}); err != nil {
			errs = append(errs, err)
			continue
		}
		return rt, nil
	}
	return "", errors.Join(errs...)
}

func (p *Prober) checkLibraries(ctx context.Context, runtime string) error {
	args := p.ImportArgs
	if len(args) == 0 {
		mods := p.Modules
		if mods == "" {
			mods = DefaultImportModule
		}
		args = []string{"-c", "import " + mods}
	}
	return p.run(ctx, CommandCheck{Name: runtime, Args: args, Dir: p.WorkDir})
}

func (p *Prober) run(ctx context.Context, c CommandCheck) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	return c.Run(ctx)
}

// CommandCheck runs a short-lived diagnostic command that succeeds iff it
// exits 0. The child is always reaped: Run waits, and CommandContext kills it
// when ctx ends.
type CommandCheck struct {
	Name string
	Args []string
	Dir  string
}

func (c CommandCheck) Run(ctx context.Context) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("empty command")
	}
	// #nosec G204 -- runtime and args come from operator configuration
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", c.Describe(), ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%s: exit code %d: %s", c.Describe(), ee.ExitCode(), lastLine(out))
	}
	return fmt.Errorf("%s: %w", c.Describe(), err)
}

func (c CommandCheck) Describe() string {
	return strings.TrimSpace("cmd:" + c.Name + " " + strings.Join(c.Args, " "))
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
