package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/mlguard/internal/logger"
)

// Spec describes the worker process to launch.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`  // executable, or a full command line when Args is empty
	Args    []string          `json:"args"`     // explicit argument list; disables command-line parsing
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // full environment; nil inherits the host's
	PIDFile string            `json:"pid_file"` // optional pidfile path
	Log     logger.FileConfig `json:"log"`      // rotating files for captured output
}

// BuildCommand constructs the *exec.Cmd for the spec. With explicit Args the
// command is executed directly. Otherwise the command line is split on
// whitespace, or handed to /bin/sh -c when it contains shell metacharacters
// or already is an explicit "sh -c" invocation.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204 -- command comes from operator configuration
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
