package coordinator

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/scriptbox/internal/domain"
)

const (
	// maxStderrBytes caps captured worker stderr to prevent OOM from a
	// chatty or broken worker.
	maxStderrBytes = 256 << 10

	// killGrace is how long a terminated worker gets to honor SIGTERM
	// before the whole process group is SIGKILLed.
	killGrace = 2 * time.Second
)

// workerProcess is one spawned worker with its pipes and teardown state.
//
// Security guarantees:
//   - The worker runs in its own process group (Setpgid)
//   - Termination signals the entire group, so nothing a script manages
//     to fork survives the worker
//   - No environment inheritance from the parent — only a minimal safe
//     set plus the credential variables the request names
//   - stderr is capped to prevent OOM
type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer

	done     chan struct{} // Closed once wait has reaped the child.
	waitOnce sync.Once
	waitErr  error
	termOnce sync.Once

	logger *slog.Logger
}

// startWorker launches the worker command in its own process group with
// a sanitized environment.
func startWorker(command []string, extraEnv map[string]string, logger *slog.Logger) (*workerProcess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(extraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}

	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{w: stderr, remaining: maxStderrBytes}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	return &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

func (p *workerProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// wait reaps the worker. Called by the frame pump once stdout hits EOF;
// safe to call more than once.
func (p *workerProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	return p.waitErr
}

// terminate tears the worker down: stdin is closed, the process group
// gets SIGTERM, and SIGKILL follows if the worker has not exited within
// killGrace. Idempotent, and safe whether or not the worker already
// exited on its own.
func (p *workerProcess) terminate() {
	p.termOnce.Do(func() {
		pid := p.pid()
		if pid == 0 {
			return
		}
		_ = p.stdin.Close()

		// Negative PID: signal the entire process group.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			return // Already gone.
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(killGrace):
				p.logger.Warn("worker ignored SIGTERM, escalating",
					slog.Int("pid", pid),
				)
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

// buildEnv constructs a minimal, safe environment for the worker.
// The parent environment is NEVER inherited wholesale: API keys and
// unrelated credentials must not leak into the script process. Only the
// credential variables the request names are forwarded.
func buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"TMPDIR=/tmp",
		"LANG=en_US.UTF-8",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// credentialEnv collects the environment variables the worker needs to
// resolve credentials, when the connection names an environment prefix.
func credentialEnv(conn domain.ConnectionInfo) map[string]string {
	prefix := strings.ToUpper(conn.CredentialsEnvPrefix)
	if prefix == "" {
		return nil
	}
	out := make(map[string]string, 3)
	for _, suffix := range []string{"_USER", "_PASSWORD", "_CONNECTION_STRING"} {
		if v, ok := os.LookupEnv(prefix + suffix); ok {
			out[prefix+suffix] = v
		}
	}
	return out
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Claim the full write so the exec copier never sees a short write
	// when the cap truncates.
	return len(p), nil
}
