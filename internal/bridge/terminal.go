package bridge

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acpx/internal/metrics"
)

var errTerminalNotFound = errors.New("terminal not found")

// terminal tracks one shell command started on behalf of the agent.
// Stdout and stderr are interleaved into a single buffer in arrival order;
// reads drain the buffer.
type terminal struct {
	id  string
	cmd *exec.Cmd

	mu       sync.Mutex
	out      bytes.Buffer
	exited   bool
	exitCode int
	waiters  []chan int
}

// Write collects process output. Both stdout and stderr of the command
// point here, serialized by the mutex.
func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

// drain returns the accumulated output and resets the buffer.
func (t *terminal) drain() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.out.String()
	t.out.Reset()
	return s
}

// finish records the exit code and releases waiters in arrival order.
func (t *terminal) finish(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exited = true
	t.exitCode = code
	for _, w := range t.waiters {
		w <- code
	}
	t.waiters = nil
}

// wait returns a channel that yields the exit code once the command
// exits. If it already exited the channel is ready immediately.
func (t *terminal) wait() <-chan int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan int, 1)
	if t.exited {
		ch <- t.exitCode
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}

// terminalTable owns every live terminal for one bridge.
type terminalTable struct {
	log zerolog.Logger

	mu    sync.Mutex
	terms map[string]*terminal
}

func newTerminalTable(log zerolog.Logger) *terminalTable {
	return &terminalTable{log: log, terms: map[string]*terminal{}}
}

// Create starts command with args in cwd and begins capturing its output.
// Extra environment entries are appended to the inherited environment.
func (tt *terminalTable) Create(command string, args []string, cwd string, env []string) (string, error) {
	cmd := exec.Command(command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// own process group, so Kill reaches shell-spawned descendants too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// don't let Wait block on pipes inherited by surviving descendants
	cmd.WaitDelay = 5 * time.Second
	t := &terminal{id: uuid.NewString()}
	cmd.Stdout = t
	cmd.Stderr = t
	if err := cmd.Start(); err != nil {
		return "", err
	}
	t.cmd = cmd

	tt.mu.Lock()
	tt.terms[t.id] = t
	tt.mu.Unlock()
	metrics.TerminalOpened()
	tt.log.Debug().Str("terminal_id", t.id).Str("command", command).Msg("terminal created")

	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		t.finish(code)
	}()
	return t.id, nil
}

func (tt *terminalTable) get(id string) (*terminal, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.terms[id]
	if !ok {
		return nil, errTerminalNotFound
	}
	return t, nil
}

// Output drains and returns everything the command wrote since the last
// read.
func (tt *terminalTable) Output(id string) (string, error) {
	t, err := tt.get(id)
	if err != nil {
		return "", err
	}
	return t.drain(), nil
}

// Wait returns a channel yielding the command's exit code.
func (tt *terminalTable) Wait(id string) (<-chan int, error) {
	t, err := tt.get(id)
	if err != nil {
		return nil, err
	}
	return t.wait(), nil
}

// killGroup force-terminates the command's whole process group. A group
// that already exited is not an error.
func killGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Kill force-terminates the command and everything it spawned. The
// terminal stays readable until released.
func (tt *terminalTable) Kill(id string) error {
	t, err := tt.get(id)
	if err != nil {
		return err
	}
	return killGroup(t.cmd)
}

// Release drops the bookkeeping for a terminal. Unknown ids are ignored
// so repeated releases stay harmless.
func (tt *terminalTable) Release(id string) {
	tt.mu.Lock()
	_, ok := tt.terms[id]
	delete(tt.terms, id)
	tt.mu.Unlock()
	if ok {
		metrics.TerminalClosed()
	}
}

// KillAll force-terminates and forgets every tracked terminal.
func (tt *terminalTable) KillAll() {
	tt.mu.Lock()
	terms := tt.terms
	tt.terms = map[string]*terminal{}
	tt.mu.Unlock()
	for id, t := range terms {
		if err := killGroup(t.cmd); err != nil {
			tt.log.Warn().Err(err).Str("terminal_id", id).Msg("kill terminal")
		}
		metrics.TerminalClosed()
	}
}

// Count reports the number of tracked terminals.
func (tt *terminalTable) Count() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.terms)
}
