package bridge

import (
	"bufio"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// Process abstracts the agent subprocess so tests can substitute a fake
// speaking the wire protocol over in-memory pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited; ExitCode is valid
	// after that.
	Done() <-chan struct{}
	ExitCode() int
	PID() int
}

// Launcher starts an agent process rooted at cwd.
type Launcher func(cwd string) (Process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
	code   int
}

// CommandLauncher returns a Launcher that runs command with args, the
// extra env entries appended to the inherited environment, and stderr
// drained line by line into log.
func CommandLauncher(command string, args, env []string, log zerolog.Logger) Launcher {
	return func(cwd string) (Process, error) {
		cmd := exec.Command(command, args...)
		cmd.Dir = cwd
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go func() {
			sc := bufio.NewScanner(stderr)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				log.Debug().Str("component", "agent-stderr").Msg(sc.Text())
			}
		}()
		p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
		go func() {
			err := cmd.Wait()
			p.code = 0
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.code = exitErr.ExitCode()
			} else if err != nil {
				p.code = -1
			}
			close(p.done)
		}()
		return p, nil
	}
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) ExitCode() int         { return p.code }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
