package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acpx/internal/acp"
	"github.com/gaspardpetit/acpx/internal/logx"
	"github.com/gaspardpetit/acpx/internal/metrics"
	"github.com/gaspardpetit/acpx/internal/policy"
)

var (
	// ErrShuttingDown rejects calls once Shutdown has begun.
	ErrShuttingDown = errors.New("bridge is shutting down")
	// ErrAgentExited rejects pending calls when the subprocess dies.
	ErrAgentExited = errors.New("agent process exited")
	// ErrNotRunning means no agent process is attached.
	ErrNotRunning = errors.New("agent process is not running")
)

// DefaultTimeout returns the per-method deadline for a forwarded call.
// Handshake and session startup are quick; prompt turns can run long.
func DefaultTimeout(method string) time.Duration {
	switch method {
	case "initialize", "session/new", "session/load", "session/resume":
		return 30 * time.Second
	case "session/prompt":
		return 600 * time.Second
	default:
		return 120 * time.Second
	}
}

// Options configures a Bridge.
type Options struct {
	ID            string
	Launch        Launcher
	Gate          *policy.Gate
	WorkspaceRoot string
	BufferSize    int
	ShutdownGrace time.Duration
	// Timeout overrides DefaultTimeout when set.
	Timeout     func(method string) time.Duration
	SinkURL     string
	Redis       *redis.Client
	RedisStream string
}

type callOutcome struct {
	msg acp.Message
	err error
}

type pendingCall struct {
	method string
	ch     chan callOutcome
	timer  *time.Timer
}

// Bridge owns one agent subprocess: it correlates client calls with
// subprocess responses, answers subprocess-initiated requests, enforces
// the tool policy and records the full transcript.
type Bridge struct {
	id         string
	launch     Launcher
	gate       *policy.Gate
	root       string
	grace      time.Duration
	timeoutFor func(string) time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	proc    Process
	gen     int
	closed  bool
	pending map[string]*pendingCall

	writeMu sync.Mutex

	events *eventLog
	sink   *sinkForwarder
	terms  *terminalTable
}

// New builds a Bridge; the agent process is launched lazily on first use.
func New(opts Options) *Bridge {
	log := logx.Log.With().Str("component", "bridge").Str("server_id", opts.ID).Logger()
	timeoutFor := opts.Timeout
	if timeoutFor == nil {
		timeoutFor = DefaultTimeout
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	b := &Bridge{
		id:         opts.ID,
		launch:     opts.Launch,
		gate:       opts.Gate,
		root:       opts.WorkspaceRoot,
		grace:      grace,
		timeoutFor: timeoutFor,
		log:        log,
		pending:    map[string]*pendingCall{},
		terms:      newTerminalTable(log),
	}
	b.sink = newSinkForwarder(opts.ID, opts.SinkURL, opts.Redis, opts.RedisStream, log)
	var forward func(Event)
	if b.sink != nil {
		forward = b.sink.Enqueue
	}
	b.events = newEventLog(opts.BufferSize, forward)
	return b
}

// ID returns the server id this bridge serves.
func (b *Bridge) ID() string { return b.id }

// EnsureRunning launches the agent process if none is attached.
func (b *Bridge) EnsureRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrShuttingDown
	}
	if b.proc != nil {
		return nil
	}
	proc, err := b.launch(b.root)
	if err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}
	b.proc = proc
	b.gen++
	gen := b.gen
	b.log.Info().Int("pid", proc.PID()).Msg("agent process started")
	go b.readLoop(proc)
	go b.waitLoop(proc, gen)
	return nil
}

// readLoop pumps newline-delimited JSON off the subprocess stdout.
func (b *Bridge) readLoop(proc Process) {
	sc := bufio.NewScanner(proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		b.events.Append(line)
		msg, err := acp.Decode(line)
		if err != nil {
			b.log.Warn().Err(err).Msg("unparseable line from agent")
			continue
		}
		switch msg.Kind {
		case acp.KindResponse:
			b.resolve(msg)
		case acp.KindRequest:
			go b.dispatchServerRequest(msg)
		case acp.KindNotification:
			// already on the transcript; nothing to correlate
		}
	}
	if err := sc.Err(); err != nil {
		b.log.Warn().Err(err).Msg("agent stdout read failed")
	}
}

// waitLoop reaps the process and fails every pending call.
func (b *Bridge) waitLoop(proc Process, gen int) {
	<-proc.Done()
	code := proc.ExitCode()
	b.mu.Lock()
	if b.gen != gen || b.closed {
		b.mu.Unlock()
		return
	}
	b.proc = nil
	b.failAllLocked(fmt.Errorf("%w with code %d", ErrAgentExited, code))
	b.mu.Unlock()
	b.log.Warn().Int("exit_code", code).Msg("agent process exited")
}

// resolve matches a subprocess response to its pending call.
func (b *Bridge) resolve(msg acp.Message) {
	key := acp.IDKey(msg.ID)
	b.mu.Lock()
	pc, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Debug().Str("id", key).Msg("response with no pending call")
		return
	}
	pc.timer.Stop()
	if pc.method == "tools/list" && msg.Err == nil && b.gate != nil {
		filtered, err := b.gate.FilterToolsList(msg.Result)
		if err != nil {
			b.log.Warn().Err(err).Msg("tools/list filter failed, passing through")
		} else {
			msg.Result = filtered
		}
	}
	pc.ch <- callOutcome{msg: msg}
}

// failAllLocked rejects every pending call with err. Caller holds b.mu.
func (b *Bridge) failAllLocked(err error) {
	for key, pc := range b.pending {
		pc.timer.Stop()
		pc.ch <- callOutcome{err: err}
		delete(b.pending, key)
	}
}

func (b *Bridge) expire(key string) {
	b.mu.Lock()
	pc, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	pc.ch <- callOutcome{err: fmt.Errorf("%s timed out after %s", pc.method, b.timeoutFor(pc.method))}
}

// Call forwards a client request to the agent and blocks until the
// response arrives, the per-method deadline passes, ctx is canceled or
// the process dies. Policy denials and agent-returned errors come back
// as response messages; everything else is a Go error.
func (b *Bridge) Call(ctx context.Context, msg acp.Message) (acp.Message, error) {
	start := time.Now()
	metrics.RPCStart()
	resp, err := b.call(ctx, msg)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case resp.Err != nil && resp.Err.Code == acp.CodeToolDenied:
		outcome = "denied"
	case resp.Err != nil:
		outcome = "agent_error"
	}
	metrics.RPCEnd(msg.Method, outcome, time.Since(start))
	return resp, err
}

func (b *Bridge) call(ctx context.Context, msg acp.Message) (acp.Message, error) {
	if msg.Method == "tools/call" && b.gate != nil {
		name, err := policy.ToolCallName(msg.Params)
		if err != nil {
			return acp.NewError(msg.ID, acp.CodeInvalidParams, "invalid tools/call params: "+err.Error()), nil
		}
		if !b.gate.Allows(name) {
			metrics.RecordDenial(name)
			b.log.Info().Str("tool", name).Msg("tool call denied by policy")
			denial := acp.NewError(msg.ID, acp.CodeToolDenied, fmt.Sprintf("tool %q is not allowed by policy", name))
			// record the attempt and the verdict; nothing reaches the agent
			if raw, err := msg.Encode(); err == nil {
				b.events.Append(raw)
			}
			if raw, err := denial.Encode(); err == nil {
				b.events.Append(raw)
			}
			return denial, nil
		}
	}
	if acp.IsSessionStart(msg.Method) && b.gate != nil {
		params, err := b.gate.InjectSessionOptions(msg.Params)
		if err != nil {
			return acp.Message{}, fmt.Errorf("inject session options: %w", err)
		}
		msg.Params = params
	}

	raw, err := msg.Encode()
	if err != nil {
		return acp.Message{}, err
	}
	key := acp.IDKey(msg.ID)
	pc := &pendingCall{method: msg.Method, ch: make(chan callOutcome, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return acp.Message{}, ErrShuttingDown
	}
	if b.proc == nil {
		b.mu.Unlock()
		return acp.Message{}, ErrNotRunning
	}
	if _, dup := b.pending[key]; dup {
		b.mu.Unlock()
		return acp.Message{}, fmt.Errorf("request id %s already in flight", key)
	}
	pc.timer = time.AfterFunc(b.timeoutFor(msg.Method), func() { b.expire(key) })
	b.pending[key] = pc
	b.mu.Unlock()

	if err := b.writeRaw(raw); err != nil {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		pc.timer.Stop()
		return acp.Message{}, err
	}

	select {
	case out := <-pc.ch:
		return out.msg, out.err
	case <-ctx.Done():
		// the caller is gone but the call stays in flight; the agent's
		// response, the timer, or process exit settles the entry, and
		// the buffered outcome channel absorbs the result
		return acp.Message{}, ctx.Err()
	}
}

// SendNotification forwards a client notification; no response follows.
func (b *Bridge) SendNotification(msg acp.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.writeRaw(raw)
}

// SendClientResponse forwards the client's answer to a request the agent
// initiated, such as a relayed permission prompt.
func (b *Bridge) SendClientResponse(msg acp.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.writeRaw(raw)
}

// writeRaw records the message on the transcript and writes it to the
// agent's stdin as one line. The lock keeps transcript order and wire
// order identical for the outbound direction.
func (b *Bridge) writeRaw(raw []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	b.events.Append(raw)
	_, err := proc.Stdin().Write(append(raw, '\n'))
	if err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// writeResponse sends a bridge-originated response to the agent, used by
// the server-request dispatcher.
func (b *Bridge) writeResponse(msg acp.Message) {
	raw, err := msg.Encode()
	if err != nil {
		b.log.Error().Err(err).Msg("encode response")
		return
	}
	if err := b.writeRaw(raw); err != nil {
		b.log.Warn().Err(err).Msg("write response to agent")
	}
}

// SubscribeFrom replays buffered transcript events after the given
// sequence id and attaches a live stream.
func (b *Bridge) SubscribeFrom(after int64) ([]Event, <-chan Event, func()) {
	return b.events.SubscribeFrom(after)
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	ServerID  string `json:"serverId"`
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	Pending   int    `json:"pendingCalls"`
	Terminals int    `json:"terminals"`
	NextSeq   uint64 `json:"nextEventId"`
	Buffered  int    `json:"bufferedEvents"`
}

// Status reports the bridge's current state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	st := Status{
		ServerID: b.id,
		Running:  b.proc != nil,
		Pending:  len(b.pending),
	}
	if b.proc != nil {
		st.PID = b.proc.PID()
	}
	b.mu.Unlock()
	st.Terminals = b.terms.Count()
	st.NextSeq = b.events.NextSeq()
	st.Buffered = b.events.Len()
	return st
}

// Shutdown tears the bridge down: pending calls are rejected, stdin is
// closed, the agent gets SIGTERM and then SIGKILL after the grace period,
// and every terminal is force-killed. Safe to call more than once.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	proc := b.proc
	b.proc = nil
	b.failAllLocked(ErrShuttingDown)
	b.mu.Unlock()

	if proc != nil {
		_ = proc.Stdin().Close()
		_ = proc.Signal(syscall.SIGTERM)
		select {
		case <-proc.Done():
		case <-time.After(b.grace):
			b.log.Warn().Msg("agent ignored SIGTERM, killing")
			_ = proc.Kill()
			<-proc.Done()
		}
		b.log.Info().Int("exit_code", proc.ExitCode()).Msg("agent process stopped")
	}
	b.terms.KillAll()
	b.events.CloseSubscribers()
	if b.sink != nil {
		b.sink.Close()
	}
}
