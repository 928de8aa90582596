package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/observe"
)

// State describes the engine process lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultSettleDelay    = time.Second
	defaultRequestTimeout = 30 * time.Second

	// maxStderrLine bounds a single stderr line. Engine tracebacks can be
	// long but anything beyond this is truncated by the scanner.
	maxStderrLine = 1024 * 1024
)

// Config configures a [Worker].
type Config struct {
	// Command is the interpreter or binary to spawn, e.g. "python3".
	Command string

	// ScriptPath is passed as the single argument to Command. May be empty
	// when Command is self-contained.
	ScriptPath string

	// SettleDelay is how long to wait after spawning before the process is
	// considered ready to accept requests. Engines that load models take a
	// moment before reading their input stream.
	SettleDelay time.Duration

	// RequestTimeout bounds one transcription round trip.
	RequestTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// proc is the handle to a launched engine process. The exec-backed
// implementation is the only one used outside tests.
type proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
	PID() int
}

type launchFunc func(command, scriptPath string) (proc, error)

type outcome struct {
	res *Result
	err error
}

type pendingCall struct {
	id uint64
	ch chan outcome
}

// Worker owns one external engine process: spawning it, writing requests to
// its input stream, recovering response frames from its output stream, and
// correlating them back to callers in FIFO order.
//
// All methods are safe for concurrent use. A Worker starts lazily: the first
// [Worker.ProcessAudio] spawns the process if it is not running.
type Worker struct {
	cfg    Config
	log    *slog.Logger
	met    *observe.Metrics
	launch launchFunc

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on every spawn; stale loop goroutines bail on mismatch
	proc      proc
	stdin     io.WriteCloser
	nextID    uint64
	pending   []*pendingCall
	startDone chan struct{}
	startErr  error
	stopDone  chan struct{}
	startedAt time.Time

	// writeMu covers pending registration plus the stdin write of one
	// request. Concurrent callers must hit the wire in pending-queue order
	// or FIFO correlation hands results to the wrong caller.
	writeMu sync.Mutex
}

// NewWorker creates a Worker for the given engine command. The process is not
// spawned until [Worker.Start] or the first [Worker.ProcessAudio].
func NewWorker(cfg Config) *Worker {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Worker{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "engine"),
		met:    cfg.Metrics,
		launch: launchExec,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsRunning reports whether the process is spawned and past its settle delay.
func (w *Worker) IsRunning() bool {
	return w.State() == StateRunning
}

// StartedAt returns when the current process became ready. The second return
// is false when the process is not running.
func (w *Worker) StartedAt() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return time.Time{}, false
	}
	return w.startedAt, true
}

// Start spawns the engine process and blocks until it is ready or ctx is
// cancelled. Starting an already running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	return w.ensureRunning(ctx)
}

// Stop kills the engine process and rejects every pending request. Blocks
// until the process has exited. Stopping a stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.mu.Lock()
	switch w.state {
	case StateStopped, StateCrashed:
		w.state = StateStopped
		w.mu.Unlock()
		return nil
	case StateStopping:
		done := w.stopDone
		w.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	p := w.proc
	done := make(chan struct{})
	w.stopDone = done
	w.state = StateStopping
	w.finishStartLocked(fault.New(fault.KindState, "engine: stopped during startup"))
	w.mu.Unlock()

	if p != nil {
		if err := p.Kill(); err != nil {
			w.log.Warn("failed to kill engine process", "error", err)
		}
		<-done
	} else {
		w.mu.Lock()
		w.state = StateStopped
		w.stopDone = nil
		w.mu.Unlock()
		close(done)
	}
	return nil
}

// ProcessAudio sends one span of PCM samples to the engine and blocks until
// its transcription result arrives, the request times out, or ctx is
// cancelled. The process is spawned first if needed.
func (w *Worker) ProcessAudio(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	if err := w.ensureRunning(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.state != StateRunning {
		state := w.state
		w.mu.Unlock()
		return nil, fault.Newf(fault.KindState, "engine: process is %s", state)
	}
	id := w.nextID
	w.nextID++
	w.mu.Unlock()

	payload, err := EncodeRequest(Request{
		AudioData:  samples,
		SampleRate: sampleRate,
		SessionID:  fmt.Sprintf("req_%d", id),
	})
	if err != nil {
		return nil, err
	}

	// Registration and the stdin write happen under one lock. FIFO
	// correlation is sound only while the pending-queue order matches the
	// order requests hit the wire, so a concurrent caller must not slip its
	// write between this caller's registration and write.
	call := &pendingCall{id: id, ch: make(chan outcome, 1)}
	w.writeMu.Lock()
	w.mu.Lock()
	if w.state != StateRunning {
		state := w.state
		w.mu.Unlock()
		w.writeMu.Unlock()
		return nil, fault.Newf(fault.KindState, "engine: process is %s", state)
	}
	stdin := w.stdin
	w.pending = append(w.pending, call)
	w.mu.Unlock()
	_, werr := stdin.Write(payload)
	w.writeMu.Unlock()
	if werr != nil {
		// A broken pipe fails only this request; process death is handled
		// by the wait loop, which rejects whatever else is pending.
		w.removeCall(call)
		return nil, fault.Wrap(fault.KindProcess, "engine: write request", werr)
	}

	w.met.PendingRequests.Add(ctx, 1)
	defer w.met.PendingRequests.Add(ctx, -1)

	timer := time.NewTimer(w.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case out := <-call.ch:
		return out.res, out.err
	case <-timer.C:
		w.removeCall(call)
		return nil, fault.Newf(fault.KindProcess, "engine: request timed out after %s", w.cfg.RequestTimeout)
	case <-ctx.Done():
		w.removeCall(call)
		return nil, ctx.Err()
	}
}

// ensureRunning spawns the process if necessary and waits for readiness.
func (w *Worker) ensureRunning(ctx context.Context) error {
	for {
		w.mu.Lock()
		switch w.state {
		case StateRunning:
			w.mu.Unlock()
			return nil
		case StateStarting:
			done := w.startDone
			w.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-check: the start may have failed.
			w.mu.Lock()
			if w.state == StateRunning {
				w.mu.Unlock()
				return nil
			}
			err := w.startErr
			w.mu.Unlock()
			if err == nil {
				err = fault.New(fault.KindProcess, "engine: startup failed")
			}
			return err
		case StateStopping:
			w.mu.Unlock()
			return fault.New(fault.KindState, "engine: process is stopping")
		default:
			// Stopped or Crashed: this caller performs the spawn.
			return w.startLocked(ctx)
		}
	}
}

// startLocked spawns the process. Called with mu held; returns with mu
// released.
func (w *Worker) startLocked(ctx context.Context) error {
	restart := w.state == StateCrashed
	w.gen++
	gen := w.gen
	w.state = StateStarting
	w.startErr = nil
	done := make(chan struct{})
	w.startDone = done
	w.mu.Unlock()

	if restart {
		w.met.EngineRestarts.Add(context.Background(), 1)
	}
	w.log.Info("spawning engine process",
		"command", w.cfg.Command, "script", w.cfg.ScriptPath)

	p, err := w.launch(w.cfg.Command, w.cfg.ScriptPath)
	if err != nil {
		werr := fault.Wrap(fault.KindProcess, "engine: spawn", err)
		w.mu.Lock()
		if w.gen == gen {
			w.state = StateStopped
			w.finishStartLocked(werr)
		}
		w.mu.Unlock()
		return werr
	}

	w.mu.Lock()
	if w.gen != gen || w.state != StateStarting {
		// Stopped while spawning.
		w.mu.Unlock()
		_ = p.Kill()
		return fault.New(fault.KindState, "engine: stopped during startup")
	}
	w.proc = p
	w.stdin = p.Stdin()
	w.mu.Unlock()

	go w.readLoop(gen, p.Stdout())
	go w.stderrLoop(gen, p.Stderr())
	go w.waitLoop(gen, p)
	go w.settleLoop(gen, p)

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		return nil
	}
	if w.startErr != nil {
		return w.startErr
	}
	return fault.New(fault.KindProcess, "engine: startup failed")
}

// settleLoop flips Starting to Running once the settle delay elapses, unless
// the process died or was stopped in the meantime.
func (w *Worker) settleLoop(gen uint64, p proc) {
	time.Sleep(w.cfg.SettleDelay)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen || w.state != StateStarting {
		return
	}
	w.state = StateRunning
	w.startedAt = time.Now()
	w.finishStartLocked(nil)
	w.log.Info("engine process ready", "pid", p.PID())
}

// finishStartLocked unblocks anyone waiting on the in-flight start. Caller
// holds mu.
func (w *Worker) finishStartLocked(err error) {
	if err != nil && w.startErr == nil {
		w.startErr = err
	}
	if w.startDone != nil {
		close(w.startDone)
		w.startDone = nil
	}
}

// readLoop consumes the process output stream, reassembles frames, and
// dispatches them. Exits when the stream closes.
func (w *Worker) readLoop(gen uint64, stdout io.Reader) {
	sc := newFrameScanner()
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			sc.Append(buf[:n])
			for frame := sc.Next(); frame != nil; frame = sc.Next() {
				w.handleFrame(gen, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) handleFrame(gen uint64, frame []byte) {
	res, engineErr, err := parseFrame(frame)
	switch {
	case err != nil:
		w.met.ProtocolErrors.Add(context.Background(), 1)
		w.log.Warn("discarding malformed engine frame",
			"error", err, "bytes", len(frame))
	case engineErr != "":
		// The engine does not say which request failed, so every caller in
		// flight gets the error.
		w.log.Error("engine reported an error", "error", engineErr)
		w.rejectAll(gen, fault.Newf(fault.KindProcess, "engine: %s", engineErr))
	default:
		w.resolveOldest(gen, res)
	}
}

func (w *Worker) resolveOldest(gen uint64, res *Result) {
	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		w.met.ProtocolErrors.Add(context.Background(), 1)
		w.log.Warn("engine frame with no pending request", "words", len(res.Words))
		return
	}
	call := w.pending[0]
	w.pending = w.pending[1:]
	w.mu.Unlock()
	call.ch <- outcome{res: res}
}

// rejectAll fails every pending request with err.
func (w *Worker) rejectAll(gen uint64, err error) {
	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	calls := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, call := range calls {
		call.ch <- outcome{err: err}
	}
}

// removeCall takes a request out of the pending queue, e.g. on timeout or a
// failed write. No-op when the read loop already resolved it.
func (w *Worker) removeCall(target *pendingCall) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, call := range w.pending {
		if call == target {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return
		}
	}
}

// stderrLoop forwards diagnostic lines to the log. Lines matching the
// engine's JSON error shape additionally reject everything pending, since an
// engine that reports on stderr has abandoned the requests it was given.
func (w *Worker) stderrLoop(gen uint64, stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), maxStderrLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if msg, ok := ParseErrorLine(line); ok {
			w.log.Error("engine error on stderr", "error", msg)
			w.rejectAll(gen, fault.Newf(fault.KindProcess, "engine: %s", msg))
			continue
		}
		w.log.Debug("engine stderr", "line", string(line))
	}
}

// waitLoop reaps the process and settles the worker's state after exit.
func (w *Worker) waitLoop(gen uint64, p proc) {
	err := p.Wait()

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	stopping := w.state == StateStopping
	if stopping {
		w.state = StateStopped
	} else {
		w.state = StateCrashed
	}
	w.proc = nil
	w.stdin = nil
	var rejectErr error
	if stopping {
		rejectErr = fault.New(fault.KindProcess, "engine: stopped")
	} else {
		rejectErr = fault.Wrap(fault.KindProcess, "engine: process exited", err)
		if err == nil {
			rejectErr = fault.New(fault.KindProcess, "engine: process exited")
		}
	}
	w.finishStartLocked(rejectErr)
	calls := w.pending
	w.pending = nil
	stopDone := w.stopDone
	w.stopDone = nil
	w.mu.Unlock()

	for _, call := range calls {
		call.ch <- outcome{err: rejectErr}
	}
	if stopping {
		w.log.Info("engine process stopped", "rejected_requests", len(calls))
	} else {
		w.log.Error("engine process exited unexpectedly",
			"error", err, "rejected_requests", len(calls))
	}
	if stopDone != nil {
		close(stopDone)
	}
}

// execProc is the production proc backed by os/exec.
type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func launchExec(command, scriptPath string) (proc, error) {
	var cmd *exec.Cmd
	if scriptPath != "" {
		cmd = exec.Command(command, scriptPath)
	} else {
		cmd = exec.Command(command)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Stderr() io.Reader     { return p.stderr }
func (p *execProc) Wait() error           { return p.cmd.Wait() }

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
