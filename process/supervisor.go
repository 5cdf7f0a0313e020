package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/internal/logctx"
)

var (
	ErrAlreadyStarted    = errors.New("process already started")
	ErrNotRunning        = errors.New("process not running")
	ErrReadyTimeout      = errors.New("process did not signal readiness in time")
	ErrExitedBeforeReady = errors.New("process exited before becoming ready")
)

// FatalError reports a diagnostic line classified as fatal.
type FatalError struct {
	Line string
}

func (e *FatalError) Error() string {
	return "fatal diagnostic from process: " + e.Line
}

// State is the lifecycle state of a Supervisor's child.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ExitStatus describes how the child terminated. Code is -1 when the child
// was killed by a signal or never ran.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Supervisor owns one child process. The zero value is not usable; construct
// with New. A Supervisor is started at most once.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	drain  time.Duration
	events registry

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	stdin  *os.File
	exit   ExitStatus
	fatal  error
	logCtx context.Context

	// writeSem serializes writes to stdin. It is a channel so that waiting for
	// it can be abandoned when the caller's context ends.
	writeSem chan struct{}
	// partial is set when a write was cut short, leaving an unterminated line
	// in the pipe. Guarded by writeSem.
	partial bool

	ready     chan struct{}
	readyOnce sync.Once
	fatalCh   chan error
	done      chan struct{}
}

// New returns a Supervisor for the described child. Nothing is spawned until
// Start is called.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		log:     discardLogger(),
		drain:   DefaultDrainWindow,
		ready:   make(chan struct{}),
		fatalCh:  make(chan error, 1),
		done:     make(chan struct{}),
		logCtx:   context.Background(),
		writeSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers l for all subsequent events and returns a function that
// removes it. The returned function is idempotent.
func (s *Supervisor) Subscribe(l Listener) func() {
	return s.events.subscribe(l)
}

// Listeners reports the number of registered listeners.
func (s *Supervisor) Listeners() int {
	return s.events.len()
}

// Start spawns the child and blocks until it is ready to accept input.
//
// Readiness is the first stderr line recognised by IsReadyLine. If none
// arrives within the ready timeout the child is assumed ready, unless
// StrictReadiness is set, in which case it is stopped and ErrReadyTimeout is
// returned. A child that exits or reports a fatal diagnostic first fails Start
// with ErrExitedBeforeReady or a *FatalError.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAbsent {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		s.log.ErrorContext(ctx, "process.spawn.fail", slog.String("command", s.cfg.Command), slog.String("err", err.Error()))
		st := ExitStatus{Code: -1}
		s.mu.Lock()
		s.state = StateExited
		s.exit = st
		s.mu.Unlock()
		s.events.emit(Event{Kind: EventError, Err: err})
		s.events.emit(Event{Kind: EventExit, Exit: st})
		close(s.done)
		return err
	}

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case err := <-s.fatalCh:
		_ = s.Stop(context.WithoutCancel(ctx))
		return err
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrExitedBeforeReady, s.ExitStatus())
	case <-timer.C:
		if s.cfg.StrictReadiness {
			s.log.WarnContext(s.logCtx, "process.ready.timeout", slog.Duration("timeout", s.cfg.ReadyTimeout))
			_ = s.Stop(context.WithoutCancel(ctx))
			return ErrReadyTimeout
		}
		s.markReady("timeout")
		if s.IsRunning() {
			return nil
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrExitedBeforeReady
	case <-ctx.Done():
		_ = s.Stop(context.WithoutCancel(ctx))
		return ctx.Err()
	}
}

func (s *Supervisor) spawn() error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Dir = s.cfg.Dir
	configureCommand(cmd)

	// All three pipes are owned here rather than by exec.Cmd: Wait must not
	// close the read ends while trailing output is still being drained, and
	// the stdin write end needs deadlines so a child that stops reading
	// cannot wedge Send.
	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW, errR, errW} {
			_ = f.Close()
		}
		return fmt.Errorf("failed to start %s: %w", s.cfg.Command, err)
	}
	_ = inR.Close()
	_ = outW.Close()
	_ = errW.Close()
	stdin := inW

	logCtx := logctx.WithProcessData(context.Background(), &logctx.ProcessData{
		PID:     cmd.Process.Pid,
		Command: strings.Join(append([]string{s.cfg.Command}, s.cfg.Args...), " "),
	})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.logCtx = logCtx
	s.mu.Unlock()

	s.log.InfoContext(logCtx, "process.spawn")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(outR)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(errR)
	}()
	go s.wait(cmd, stdin, &readers, outR, errR)

	return nil
}

func (s *Supervisor) readStdout(r io.Reader) {
	dec := jsonrpc.NewDecoder()
	buf := make([]byte, 32*1024)
	dropped := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				s.events.emit(Event{Kind: EventMessage, Message: msg})
			}
		}
		if err != nil {
			for _, msg := range dec.Flush() {
				s.events.emit(Event{Kind: EventMessage, Message: msg})
			}
		}
		if d := dec.Dropped(); d > dropped {
			s.log.DebugContext(s.logCtx, "process.stdout.discard", slog.Int("lines", d-dropped))
			dropped = d
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		sev := Classify(line)
		attrs := []any{slog.String("line", line), slog.String("severity", sev.String())}
		switch sev {
		case SeverityFatal:
			s.log.ErrorContext(s.logCtx, "process.stderr", attrs...)
			s.onFatal(line)
			continue
		case SeverityWarning:
			s.log.WarnContext(s.logCtx, "process.stderr", attrs...)
		default:
			s.log.InfoContext(s.logCtx, "process.stderr", attrs...)
		}
		if IsReadyLine(line, s.cfg.ReadyPhrase) {
			s.markReady("line")
		}
	}
	// Keep the pipe drained after an oversize line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) wait(cmd *exec.Cmd, stdin *os.File, readers *sync.WaitGroup, pipes ...*os.File) {
	_ = cmd.Wait()
	// Unblocks any Send still writing to a child that is gone.
	_ = stdin.Close()

	st := ExitStatus{Code: -1}
	if cmd.ProcessState != nil {
		st = exitStatus(cmd.ProcessState)
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.drain):
		// A grandchild still holds the pipes open.
	}
	for _, p := range pipes {
		_ = p.Close()
	}
	<-drained

	s.mu.Lock()
	s.state = StateExited
	s.exit = st
	s.mu.Unlock()

	s.log.InfoContext(s.logCtx, "process.exit", slog.Int("code", st.Code), slog.String("signal", st.Signal))
	s.events.emit(Event{Kind: EventExit, Exit: st})
	close(s.done)
}

func (s *Supervisor) onFatal(line string) {
	err := &FatalError{Line: line}
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.mu.Unlock()
	if !first {
		return
	}
	select {
	case s.fatalCh <- err:
	default:
	}
	s.events.emit(Event{Kind: EventError, Err: err})
}

func (s *Supervisor) markReady(via string) {
	s.mu.Lock()
	if s.state != StateStarting || s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.InfoContext(s.logCtx, "process.ready", slog.String("via", via))
}

// Send writes msg to the child's stdin as one line. Writes are serialized so
// concurrent callers never interleave bytes.
//
// Send gives up when ctx ends, both while waiting for its turn and while the
// write itself is blocked on a child that has stopped reading. The returned
// error then wraps ctx's error.
func (s *Supervisor) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	state, stdin, fatal := s.state, s.stdin, s.fatal
	s.mu.Unlock()

	if state != StateReady {
		return ErrNotRunning
	}
	if fatal != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, fatal)
	}

	b, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to write to process stdin: %w", ctx.Err())
	}
	defer func() { <-s.writeSem }()

	if s.partial {
		// Terminate the line an earlier write left unfinished so the child
		// discards it instead of prepending it to this message.
		b = append([]byte{'\n'}, b...)
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = stdin.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = stdin.SetWriteDeadline(time.Now()) })
	n, werr := stdin.Write(b)
	stop()

	if werr != nil {
		if n > 0 {
			s.partial = n < len(b)
		}
		if errors.Is(werr, os.ErrDeadlineExceeded) {
			// Write deadlines only ever come from ctx, which may not have
			// observed its own expiry yet.
			<-ctx.Done()
			return fmt.Errorf("failed to write to process stdin: %w", ctx.Err())
		}
		return fmt.Errorf("failed to write to process stdin: %w", werr)
	}
	s.partial = false
	return nil
}

// Stop asks the child to terminate and escalates to SIGKILL after the stop
// grace period. It returns once the child has exited, or with ctx's error if
// ctx ends first. Stopping a Supervisor that was never started is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-s.done:
		return nil
	default:
	}

	s.log.InfoContext(s.logCtx, "process.stop", slog.Duration("grace", s.cfg.StopGrace))
	_ = terminate(cmd.Process)

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-s.done:
		return nil
	case <-grace.C:
		s.log.WarnContext(s.logCtx, "process.stop.kill")
		_ = kill(cmd.Process)
	case <-ctx.Done():
		_ = kill(cmd.Process)
		return ctx.Err()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the child is ready and has not exited or reported
// a fatal diagnostic.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.fatal == nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the child's process id, or 0 if it was never spawned.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Err returns the fatal diagnostic reported by the child, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Done is closed once the child has exited and EventExit has been delivered.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitStatus is meaningful once Done is closed.
func (s *Supervisor) ExitStatus() ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}
