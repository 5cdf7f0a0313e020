// Package bridge correlates replies read from the tool server's stdout with
// the requests that caused them.
//
// Every forwarded request is re-identified with a bridge-unique wire id before
// it reaches the child, so clients that reuse ids (every MCP client starts at
// 1) never collide. The reply is matched on the wire id and handed back with
// the caller's original id restored.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
	"github.com/ggoodman/gitlab-mcp-bridge/process"
	"github.com/google/uuid"
)

// DefaultTimeout bounds how long Call waits for a reply.
const DefaultTimeout = 30 * time.Second

const cancelledMethod = "notifications/cancelled"

var (
	ErrTimeout         = errors.New("timed out waiting for tool server reply")
	ErrProcessExited   = errors.New("tool server exited before replying")
	ErrCancelled       = errors.New("request cancelled by client")
	ErrNotRequest      = errors.New("message is not a request")
	ErrNotNotification = errors.New("message is not a notification")
	ErrNotResponse     = errors.New("message is not a response")
	ErrDuplicateID     = errors.New("request id already outstanding")
	ErrDuplicateReply  = errors.New("tool server request already answered")
)

// Process is the slice of a process.Supervisor the bridge depends on.
type Process interface {
	Send(ctx context.Context, msg any) error
	Subscribe(l process.Listener) func()
}

var _ Process = (*process.Supervisor)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the correlation window for Call.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

type result struct {
	resp *jsonrpc.Response
	err  error
}

type pendingCall struct {
	wireID    *jsonrpc.RequestID
	wireKey   string
	originKey string
	origID    *jsonrpc.RequestID
	owner     Process
	deadline  time.Time
	done      chan result
}

// Bridge tracks outstanding requests across one or more child instances.
type Bridge struct {
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall // wire id key -> call
	byOrigin map[string]string       // scope + original id key -> wire id key
	answered map[Process]*replyLog

	attachMu sync.Mutex
	attached map[Process]func()
}

// maxAnsweredReplies bounds how many answered server request ids are
// remembered per process.
const maxAnsweredReplies = 1024

// replyLog remembers which server-initiated requests a client has already
// answered, oldest first.
type replyLog struct {
	seen  map[string]struct{}
	order []string
}

// record reports whether key is new, remembering it if so.
func (l *replyLog) record(key string) bool {
	if _, ok := l.seen[key]; ok {
		return false
	}
	if len(l.order) == maxAnsweredReplies {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
	l.seen[key] = struct{}{}
	l.order = append(l.order, key)
	return true
}

// New returns an empty Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		timeout:  DefaultTimeout,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:  make(map[string]*pendingCall),
		byOrigin: make(map[string]string),
		answered: make(map[Process]*replyLog),
		attached: make(map[Process]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach routes p's replies into the bridge and rejects p's outstanding calls
// with ErrProcessExited when it exits. Attaching the same process twice is a
// no-op. The returned function detaches.
func (b *Bridge) Attach(p Process) func() {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	if detach, ok := b.attached[p]; ok {
		return detach
	}

	var (
		once  sync.Once
		unsub func()
	)
	detach := func() {
		once.Do(func() {
			// Taking attachMu first waits out an Attach that is still
			// assigning unsub.
			b.attachMu.Lock()
			delete(b.attached, p)
			u := unsub
			b.attachMu.Unlock()
			u()
			b.mu.Lock()
			delete(b.answered, p)
			b.mu.Unlock()
		})
	}

	// Listeners run without the registry lock held, so subscribing while
	// holding attachMu cannot deadlock against a delivery.
	unsub = p.Subscribe(func(ev process.Event) {
		switch ev.Kind {
		case process.EventMessage:
			if ev.Message.Type() == jsonrpc.TypeResponse {
				b.resolve(ev.Message.AsResponse())
			}
		case process.EventExit:
			b.rejectOwner(p, fmt.Errorf("%w (%s)", ErrProcessExited, ev.Exit))
			detach()
		}
	})

	b.attached[p] = detach
	return detach
}

func originKey(scope string, id *jsonrpc.RequestID) string {
	return scope + "\x00" + id.Key()
}

// Call forwards req to p and waits for the matching reply.
//
// scope identifies the caller (typically a client session) and namespaces the
// original request id. The returned response carries req's original id. Call
// fails with ErrTimeout once the correlation window elapses, with ctx's error if
// ctx ends first, and with ErrProcessExited if p exits while the call is
// outstanding. In the first two cases a notifications/cancelled is sent to p.
func (b *Bridge) Call(ctx context.Context, p Process, scope string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil || req.ID.IsNil() || req.Method == "" {
		return nil, ErrNotRequest
	}

	wireID := jsonrpc.NewRequestID(uuid.NewString())
	pc := &pendingCall{
		wireID:    wireID,
		wireKey:   wireID.Key(),
		originKey: originKey(scope, req.ID),
		origID:    req.ID,
		owner:     p,
		deadline:  time.Now().Add(b.timeout),
		done:      make(chan result, 1),
	}

	b.mu.Lock()
	if _, dup := b.byOrigin[pc.originKey]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID.String())
	}
	b.pending[pc.wireKey] = pc
	b.byOrigin[pc.originKey] = pc.wireKey
	b.mu.Unlock()

	fwd := *req
	fwd.ID = wireID
	// The deadline covers the write as well: a child that has stopped reading
	// its stdin must not hold the caller past the timeout.
	sendCtx, cancelSend := context.WithDeadline(ctx, pc.deadline)
	err := p.Send(sendCtx, &fwd)
	cancelSend()
	if err != nil {
		b.remove(pc)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.WarnContext(ctx, "bridge.call.timeout", slog.String("wire_id", wireID.String()), slog.Duration("timeout", b.timeout), slog.String("stage", "send"))
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to forward request: %w", err)
	}

	b.log.DebugContext(ctx, "bridge.call.start", slog.String("wire_id", wireID.String()))

	timer := time.NewTimer(time.Until(pc.deadline))
	defer timer.Stop()

	select {
	case r := <-pc.done:
		return r.resp, r.err
	case <-timer.C:
		if !b.remove(pc) {
			// Resolved concurrently with the deadline.
			r := <-pc.done
			return r.resp, r.err
		}
		b.log.WarnContext(ctx, "bridge.call.timeout", slog.String("wire_id", wireID.String()), slog.Duration("timeout", b.timeout))
		b.cancelRemote(p, wireID, "timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		if !b.remove(pc) {
			r := <-pc.done
			return r.resp, r.err
		}
		b.cancelRemote(p, wireID, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// remove deletes pc and reports whether this call did so.
func (b *Bridge) remove(pc *pendingCall) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[pc.wireKey] != pc {
		return false
	}
	delete(b.pending, pc.wireKey)
	delete(b.byOrigin, pc.originKey)
	return true
}

func (b *Bridge) take(wireKey string) (*pendingCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[wireKey]
	if !ok {
		return nil, false
	}
	delete(b.pending, wireKey)
	delete(b.byOrigin, pc.originKey)
	return pc, true
}

func (b *Bridge) resolve(resp *jsonrpc.Response) {
	if resp == nil || resp.ID.IsNil() {
		return
	}
	pc, ok := b.take(resp.ID.Key())
	if !ok {
		// Late, duplicate, or for a request the bridge did not send.
		b.log.Debug("bridge.reply.unmatched", slog.String("wire_id", resp.ID.String()))
		return
	}
	restored := *resp
	restored.ID = pc.origID
	pc.done <- result{resp: &restored}
}

func (b *Bridge) rejectOwner(p Process, err error) {
	b.mu.Lock()
	var rejected []*pendingCall
	for key, pc := range b.pending {
		if pc.owner != p {
			continue
		}
		delete(b.pending, key)
		delete(b.byOrigin, pc.originKey)
		rejected = append(rejected, pc)
	}
	b.mu.Unlock()

	for _, pc := range rejected {
		pc.done <- result{err: err}
	}
	if len(rejected) > 0 {
		b.log.Warn("bridge.pending.rejected", slog.Int("count", len(rejected)), slog.String("err", err.Error()))
	}
}

func (b *Bridge) cancelRemote(p Process, wireID *jsonrpc.RequestID, reason string) {
	n, err := jsonrpc.NewNotification(cancelledMethod, map[string]any{
		"requestId": wireID,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Send(ctx, n); err != nil {
		b.log.Debug("bridge.cancel.fail", slog.String("wire_id", wireID.String()), slog.String("err", err.Error()))
	}
}

// Notify forwards a notification without registering any correlation.
//
// A notifications/cancelled naming one of scope's outstanding calls is
// translated to that call's wire id and the call fails with ErrCancelled. A
// cancellation for an unknown id is dropped.
func (b *Bridge) Notify(ctx context.Context, p Process, scope string, n *jsonrpc.Request) error {
	if n == nil || n.Method == "" || !n.ID.IsNil() {
		return ErrNotNotification
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if n.Method != cancelledMethod {
		return p.Send(ctx, n)
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return fmt.Errorf("invalid cancellation params: %w", err)
	}
	var origID jsonrpc.RequestID
	if err := json.Unmarshal(params["requestId"], &origID); err != nil {
		return fmt.Errorf("invalid cancellation requestId: %w", err)
	}

	b.mu.Lock()
	wireKey, ok := b.byOrigin[originKey(scope, &origID)]
	var pc *pendingCall
	if ok {
		pc = b.pending[wireKey]
		delete(b.pending, wireKey)
		delete(b.byOrigin, pc.originKey)
	}
	b.mu.Unlock()
	if !ok {
		b.log.DebugContext(ctx, "bridge.cancel.unknown", slog.String("request_id", origID.String()))
		return nil
	}

	pc.done <- result{err: ErrCancelled}

	rewritten, err := json.Marshal(pc.wireID)
	if err != nil {
		return err
	}
	params["requestId"] = rewritten
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	fwd := *n
	fwd.Params = raw
	return p.Send(ctx, &fwd)
}

// Reply forwards a client's response to a request the tool server initiated.
// Those ids belong to the tool server and pass through unchanged. Server
// requests reach every open stream, so only the first answer per id is
// forwarded; later ones fail with ErrDuplicateReply.
func (b *Bridge) Reply(ctx context.Context, p Process, resp *jsonrpc.Response) error {
	if resp == nil || resp.ID.IsNil() {
		return ErrNotResponse
	}

	b.mu.Lock()
	rl, ok := b.answered[p]
	if !ok {
		rl = &replyLog{seen: make(map[string]struct{})}
		b.answered[p] = rl
	}
	first := rl.record(resp.ID.Key())
	b.mu.Unlock()
	if !first {
		return fmt.Errorf("%w: %s", ErrDuplicateReply, resp.ID.String())
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return p.Send(ctx, resp)
}

// Pending reports the number of outstanding calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Attached reports the number of processes currently attached.
func (b *Bridge) Attached() int {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	return len(b.attached)
}
