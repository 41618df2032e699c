// Package rtsp implements the framing layer of RTSP (RFC 2326) over a
// reliable byte stream: a read state machine that discriminates text
// messages from interleaved binary frames on a single connection, a
// serialized write path, and CSeq-based request/response correlation.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ethan/rtsp-wire/pkg/transport"
)

var (
	// ErrNilMessage is returned by SendMessage for a nil message.
	ErrNilMessage = errors.New("rtsp: nil message")

	// ErrNotRunning is returned by send operations on a listener that was
	// never started, and by SendData on a listener that is not running.
	// SendMessage and SendRequest on a stopped or closed listener report
	// (false, nil) instead, unless auto-reconnect recovers the connection.
	ErrNotRunning = errors.New("rtsp: listener not running")

	// ErrDisconnected is returned when the transport has no usable stream.
	ErrDisconnected = errors.New("rtsp: transport disconnected")
)

// State is the listener lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MessageHandler receives requests and responses read off the wire.
type MessageHandler func(Message)

// DataHandler receives interleaved data frames read off the wire.
type DataHandler func(*Data)

// reconnectTimeout bounds a transparent reconnect triggered by a send
// against a disconnected transport.
const reconnectTimeout = 10 * time.Second

// Listener pairs one transport with one long-running read goroutine. It
// produces chunks for subscribers, serializes outbound messages and frames,
// and pairs responses with the requests that produced them.
type Listener struct {
	id        string
	transport transport.Transport
	logger    *slog.Logger
	pool      *payloadPool

	state         atomic.Int32
	autoReconnect atomic.Bool

	// reconnectLimiter keeps a dead peer from turning every send into a
	// dial attempt.
	reconnectLimiter *rate.Limiter

	// cseq is the outbound sequence counter. Incremented before each
	// request, never reset by reconnect so in-flight correlation survives.
	cseq atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*Request

	handlerMu    sync.RWMutex
	msgHandlers  []MessageHandler
	dataHandlers []DataHandler

	mu     sync.Mutex
	stream io.ReadWriteCloser
	reader *Reader
	writer *Writer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener over tr. The listener does not read until
// Start is called.
func NewListener(tr transport.Transport, logger *slog.Logger) *Listener {
	id := uuid.NewString()
	return &Listener{
		id:               id,
		transport:        tr,
		logger:           logger.With("component", "listener", "conn_id", id),
		pool:             newPayloadPool(),
		reconnectLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		pending:          make(map[uint32]*Request),
	}
}

// ID returns the opaque connection identifier stamped on produced chunks.
func (l *Listener) ID() string { return l.id }

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

// RemoteAddress delegates to the transport.
func (l *Listener) RemoteAddress() string { return l.transport.RemoteAddress() }

// SetAutoReconnect controls whether a send against a disconnected transport
// attempts a transparent reconnect.
func (l *Listener) SetAutoReconnect(v bool) { l.autoReconnect.Store(v) }

// AutoReconnect reports the auto-reconnect setting.
func (l *Listener) AutoReconnect() bool { return l.autoReconnect.Load() }

// OnMessage subscribes h to requests and responses. Handlers run
// synchronously on the read goroutine, in registration order; a slow handler
// blocks further reads.
func (l *Listener) OnMessage(h MessageHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.msgHandlers = append(l.msgHandlers, h)
}

// OnData subscribes h to interleaved data frames. Ownership of the frame's
// payload buffer transfers to the handlers; the last one done calls Release.
func (l *Listener) OnData(h DataHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.dataHandlers = append(l.dataHandlers, h)
}

// Start spawns the read goroutine. The transport must be connected.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case StateRunning, StateStopping:
		return fmt.Errorf("rtsp: listener already started")
	}

	stream := l.transport.Stream()
	if stream == nil {
		return ErrDisconnected
	}
	l.startLocked(stream)
	return nil
}

// startLocked installs a fresh stream, reader and writer and spawns the read
// goroutine. Caller holds l.mu.
func (l *Listener) startLocked(stream io.ReadWriteCloser) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.stream = stream
	l.reader = newReader(stream, l.pool, l.id)
	l.writer = NewWriter(stream)
	l.state.Store(int32(StateRunning))

	l.wg.Add(1)
	go l.readLoop(ctx, l.reader, stream)
}

// Stop cancels the read goroutine and closes the transport so any blocking
// read unblocks. It does not wait for the goroutine to exit; Close does.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.State() != StateRunning {
		l.mu.Unlock()
		return
	}
	l.state.Store(int32(StateStopping))
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.transport.Close()
}

// Reconnect re-establishes a dropped connection and restarts the read
// goroutine. The outstanding-request table and the sequence counter are
// preserved, so responses to requests sent before the drop still correlate.
// No-op when the transport is already connected.
func (l *Listener) Reconnect(ctx context.Context) error {
	if l.transport.Connected() {
		return nil
	}

	// Let the previous read goroutine fully unwind before swapping streams.
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport.Connected() {
		return nil
	}
	if err := l.transport.Reconnect(ctx); err != nil {
		return fmt.Errorf("rtsp: reconnect: %w", err)
	}

	stream := l.transport.Stream()
	if stream == nil {
		return ErrDisconnected
	}
	l.startLocked(stream)
	l.logger.Info("reconnected", "remote_addr", l.transport.RemoteAddress())
	return nil
}

// Close stops the listener and waits for the read goroutine to exit.
func (l *Listener) Close() error {
	l.Stop()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() == StateIdle {
		// Never started; the read goroutine was not there to close these.
		l.transport.Close()
		l.state.Store(int32(StateStopped))
	}
	return nil
}

// SendMessage serializes msg onto the stream. Requests are cloned, given the
// next sequence number and recorded in the outstanding table; the caller's
// instance is never mutated. Returns false without error when the transport
// is disconnected and auto-reconnect is off or fails.
func (l *Listener) SendMessage(msg Message) (bool, error) {
	if msg == nil {
		return false, ErrNilMessage
	}
	if req, ok := msg.(*Request); ok {
		_, sent, err := l.SendRequest(req)
		return sent, err
	}

	w, ok, err := l.sendableWriter()
	if !ok || err != nil {
		return false, err
	}
	if err := w.WriteMessage(msg); err != nil {
		return false, err
	}
	return true, nil
}

// SendRequest clones req, assigns the next sequence number to the clone,
// writes it, and records it in the outstanding table. The assigned sequence
// number is returned so callers can await the matching response.
func (l *Listener) SendRequest(req *Request) (uint32, bool, error) {
	if req == nil {
		return 0, false, ErrNilMessage
	}

	w, ok, err := l.sendableWriter()
	if !ok || err != nil {
		return 0, false, err
	}

	clone := req.Clone()
	cseq := l.cseq.Add(1)
	clone.CSeq = cseq
	clone.Header.Set(headerCSeq, strconv.FormatUint(uint64(cseq), 10))

	// Recorded before the write hits the wire: the read goroutine may
	// dispatch the peer's answer before this goroutine regains control, and
	// the correlator must already see the entry.
	l.pendingMu.Lock()
	l.pending[cseq] = clone
	l.pendingMu.Unlock()

	if err := w.WriteMessage(clone); err != nil {
		l.pendingMu.Lock()
		delete(l.pending, cseq)
		l.pendingMu.Unlock()
		return 0, false, err
	}

	l.logger.Debug("request sent", "method", clone.Method, "url", clone.URL, "cseq", cseq)
	return cseq, true, nil
}

// SendData writes one interleaved frame. The payload must be at most
// MaxPayloadSize bytes and the listener must be running.
func (l *Listener) SendData(channel uint8, payload []byte) error {
	return l.SendDataContext(context.Background(), channel, payload)
}

// SendDataContext is SendData with cancellation checked before the write. A
// write already handed to the stream when ctx is canceled may still
// complete.
func (l *Listener) SendDataContext(ctx context.Context, channel uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes on channel %d", ErrPayloadTooLarge, len(payload), channel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	w := l.writer
	l.mu.Unlock()
	if w == nil || l.State() != StateRunning {
		return ErrNotRunning
	}
	return w.WriteData(channel, payload)
}

// OutstandingRequests returns the number of sent requests still awaiting a
// response. Stale entries persist until a matching response arrives.
func (l *Listener) OutstandingRequests() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// sendableWriter returns the current writer, transparently reconnecting
// first when the transport is down and auto-reconnect permits it. ok=false
// with nil error means disconnected and not recovered.
func (l *Listener) sendableWriter() (*Writer, bool, error) {
	if !l.transport.Connected() || l.State() != StateRunning {
		if !l.tryAutoReconnect() {
			if l.State() == StateIdle {
				return nil, false, ErrNotRunning
			}
			return nil, false, nil
		}
	}

	l.mu.Lock()
	w := l.writer
	l.mu.Unlock()
	if w == nil {
		return nil, false, ErrNotRunning
	}
	return w, true, nil
}

func (l *Listener) tryAutoReconnect() bool {
	if !l.autoReconnect.Load() {
		return false
	}
	if l.State() == StateIdle {
		return false
	}
	if !l.reconnectLimiter.Allow() {
		l.logger.Warn("reconnect attempt suppressed by rate limit")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()
	if err := l.Reconnect(ctx); err != nil {
		l.logger.Warn("auto reconnect failed", "error", err)
		return false
	}
	return true
}

// readLoop reads chunks until EOF, cancellation or a fault, dispatching each
// one synchronously to subscribers. All errors terminate the loop and are
// logged, never propagated.
func (l *Listener) readLoop(ctx context.Context, r *Reader, stream io.ReadWriteCloser) {
	defer l.wg.Done()

	l.logger.Debug("read loop started", "remote_addr", l.transport.RemoteAddress())

	for {
		chunk, err := r.ReadChunk()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				l.logger.Debug("connection closed by peer")
			case ctx.Err() != nil:
				l.logger.Debug("read loop canceled")
			default:
				l.logger.Warn("read loop terminated", "error", err)
			}
			break
		}
		l.dispatch(chunk)
	}

	l.state.Store(int32(StateStopping))
	stream.Close()
	l.transport.Close()
	l.state.Store(int32(StateStopped))
	l.logger.Debug("read loop exited")
}

func (l *Listener) dispatch(chunk Chunk) {
	switch c := chunk.(type) {
	case *Response:
		l.correlate(c)
		l.publishMessage(c)
	case *Request:
		l.publishMessage(c)
	case *Data:
		l.publishData(c)
	}
}

// correlate drains the outstanding table entry matching the response's CSeq
// and attaches the request. An unmatched response is still delivered.
func (l *Listener) correlate(resp *Response) {
	l.pendingMu.Lock()
	req, ok := l.pending[resp.CSeq]
	if ok {
		delete(l.pending, resp.CSeq)
	}
	l.pendingMu.Unlock()

	if !ok {
		l.logger.Warn("response matches no outstanding request",
			"cseq", resp.CSeq,
			"status", resp.StatusCode)
		return
	}
	resp.Request = req
}

func (l *Listener) publishMessage(msg Message) {
	l.handlerMu.RLock()
	handlers := l.msgHandlers
	l.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (l *Listener) publishData(d *Data) {
	l.handlerMu.RLock()
	handlers := l.dataHandlers
	l.handlerMu.RUnlock()

	if len(handlers) == 0 {
		// Nobody took ownership; recycle the buffer here.
		d.Release()
		return
	}
	for _, h := range handlers {
		h(d)
	}
}
