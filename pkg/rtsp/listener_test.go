package rtsp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory transport over net.Pipe. The test drives the
// peer end of the pipe.
type pipeTransport struct {
	mu         sync.Mutex
	local      net.Conn
	remote     net.Conn
	connected  bool
	reconnects int
}

func newPipeTransport() *pipeTransport {
	t := &pipeTransport{}
	t.establish()
	return t
}

func (t *pipeTransport) establish() {
	local, remote := net.Pipe()
	t.local, t.remote = local, remote
	t.connected = true
}

func (t *pipeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *pipeTransport) RemoteAddress() string { return "pipe" }

func (t *pipeTransport) Stream() io.ReadWriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	return t.local
}

func (t *pipeTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != nil {
		t.local.Close()
	}
	t.establish()
	t.reconnects++
	return nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.local != nil {
		t.local.Close()
	}
	return nil
}

// peer returns the test side of the current pipe.
func (t *pipeTransport) peer() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *pipeTransport) reconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitState(t *testing.T, l *Listener, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == want },
		2*time.Second, 5*time.Millisecond, "listener never reached state %s", want)
}

func TestListenerCorrelatesResponse(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	messages := make(chan Message, 8)
	l.OnMessage(func(m Message) { messages <- m })
	require.NoError(t, l.Start())
	defer l.Close()

	// Peer: read the request, answer it with a matching CSeq.
	go func() {
		peer := tr.peer()
		r := NewReader(peer, "")
		chunk, err := r.ReadChunk()
		if err != nil {
			return
		}
		req := chunk.(*Request)
		resp := &Response{StatusCode: 200, Reason: "OK"}
		resp.Header.Add("CSeq", req.Header.Get("CSeq"))
		resp.Header.Add("Content-Length", "0")
		peer.Write(resp.Marshal())
	}()

	req := &Request{Method: "OPTIONS", URL: "rtsp://x"}
	sent, err := l.SendMessage(req)
	require.NoError(t, err)
	require.True(t, sent)

	// The caller's request was not mutated.
	assert.Zero(t, req.CSeq)
	assert.Equal(t, 0, req.Header.Len())

	select {
	case msg := <-messages:
		resp, ok := msg.(*Response)
		require.True(t, ok)
		assert.Equal(t, uint32(1), resp.CSeq)
		require.NotNil(t, resp.Request, "response must carry the matched request")
		assert.Equal(t, "OPTIONS", resp.Request.Method)
		assert.Equal(t, uint32(1), resp.Request.CSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	assert.Equal(t, 0, l.OutstandingRequests(), "outstanding table must be drained")
}

func TestListenerDeliversUnmatchedResponse(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	messages := make(chan Message, 1)
	l.OnMessage(func(m Message) { messages <- m })
	require.NoError(t, l.Start())
	defer l.Close()

	go tr.peer().Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 999\r\nContent-Length: 0\r\n\r\n"))

	select {
	case msg := <-messages:
		resp := msg.(*Response)
		assert.Equal(t, uint32(999), resp.CSeq)
		assert.Nil(t, resp.Request, "unmatched response is delivered without a request")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestListenerDispatchesInWireOrder(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	l.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, "message")
		mu.Unlock()
	})
	l.OnData(func(d *Data) {
		mu.Lock()
		got = append(got, "data")
		mu.Unlock()
		d.Release()
		close(done)
	})
	require.NoError(t, l.Start())
	defer l.Close()

	go func() {
		peer := tr.peer()
		peer.Write([]byte("OPTIONS rtsp://x RTSP/1.0\r\nCSeq: 7\r\n\r\n"))
		peer.Write([]byte{'$', 0x00, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunks")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"message", "data"}, got)
}

func TestListenerSequenceNumbersIncrease(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())
	require.NoError(t, l.Start())
	defer l.Close()

	cseqs := make(chan uint32, 3)
	go func() {
		r := NewReader(tr.peer(), "")
		for i := 0; i < 3; i++ {
			chunk, err := r.ReadChunk()
			if err != nil {
				return
			}
			cseqs <- chunk.(*Request).CSeq
		}
	}()

	for i := 0; i < 3; i++ {
		sent, err := l.SendMessage(&Request{Method: "OPTIONS", URL: "rtsp://x"})
		require.NoError(t, err)
		require.True(t, sent)
	}

	var got []uint32
	for i := 0; i < 3; i++ {
		select {
		case c := <-cseqs:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for requests on the wire")
		}
	}
	assert.Equal(t, []uint32{1, 2, 3}, got)
	assert.Equal(t, 3, l.OutstandingRequests())
}

func TestListenerStopTransitions(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	assert.Equal(t, StateIdle, l.State())
	require.NoError(t, l.Start())
	assert.Equal(t, StateRunning, l.State())

	require.Error(t, l.Start(), "double start must fail")

	l.Stop()
	waitState(t, l, StateStopped)
	assert.False(t, tr.Connected())

	require.NoError(t, l.Close())
}

func TestListenerEOFMidBodyStopsCleanly(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	var delivered int
	l.OnMessage(func(Message) { delivered++ })
	require.NoError(t, l.Start())

	go func() {
		peer := tr.peer()
		peer.Write([]byte("ANNOUNCE rtsp://x RTSP/1.0\r\nContent-Length: 10\r\n\r\n12345"))
		peer.Close()
	}()

	waitState(t, l, StateStopped)
	assert.Zero(t, delivered, "truncated chunk must not be dispatched")
	require.NoError(t, l.Close())
}

func TestListenerAutoReconnectSend(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())
	require.NoError(t, l.Start())
	defer l.Close()

	// Drop the connection and let the read loop wind down.
	tr.Close()
	waitState(t, l, StateStopped)

	// Without auto-reconnect the send reports not-delivered.
	sent, err := l.SendMessage(&Request{Method: "OPTIONS", URL: "rtsp://x"})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 0, tr.reconnectCount())

	// With auto-reconnect the send dials and goes through.
	l.SetAutoReconnect(true)

	result := make(chan bool, 1)
	go func() {
		sent, err := l.SendMessage(&Request{Method: "OPTIONS", URL: "rtsp://x"})
		if err != nil {
			result <- false
			return
		}
		result <- sent
	}()

	// The write blocks until the new peer end reads it.
	require.Eventually(t, func() bool { return tr.reconnectCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	go io.Copy(io.Discard, tr.peer())

	select {
	case sent := <-result:
		assert.True(t, sent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto-reconnect send")
	}
	assert.Equal(t, StateRunning, l.State())
}

func TestListenerSendBeforeStart(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	_, err := l.SendMessage(&Request{Method: "OPTIONS", URL: "rtsp://x"})
	assert.ErrorIs(t, err, ErrNotRunning)

	err = l.SendData(0, []byte{0x01})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestListenerSendNilMessage(t *testing.T) {
	l := NewListener(newPipeTransport(), testLogger())
	_, err := l.SendMessage(nil)
	assert.ErrorIs(t, err, ErrNilMessage)
}

func TestListenerSendDataOversize(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())
	require.NoError(t, l.Start())
	defer l.Close()

	err := l.SendData(2, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestListenerSendData(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())
	require.NoError(t, l.Start())
	defer l.Close()

	frames := make(chan *Data, 1)
	go func() {
		r := NewReader(tr.peer(), "")
		chunk, err := r.ReadChunk()
		if err != nil {
			return
		}
		frames <- chunk.(*Data)
	}()

	require.NoError(t, l.SendData(4, []byte{0x01, 0x02, 0x03}))

	select {
	case d := <-frames:
		assert.Equal(t, uint8(4), d.Channel)
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, d.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestListenerReconnectPreservesCorrelation(t *testing.T) {
	tr := newPipeTransport()
	l := NewListener(tr, testLogger())

	messages := make(chan Message, 1)
	l.OnMessage(func(m Message) { messages <- m })
	require.NoError(t, l.Start())
	defer l.Close()

	// Send a request that never gets answered on this connection.
	go io.Copy(io.Discard, tr.peer())
	sent, err := l.SendMessage(&Request{Method: "SETUP", URL: "rtsp://x/track1"})
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, 1, l.OutstandingRequests())

	// Drop and reconnect; the outstanding table and counter must survive.
	tr.Close()
	waitState(t, l, StateStopped)
	require.NoError(t, l.Reconnect(context.Background()))
	assert.Equal(t, 1, l.OutstandingRequests())

	// The answer arrives on the new connection and still correlates.
	go tr.peer().Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Length: 0\r\n\r\n"))

	select {
	case msg := <-messages:
		resp := msg.(*Response)
		require.NotNil(t, resp.Request)
		assert.Equal(t, "SETUP", resp.Request.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	assert.Equal(t, 0, l.OutstandingRequests())

	// The counter did not reset: the next request gets cseq 2.
	cseqs := make(chan uint32, 1)
	go func() {
		r := NewReader(tr.peer(), "")
		chunk, err := r.ReadChunk()
		if err != nil {
			return
		}
		cseqs <- chunk.(*Request).CSeq
	}()
	sent, err = l.SendMessage(&Request{Method: "PLAY", URL: "rtsp://x/"})
	require.NoError(t, err)
	require.True(t, sent)
	select {
	case c := <-cseqs:
		assert.Equal(t, uint32(2), c)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}
