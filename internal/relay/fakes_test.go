package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
	"github.com/xiaot623/gogo/voicebridge/internal/voiceai"
)

var errConnLost = errors.New("connection reset by peer")

type fakeSink struct {
	mu      sync.Mutex
	sent    [][]byte
	clears  int
	closed  bool
	code    int
	reason  string
	gate    chan struct{} // when set, SendAudio waits for it to close
	sending chan struct{} // signalled when a send starts

	// observe, when set, is sampled as the leg closes.
	observe       func() domain.CallStatus
	statusAtClose domain.CallStatus
}

func newFakeSink() *fakeSink {
	return &fakeSink{sending: make(chan struct{}, 16)}
}

func (f *fakeSink) SendAudio(mulaw []byte) error {
	select {
	case f.sending <- struct{}{}:
	default:
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), mulaw...))
	return nil
}

func (f *fakeSink) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeSink) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed, f.code, f.reason = true, code, reason
	if f.observe != nil {
		f.statusAtClose = f.observe()
	}
	return nil
}

func (f *fakeSink) StatusAtClose() domain.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusAtClose
}

func (f *fakeSink) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeSink) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeSink) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

type fakeAI struct {
	chatGroupID string
	events      chan voiceai.Event
	fail        chan error
	closed      chan struct{}
	closeOnce   sync.Once

	mu     sync.Mutex
	audio  [][]byte
	inputs []string
}

func newFakeAI(chatGroupID string) *fakeAI {
	return &fakeAI{
		chatGroupID: chatGroupID,
		events:      make(chan voiceai.Event, 16),
		fail:        make(chan error, 1),
		closed:      make(chan struct{}),
	}
}

func (f *fakeAI) SendAudio(pcm []byte) error {
	select {
	case <-f.closed:
		return voiceai.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeAI) SendAssistantInput(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeAI) Receive() (voiceai.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.fail:
		return nil, err
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeAI) ChatGroupID() string { return f.chatGroupID }

func (f *fakeAI) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeAI) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeAI) Audio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeAI) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

// fakeConnector hands out the queued results in order; once they run out
// every attempt fails.
type fakeConnector struct {
	mu      sync.Mutex
	results []connectResult
	calls   []voiceai.SessionOptions
	block   bool // wait for ctx instead of answering
}

type connectResult struct {
	conn *fakeAI
	err  error
}

func (f *fakeConnector) Connect(ctx context.Context, opts voiceai.SessionOptions) (AIConn, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	block := f.block
	var res connectResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res.err = errors.New("connection refused")
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

func (f *fakeConnector) Calls() []voiceai.SessionOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voiceai.SessionOptions(nil), f.calls...)
}

type memoryTurns struct {
	mu       sync.Mutex
	turns    []domain.ConversationTurn
	attempts int
	err      error // returned instead of storing
	block    bool  // wait for ctx instead of storing
}

func (m *memoryTurns) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	m.mu.Lock()
	m.attempts++
	block, err := m.block, m.err
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

func (m *memoryTurns) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memoryTurns) Texts(role domain.Role) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.turns {
		if t.Role == role {
			out = append(out, t.Text)
		}
	}
	return out
}

type recordedCall struct {
	agentID, streamID string
	status            domain.CallStatus
	chatGroupID       string
	started, ended    bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls map[string]*recordedCall
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{calls: make(map[string]*recordedCall)}
}

func (f *fakeRecorder) get(id string) *recordedCall {
	c, ok := f.calls[id]
	if !ok {
		c = &recordedCall{}
		f.calls[id] = c
	}
	return c
}

func (f *fakeRecorder) MarkCallStarted(_ context.Context, callSID, agentID, streamSID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.get(callSID)
	c.agentID, c.streamID, c.started = agentID, streamSID, true
	return nil
}

func (f *fakeRecorder) MarkCallEnded(_ context.Context, callSID string, status domain.CallStatus, chatGroupID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.get(callSID)
	c.status, c.chatGroupID, c.ended = status, chatGroupID, true
	return nil
}

func (f *fakeRecorder) Call(id string) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.get(id)
}
