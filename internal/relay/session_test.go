package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/voicebridge/internal/audio"
	"github.com/xiaot623/gogo/voicebridge/internal/domain"
	"github.com/xiaot623/gogo/voicebridge/internal/registry"
	"github.com/xiaot623/gogo/voicebridge/internal/voiceai"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	reg       *registry.Registry
	call      *domain.CallSession
	sink      *fakeSink
	connector *fakeConnector
	turns     *memoryTurns
	recorder  *fakeRecorder
	session   *Session
}

func testAgent() domain.AgentConfig {
	return domain.AgentConfig{
		AgentID:      "agent-1",
		Name:         "Sales",
		SystemPrompt: "You sell solar panels.",
		Greeting:     "Hi, this is Sam from Solar!",
		EVIConfigID:  "cfg-1",
	}
}

func testOptions() Options {
	return Options{
		ConnectTimeout:   200 * time.Millisecond,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    4 * time.Millisecond,
		RetryMaxAttempts: 3,
		QueuePushTimeout: time.Millisecond,
		TurnFlushTimeout: time.Second,
	}
}

func newHarness(t *testing.T, connector *fakeConnector, opts Options) *harness {
	t.Helper()
	reg := registry.New()
	call, err := reg.Create("CA1", testAgent())
	require.NoError(t, err)
	call.SetStreamID("SD1")

	h := &harness{
		reg:       reg,
		call:      call,
		sink:      newFakeSink(),
		connector: connector,
		turns:     &memoryTurns{},
		recorder:  newFakeRecorder(),
	}
	h.session = New(call, Deps{
		Telephony: h.sink,
		Connector: connector,
		Turns:     h.turns,
		Calls:     h.recorder,
		Directory: reg,
		Logger:    zerolog.Nop(),
	}, opts)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.session.Done():
		case <-time.After(waitFor):
			t.Errorf("session did not finish")
		}
	})
	go h.session.Run(ctx)
}

func (h *harness) waitStatus(t *testing.T, status domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.call.Status() == status }, waitFor, tick,
		"status is %s, want %s", h.call.Status(), status)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not finish, status %s", h.call.Status())
	}
}

// pcmFor returns linear audio that encodes back to n copies of code.
func pcmFor(code byte, n int) []byte {
	return audio.DecodeMulaw(bytes.Repeat([]byte{code}, n))
}

func TestSessionBridgesCallUntilStop(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	silence := bytes.Repeat([]byte{0xFF}, 160)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.session.HandleMedia(silence))
	}
	require.Eventually(t, func() bool { return len(ai.Audio()) == 5 }, waitFor, tick)
	for _, pcm := range ai.Audio() {
		assert.Equal(t, make([]byte, 320), pcm)
	}

	ai.events <- voiceai.AssistantMessage{Content: "Hi, this is Sam from Solar!"}
	ai.events <- voiceai.AudioOutput{Data: make([]byte, 320)}
	ai.events <- voiceai.UserMessage{Content: "who is this?", EmotionScores: map[string]float64{"Interest": 0.6}}

	require.Eventually(t, func() bool { return len(h.sink.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, silence, h.sink.Sent()[0])

	h.session.Stop()
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusConnecting, domain.CallStatusStreaming, domain.CallStatusEnded,
	}, h.call.History())
	assert.False(t, h.call.EndedAt().IsZero())

	_, ok := h.reg.Lookup("CA1")
	assert.False(t, ok)
	assert.True(t, ai.IsClosed())

	closed, code, _ := h.sink.Closed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)

	assert.Equal(t, []string{"Hi, this is Sam from Solar!"}, ai.Inputs())
	assert.Equal(t, []string{"Call connected", "Stream started", "Call ended"}, h.turns.Texts(domain.RoleSystem))
	assert.Equal(t, []string{"who is this?"}, h.turns.Texts(domain.RoleCustomer))
	assert.Equal(t, []string{"Hi, this is Sam from Solar!"}, h.turns.Texts(domain.RoleAgent))

	opts := h.connector.Calls()
	require.Len(t, opts, 1)
	assert.Equal(t, "cfg-1", opts[0].ConfigID)
	assert.Equal(t, "You sell solar panels.", opts[0].SystemPrompt)
	assert.Empty(t, opts[0].ResumeChatGroupID)

	rec := h.recorder.Call("CA1")
	assert.True(t, rec.started)
	assert.Equal(t, "SD1", rec.streamID)
	assert.Equal(t, "agent-1", rec.agentID)
	assert.Equal(t, domain.CallStatusEnded, rec.status)
	assert.Equal(t, "grp-1", rec.chatGroupID)
}

func TestInboundAudioKeepsOrder(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())

	// frames sent while connecting are held and forwarded once streaming
	for i := 0; i < 10; i++ {
		require.NoError(t, h.session.HandleMedia([]byte{byte(0x80 + i)}))
	}
	h.run(t)
	for i := 10; i < 20; i++ {
		require.NoError(t, h.session.HandleMedia([]byte{byte(0x80 + i)}))
	}

	require.Eventually(t, func() bool { return len(ai.Audio()) == 20 }, waitFor, tick)
	for i, pcm := range ai.Audio() {
		assert.Equal(t, audio.DecodeMulaw([]byte{byte(0x80 + i)}), pcm, "frame %d", i)
	}
}

func TestConnectTimeoutFails(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	h := newHarness(t, &fakeConnector{block: true}, opts)
	h.run(t)
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusFailed, h.call.Status())
	closed, code, reason := h.sink.Closed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, ReasonAIUnavailable, reason)
	assert.Equal(t, []string{"Call connected", "Call failed"}, h.turns.Texts(domain.RoleSystem))
	assert.Equal(t, domain.CallStatusFailed, h.recorder.Call("CA1").status)
}

func TestStopWhileConnectingEnds(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = time.Minute
	h := newHarness(t, &fakeConnector{block: true}, opts)
	h.run(t)

	require.Eventually(t, func() bool { return len(h.connector.Calls()) == 1 }, waitFor, tick)
	h.session.Stop()
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	assert.Equal(t, []domain.CallStatus{domain.CallStatusConnecting, domain.CallStatusEnded}, h.call.History())
}

func TestReconnectResumesChatGroup(t *testing.T) {
	first, second := newFakeAI("grp-1"), newFakeAI("grp-1")
	connector := &fakeConnector{results: []connectResult{{conn: first}, {conn: second}}}
	h := newHarness(t, connector, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	first.fail <- errConnLost
	require.Eventually(t, func() bool { return len(connector.Calls()) == 2 }, waitFor, tick)
	assert.Equal(t, "grp-1", connector.Calls()[1].ResumeChatGroupID)
	assert.True(t, first.IsClosed())

	require.Eventually(t, func() bool {
		_ = h.session.HandleMedia([]byte{0xFF})
		return len(second.Audio()) > 0
	}, waitFor, tick)

	assert.Equal(t, domain.CallStatusStreaming, h.call.Status())
	// the greeting is only spoken on the first connection
	assert.Empty(t, second.Inputs())
}

func TestRetriesExhaustedFails(t *testing.T) {
	ai := newFakeAI("grp-1")
	connector := &fakeConnector{results: []connectResult{{conn: ai}}}
	h := newHarness(t, connector, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.fail <- errConnLost
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusFailed, h.call.Status())
	// the first connect plus three retries
	calls := connector.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls[1:] {
		assert.Equal(t, "grp-1", c.ResumeChatGroupID)
	}

	assert.True(t, ai.IsClosed())
	closed, code, reason := h.sink.Closed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, ReasonAIUnavailable, reason)

	_, ok := h.reg.Lookup("CA1")
	assert.False(t, ok)
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusConnecting, domain.CallStatusStreaming, domain.CallStatusFailed,
	}, h.call.History())
}

func TestErrorEventTriggersReconnect(t *testing.T) {
	first, second := newFakeAI("grp-1"), newFakeAI("grp-1")
	connector := &fakeConnector{results: []connectResult{{conn: first}, {conn: second}}}
	h := newHarness(t, connector, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	first.events <- voiceai.ErrorEvent{Code: "I0100", Message: "internal"}
	require.Eventually(t, func() bool { return len(connector.Calls()) == 2 }, waitFor, tick)
	assert.True(t, first.IsClosed())
	assert.Equal(t, domain.CallStatusStreaming, h.call.Status())
}

func TestStopDuringRetryWindowEnds(t *testing.T) {
	opts := testOptions()
	opts.RetryBaseDelay = time.Minute
	opts.RetryMaxDelay = time.Minute
	ai := newFakeAI("grp-1")
	connector := &fakeConnector{results: []connectResult{{conn: ai}}}
	h := newHarness(t, connector, opts)
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.fail <- errConnLost
	require.Eventually(t, ai.IsClosed, waitFor, tick)
	h.session.Stop()
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	assert.Len(t, connector.Calls(), 1)
}

func TestInterruptionDiscardsQueuedPlayback(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.sink.gate = make(chan struct{})
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	a1, a2, a3, a4 := pcmFor(0x11, 8), pcmFor(0x22, 8), pcmFor(0x33, 8), pcmFor(0x44, 8)

	// a1 is picked up by the pump and held at the sink
	ai.events <- voiceai.AudioOutput{Data: a1}
	select {
	case <-h.sink.sending:
	case <-time.After(waitFor):
		t.Fatal("first chunk never reached the sink")
	}

	ai.events <- voiceai.AudioOutput{Data: a2}
	ai.events <- voiceai.AudioOutput{Data: a3}
	require.Eventually(t, func() bool { return h.session.outbound.Len() == 2 }, waitFor, tick)

	ai.events <- voiceai.UserInterruption{}
	require.Eventually(t, func() bool { return h.session.outGen.Load() == 1 }, waitFor, tick)
	ai.events <- voiceai.AudioOutput{Data: a4}

	close(h.sink.gate)
	require.Eventually(t, func() bool { return len(h.sink.Sent()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.sink.Clears() == 1 }, waitFor, tick)

	h.session.Stop()
	h.waitDone(t)

	assert.Equal(t, [][]byte{
		bytes.Repeat([]byte{0x11}, 8),
		bytes.Repeat([]byte{0x44}, 8),
	}, h.sink.Sent())
}

func TestNoForwardingAfterTerminal(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	require.NoError(t, h.session.HandleMedia([]byte{0xFF}))
	require.Eventually(t, func() bool { return len(ai.Audio()) == 1 }, waitFor, tick)

	h.session.Stop()
	h.waitDone(t)

	assert.ErrorIs(t, h.session.HandleMedia([]byte{0xFF}), ErrSessionClosed)
	assert.Len(t, ai.Audio(), 1)
	assert.Empty(t, h.sink.Sent())

	// repeated stops are harmless
	h.session.Stop()
	h.session.Stop()
}

func TestUndecodableAudioOutputIsDropped(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.events <- voiceai.AudioOutput{Data: []byte{1, 2, 3}}
	ai.events <- voiceai.AudioOutput{Data: pcmFor(0x55, 4)}

	require.Eventually(t, func() bool { return len(h.sink.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, bytes.Repeat([]byte{0x55}, 4), h.sink.Sent()[0])
	assert.Equal(t, domain.CallStatusStreaming, h.call.Status())
}

func TestInterruptionDoesNotWaitForSlowTelephony(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.sink.gate = make(chan struct{})
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.events <- voiceai.AudioOutput{Data: pcmFor(0x11, 8)}
	select {
	case <-h.sink.sending:
	case <-time.After(waitFor):
		t.Fatal("first chunk never reached the sink")
	}

	// the telephony write is stuck; AI events must keep flowing
	ai.events <- voiceai.UserInterruption{}
	ai.events <- voiceai.UserMessage{Content: "wait"}
	ai.events <- voiceai.UserMessage{Content: "I have a question"}
	require.Eventually(t, func() bool { return len(h.turns.Texts(domain.RoleCustomer)) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"wait", "I have a question"}, h.turns.Texts(domain.RoleCustomer))
	assert.Zero(t, h.sink.Clears())

	// the clear goes out once the stuck write completes
	close(h.sink.gate)
	require.Eventually(t, func() bool { return h.sink.Clears() == 1 }, waitFor, tick)

	h.session.Stop()
	h.waitDone(t)
}

func TestTerminalStatusOnlyAfterLegsClose(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.sink.observe = h.call.Status
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	h.session.Stop()
	h.waitDone(t)

	// still streaming while the telephony leg was being closed
	assert.Equal(t, domain.CallStatusStreaming, h.sink.StatusAtClose())
	assert.True(t, ai.IsClosed())
	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	assert.Equal(t, domain.CallStatusEnded, h.recorder.Call("CA1").status)
	_, ok := h.reg.Lookup("CA1")
	assert.False(t, ok)
}

func TestTerminalStatusAfterLegsCloseOnFailure(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	h := newHarness(t, &fakeConnector{block: true}, opts)
	h.sink.observe = h.call.Status
	h.run(t)
	h.waitDone(t)

	assert.Equal(t, domain.CallStatusConnecting, h.sink.StatusAtClose())
	assert.Equal(t, domain.CallStatusFailed, h.call.Status())
}

func TestFailingTurnLoggerKeepsRelaying(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.turns.err = errors.New("disk full")
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.events <- voiceai.UserMessage{Content: "hello?"}
	require.NoError(t, h.session.HandleMedia([]byte{0xFF}))
	ai.events <- voiceai.AudioOutput{Data: pcmFor(0x55, 4)}

	require.Eventually(t, func() bool { return len(ai.Audio()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.sink.Sent()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.turns.Attempts() >= 3 }, waitFor, tick)

	h.session.Stop()
	h.waitDone(t)
	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	assert.Empty(t, h.turns.Texts(domain.RoleCustomer))
}

func TestBlockedTurnLoggerBoundsTeardown(t *testing.T) {
	opts := testOptions()
	opts.TurnFlushTimeout = 100 * time.Millisecond
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, opts)
	h.turns.block = true
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.events <- voiceai.UserMessage{Content: "are you there?"}
	require.NoError(t, h.session.HandleMedia([]byte{0xFF}))
	ai.events <- voiceai.AudioOutput{Data: pcmFor(0x55, 4)}
	require.Eventually(t, func() bool { return len(ai.Audio()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.sink.Sent()) == 1 }, waitFor, tick)

	start := time.Now()
	h.session.Stop()
	h.waitDone(t)

	assert.Less(t, time.Since(start), opts.TurnFlushTimeout+500*time.Millisecond)
	assert.Equal(t, domain.CallStatusEnded, h.call.Status())
	closed, code, _ := h.sink.Closed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
}

func TestInterimTranscriptsAreNotLogged(t *testing.T) {
	ai := newFakeAI("grp-1")
	h := newHarness(t, &fakeConnector{results: []connectResult{{conn: ai}}}, testOptions())
	h.run(t)
	h.waitStatus(t, domain.CallStatusStreaming)

	ai.events <- voiceai.UserMessage{Content: "I want", Interim: true}
	ai.events <- voiceai.UserMessage{Content: "I want a quote", Interim: true}
	ai.events <- voiceai.UserMessage{Content: "I want a quote for my roof"}

	require.Eventually(t, func() bool { return len(h.turns.Texts(domain.RoleCustomer)) == 1 }, waitFor, tick)

	h.session.Stop()
	h.waitDone(t)
	assert.Equal(t, []string{"I want a quote for my roof"}, h.turns.Texts(domain.RoleCustomer))
}
