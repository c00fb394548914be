package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrLegClosed is returned when writing to a closed leg.
var ErrLegClosed = errors.New("telephony leg closed")

// Leg is the write side of one media-stream websocket. It satisfies
// relay.Sink.
type Leg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	streamSid string
	closed    bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewLeg wraps an upgraded websocket.
func NewLeg(conn *websocket.Conn, writeTimeout time.Duration) *Leg {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Leg{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

// SetStreamSid records the stream id outbound frames are addressed to.
func (l *Leg) SetStreamSid(streamSid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streamSid = streamSid
}

// SendAudio plays µ-law audio to the caller.
func (l *Leg) SendAudio(mulaw []byte) error {
	return l.write(func(streamSid string) interface{} {
		return OutboundMedia{
			Event:     EventMedia,
			StreamSid: streamSid,
			Media:     OutboundMediaChunk{Payload: base64.StdEncoding.EncodeToString(mulaw)},
		}
	})
}

// Clear drops audio Twilio has buffered but not yet played.
func (l *Leg) Clear() error {
	return l.write(func(streamSid string) interface{} {
		return ClearMessage{Event: EventClear, StreamSid: streamSid}
	})
}

func (l *Leg) write(build func(streamSid string) interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLegClosed
	}

	data, err := json.Marshal(build(l.streamSid))
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping keeps the socket alive until the leg is closed.
func (l *Leg) Ping(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Close sends a close frame with code and reason and closes the socket.
// Later calls are no-ops.
func (l *Leg) Close(code int, reason string) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

// Done is closed when the leg is closed.
func (l *Leg) Done() <-chan struct{} {
	return l.done
}
