package voiceai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("evi connection closed")

// Dialer opens EVI chat connections.
type Dialer struct {
	URL             string
	APIKey          string
	DefaultConfigID string
	WriteTimeout    time.Duration

	// Dialer is used for the websocket handshake. Zero value uses
	// websocket.DefaultDialer settings.
	Dialer websocket.Dialer
}

// SessionOptions are the per-call connection parameters.
type SessionOptions struct {
	ConfigID          string
	SystemPrompt      string
	ResumeChatGroupID string
}

// Connect dials EVI, sends session settings and waits for chat_metadata.
// The whole handshake is bounded by ctx.
func (d *Dialer) Connect(ctx context.Context, opts SessionOptions) (*Conn, error) {
	target, err := d.chatURL(opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if d.APIKey != "" {
		header.Set("X-Hume-Api-Key", d.APIKey)
	}

	dialer := d.Dialer
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial evi: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial evi: %w", err)
	}

	conn := &Conn{ws: ws, writeTimeout: d.WriteTimeout}
	if conn.writeTimeout <= 0 {
		conn.writeTimeout = 10 * time.Second
	}

	// Unblock the handshake read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		ws.SetReadDeadline(time.Now())
	})

	settings := SessionSettingsMessage{
		Type: TypeSessionSettings,
		Audio: AudioSettings{
			Encoding:   EncodingLinear16,
			SampleRate: SampleRate,
			Channels:   Channels,
		},
		SystemPrompt: opts.SystemPrompt,
	}
	if err := conn.writeJSON(settings); err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("send session settings: %w", err)
	}

	if err := conn.awaitMetadata(ctx); err != nil {
		stop()
		conn.Close()
		return nil, err
	}
	if !stop() {
		// ctx fired after the ack arrived; the read deadline is already poisoned
		conn.Close()
		return nil, fmt.Errorf("waiting for chat metadata: %w", context.Cause(ctx))
	}
	return conn, nil
}

func (d *Dialer) chatURL(opts SessionOptions) (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid evi url: %w", err)
	}
	q := u.Query()
	configID := opts.ConfigID
	if configID == "" {
		configID = d.DefaultConfigID
	}
	if configID != "" {
		q.Set("config_id", configID)
	}
	if opts.ResumeChatGroupID != "" {
		q.Set("resumed_chat_group_id", opts.ResumeChatGroupID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is an established EVI chat connection. Writes are serialized;
// Receive must be called from a single goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
	closeOnce    sync.Once

	chatID      string
	chatGroupID string
}

func (c *Conn) awaitMetadata(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
	}
	for {
		ev, err := c.Receive()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("waiting for chat metadata: %w", ctxErr)
			}
			return fmt.Errorf("waiting for chat metadata: %w", err)
		}
		switch e := ev.(type) {
		case ChatMetadata:
			c.chatID = e.ChatID
			c.chatGroupID = e.ChatGroupID
			c.ws.SetReadDeadline(time.Time{})
			return nil
		case ErrorEvent:
			return e
		}
	}
}

// ChatID returns the chat id from the connection acknowledgment.
func (c *Conn) ChatID() string { return c.chatID }

// ChatGroupID returns the chat group to resume on reconnect.
func (c *Conn) ChatGroupID() string { return c.chatGroupID }

// SendAudio sends linear16 PCM as an audio_input message.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.writeJSON(AudioInputMessage{
		Type: TypeAudioInput,
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendAssistantInput asks the assistant to say text verbatim.
func (c *Conn) SendAssistantInput(text string) error {
	return c.writeJSON(AssistantInputMessage{Type: TypeAssistantInput, Text: text})
}

// Receive blocks until the next event. A *ProtocolError means the frame
// was dropped and the connection is still usable; any other error is fatal.
func (c *Conn) Receive() (Event, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, &ProtocolError{Reason: "unexpected binary frame"}
	}
	return ParseEvent(data)
}

func (c *Conn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}
