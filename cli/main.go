// Package main provides a media-stream simulator for exercising the voice bridge
// without a phone call.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/voicebridge/internal/audio"
	"github.com/xiaot623/gogo/voicebridge/internal/telephony"
)

// frameBytes is 20ms of 8kHz µ-law.
const frameBytes = 160

// Client plays one simulated call against the bridge.
type Client struct {
	conn      *websocket.Conn
	callSid   string
	streamSid string
	done      chan struct{}
}

// NewClient creates a new client and connects to the server.
func NewClient(addr, callSid, streamSid string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:      conn,
		callSid:   callSid,
		streamSid: streamSid,
		done:      make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start sends the connected and start frames.
func (c *Client) Start() error {
	if err := c.conn.WriteJSON(telephony.Frame{
		Event:    telephony.EventConnected,
		Protocol: "Call",
		Version:  "1.0.0",
	}); err != nil {
		return fmt.Errorf("write connected: %w", err)
	}

	start := telephony.Frame{
		Event:          telephony.EventStart,
		SequenceNumber: "1",
		StreamSid:      c.streamSid,
		Start: &telephony.StartPayload{
			CallSid:   c.callSid,
			StreamSid: c.streamSid,
			Tracks:    []string{telephony.TrackInbound},
			MediaFormat: &telephony.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: audio.SampleRate,
				Channels:   1,
			},
		},
	}
	if err := c.conn.WriteJSON(start); err != nil {
		return fmt.Errorf("write start: %w", err)
	}
	return nil
}

// Play streams mulaw in 20ms frames at real-time pace.
func (c *Client) Play(mulaw []byte, interrupt <-chan os.Signal) error {
	ticker := time.NewTicker(audio.Duration(frameBytes))
	defer ticker.Stop()

	for i, seq := 0, 2; i < len(mulaw); i, seq = i+frameBytes, seq+1 {
		end := i + frameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		frame := telephony.Frame{
			Event:          telephony.EventMedia,
			SequenceNumber: fmt.Sprint(seq),
			StreamSid:      c.streamSid,
			Media: &telephony.MediaPayload{
				Track:     telephony.TrackInbound,
				Chunk:     fmt.Sprint(seq - 1),
				Timestamp: fmt.Sprint(audio.Duration(i).Milliseconds()),
				Payload:   base64.StdEncoding.EncodeToString(mulaw[i:end]),
			},
		}
		if err := c.conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("write media: %w", err)
		}

		select {
		case <-ticker.C:
		case <-interrupt:
			return nil
		case <-c.done:
			return nil
		}
	}
	return nil
}

// Stop sends the stop frame.
func (c *Client) Stop() error {
	return c.conn.WriteJSON(telephony.Frame{
		Event:     telephony.EventStop,
		StreamSid: c.streamSid,
		Stop:      &telephony.StopPayload{CallSid: c.callSid},
	})
}

// ReadMessages prints frames sent by the bridge until the socket closes.
func (c *Client) ReadMessages() {
	defer close(c.done)

	var received int
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fmt.Printf("\nBridge closed the stream: %d %s\n", ce.Code, ce.Text)
			} else {
				log.Printf("Read error: %v", err)
			}
			fmt.Printf("Received %s of audio\n", audio.Duration(received))
			return
		}

		var base struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}

		switch base.Event {
		case telephony.EventMedia:
			var out telephony.OutboundMedia
			json.Unmarshal(data, &out)
			payload, _ := base64.StdEncoding.DecodeString(out.Media.Payload)
			received += len(payload)
			fmt.Printf("[media] %s\n", audio.Duration(len(payload)))
		case telephony.EventClear:
			fmt.Println("[clear] caller interrupted playback")
		default:
			fmt.Printf("[%s] %s\n", base.Event, data)
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/media-stream", "Media stream address")
	callSid := flag.String("call", "CA00000000000000000000000000000001", "Call SID to announce in the start frame")
	streamSid := flag.String("stream", "MZ00000000000000000000000000000001", "Stream SID")
	file := flag.String("file", "", "Raw 8kHz µ-law file to play (default: silence)")
	seconds := flag.Int("seconds", 5, "Seconds of silence to play when no file is given")
	flag.Parse()

	log.SetFlags(log.Ltime)

	mulaw := bytes.Repeat([]byte{0xFF}, *seconds*audio.SampleRate)
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
		mulaw = data
	}

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, *callSid, *streamSid)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	go client.ReadMessages()

	if err := client.Start(); err != nil {
		log.Fatalf("Start failed: %v", err)
	}
	fmt.Printf("Streaming %s of audio for call %s\n", audio.Duration(len(mulaw)), *callSid)

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if err := client.Play(mulaw, interrupt); err != nil {
		log.Printf("Playback stopped: %v", err)
	}
	if err := client.Stop(); err != nil {
		log.Printf("Send stop failed: %v", err)
	}

	select {
	case <-client.done:
	case <-time.After(5 * time.Second):
		fmt.Println("Bridge did not close the stream")
	}
}
