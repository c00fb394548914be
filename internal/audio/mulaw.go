// Package audio converts between G.711 µ-law telephony audio and 16-bit linear PCM.
//
// Both directions use the integer segment tables from the G.711 reference
// implementation, so the conversions are exact and deterministic.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// SampleRate is the sample rate shared by both legs.
	SampleRate = 8000
	// LinearSampleWidth is the byte width of one linear16 sample.
	LinearSampleWidth = 2

	ulawBias = 0x84
	ulawClip = 8159
)

// segment end points for the 14-bit magnitude (after the >>2 in EncodeMulaw)
var segEnd = [8]int16{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}

// DecodeError reports a payload that cannot be converted as a whole.
type DecodeError struct {
	Length int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode: %s (length %d)", e.Reason, e.Length)
}

// DecodeMulaw converts µ-law bytes to little-endian linear16 PCM. Every byte is a
// valid µ-law code, so this never fails.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*LinearSampleWidth)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(MulawToLinear(u)))
	}
	return out
}

// EncodeMulaw converts little-endian linear16 PCM to µ-law. The input must hold a
// whole number of samples.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%LinearSampleWidth != 0 {
		return nil, &DecodeError{Length: len(pcm), Reason: "odd-length linear16 payload"}
	}
	out := make([]byte, len(pcm)/LinearSampleWidth)
	for i := range out {
		out[i] = LinearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// MulawToLinear expands one µ-law code.
func MulawToLinear(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F) << 3) + ulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

// LinearToMulaw compresses one linear16 sample.
func LinearToMulaw(sample int16) byte {
	v := int16(sample >> 2)
	mask := byte(0xFF)
	if v < 0 {
		v = -v
		mask = 0x7F
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias >> 2

	seg := 0
	for seg < len(segEnd) && v > segEnd[seg] {
		seg++
	}
	if seg >= len(segEnd) {
		return 0x7F ^ mask
	}
	uval := byte(seg<<4) | byte((v>>(seg+1))&0x0F)
	return uval ^ mask
}

// Duration returns the playback time of n µ-law bytes.
func Duration(mulawBytes int) time.Duration {
	return time.Duration(mulawBytes) * time.Second / SampleRate
}
