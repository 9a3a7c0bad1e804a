// Package codec converts between the engine's float32 frame model and the
// little-endian signed 16-bit PCM chunks carried on the wire.
//
// The MIME type on each chunk carries the sample rate
// ("audio/pcm;rate=16000"), which is how the backend learns the capture rate
// and how inbound chunks declare the synthesis rate.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/embercoach/voicelink/pkg/audio"
)

// ErrMalformed indicates a chunk whose payload or MIME type cannot be decoded.
var ErrMalformed = errors.New("codec: malformed chunk")

const mimePrefix = "audio/pcm;rate="

// Chunk is one encoded block of audio as it travels over the transport.
type Chunk struct {
	// Data is little-endian int16 PCM, two bytes per sample, mono.
	Data []byte

	// MIME declares the payload format and sample rate, e.g. "audio/pcm;rate=16000".
	MIME string
}

// MIMEType builds the wire MIME string for a PCM stream at the given rate.
func MIMEType(sampleRate int) string {
	return mimePrefix + strconv.Itoa(sampleRate)
}

// ParseMIME extracts the sample rate from a wire MIME string. Parameters
// beyond the rate (e.g. ";codec=pcm" suffixes some backends append) are
// ignored.
func ParseMIME(mime string) (int, error) {
	rest, ok := strings.CutPrefix(mime, mimePrefix)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported mime type %q", ErrMalformed, mime)
	}
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		rest = rest[:i]
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: bad sample rate in mime type %q", ErrMalformed, mime)
	}
	return rate, nil
}

// Encode converts a float32 frame to an int16 PCM chunk. Samples outside
// [-1.0, 1.0] are clamped, never wrapped: an over-range sample becomes
// full-scale output rather than inverting polarity.
func Encode(frame audio.Frame) (Chunk, error) {
	if frame.SampleRate <= 0 {
		return Chunk{}, fmt.Errorf("%w: sample rate %d", ErrMalformed, frame.SampleRate)
	}

	data := make([]byte, len(frame.Samples)*2)
	for i, s := range frame.Samples {
		var v int16
		switch {
		case s >= 1.0:
			v = 32767
		case s <= -1.0:
			v = -32768
		case s >= 0:
			v = int16(s * 32767)
		default:
			v = int16(s * 32768)
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return Chunk{Data: data, MIME: MIMEType(frame.SampleRate)}, nil
}

// Decode converts an int16 PCM chunk back to a float32 frame. The scaling is
// the inverse of [Encode], so a round trip reproduces every in-range sample
// to within one quantisation step.
func Decode(chunk Chunk) (audio.Frame, error) {
	rate, err := ParseMIME(chunk.MIME)
	if err != nil {
		return audio.Frame{}, err
	}
	if len(chunk.Data)%2 != 0 {
		return audio.Frame{}, fmt.Errorf("%w: odd byte count %d", ErrMalformed, len(chunk.Data))
	}

	samples := make([]float32, len(chunk.Data)/2)
	for i := range samples {
		v := int16(chunk.Data[i*2]) | int16(chunk.Data[i*2+1])<<8
		if v >= 0 {
			samples[i] = float32(v) / 32767
		} else {
			samples[i] = float32(v) / 32768
		}
	}
	return audio.Frame{Samples: samples, SampleRate: rate}, nil
}
