package codec_test

import (
	"errors"
	"math"
	"testing"

	"github.com/embercoach/voicelink/internal/codec"
	"github.com/embercoach/voicelink/pkg/audio"
)

func TestEncode_MIMECarriesRate(t *testing.T) {
	chunk, err := codec.Encode(audio.Frame{Samples: []float32{0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if chunk.MIME != "audio/pcm;rate=16000" {
		t.Errorf("mime: got %q", chunk.MIME)
	}
	if len(chunk.Data) != 2 {
		t.Errorf("data length: got %d, want 2", len(chunk.Data))
	}
}

func TestEncode_Clamps(t *testing.T) {
	chunk, err := codec.Encode(audio.Frame{Samples: []float32{2.0, -2.0, 1.0, -1.0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []int16{32767, -32768, 32767, -32768}
	for i, w := range want {
		got := int16(chunk.Data[i*2]) | int16(chunk.Data[i*2+1])<<8
		if got != w {
			t.Errorf("sample %d: got %d, want %d", i, got, w)
		}
	}
}

func TestEncode_RejectsZeroRate(t *testing.T) {
	_, err := codec.Encode(audio.Frame{Samples: []float32{0}})
	if !errors.Is(err, codec.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestRoundTrip(t *testing.T) {
	in := audio.Frame{
		Samples:    []float32{0, 0.25, -0.25, 0.5, -0.5, 0.999, -0.999, 1.0, -1.0},
		SampleRate: 24000,
	}
	chunk, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := codec.Decode(chunk)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != in.SampleRate {
		t.Errorf("sample rate: got %d, want %d", out.SampleRate, in.SampleRate)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("length: got %d, want %d", len(out.Samples), len(in.Samples))
	}
	// One quantisation step at 16 bits.
	const step = 1.0 / 32767
	for i := range in.Samples {
		if math.Abs(float64(out.Samples[i]-in.Samples[i])) > step {
			t.Errorf("sample %d: got %f, want %f", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestDecode_OddByteCount(t *testing.T) {
	_, err := codec.Decode(codec.Chunk{Data: []byte{1, 2, 3}, MIME: "audio/pcm;rate=24000"})
	if !errors.Is(err, codec.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestDecode_BadMIME(t *testing.T) {
	cases := []string{
		"",
		"audio/ogg",
		"audio/pcm",
		"audio/pcm;rate=",
		"audio/pcm;rate=abc",
		"audio/pcm;rate=-1",
	}
	for _, mime := range cases {
		if _, err := codec.Decode(codec.Chunk{MIME: mime}); !errors.Is(err, codec.ErrMalformed) {
			t.Errorf("mime %q: got %v, want ErrMalformed", mime, err)
		}
	}
}

func TestParseMIME_IgnoresExtraParams(t *testing.T) {
	rate, err := codec.ParseMIME("audio/pcm;rate=24000;codec=pcm")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rate != 24000 {
		t.Errorf("rate: got %d, want 24000", rate)
	}
}
