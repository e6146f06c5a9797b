// Package pcm converts between in-process float samples and the text-safe
// encoded frames that streaming speech sessions exchange.
//
// Binary 16-bit little-endian PCM is the canonical wire representation;
// base64 is applied only at the edge, when a frame crosses a transport that
// carries text.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"

	"github.com/MrWong99/doctorai/pkg/audio"
)

// ErrMalformedFrame is returned by [Decode] when an encoded frame cannot be
// turned back into whole 16-bit samples.
var ErrMalformedFrame = errors.New("pcm: malformed frame")

// MediaType is the MIME type of raw 16-bit little-endian PCM.
const MediaType = "audio/pcm"

// EncodedFrame is the wire form of an [audio.Frame]: base64 of the
// little-endian int16 samples plus MIME metadata ("audio/pcm;rate=16000").
type EncodedFrame struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// MIMEType returns the MIME type for PCM at rate Hz.
func MIMEType(rate int) string {
	return MediaType + ";rate=" + strconv.Itoa(rate)
}

// SampleRate parses the rate parameter out of the frame's MIME type. It
// returns 0 when the type carries no usable rate.
func (f EncodedFrame) SampleRate() int {
	_, params, err := mime.ParseMediaType(f.MIMEType)
	if err != nil {
		return 0
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0
	}
	return rate
}

// Encode quantizes frame to 16-bit PCM and base64-encodes it. Samples outside
// [-1, 1] are clamped.
func Encode(frame audio.Frame) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(Quantize(frame.Samples)),
		MIMEType: MIMEType(frame.SampleRate),
	}
}

// Decode reverses [Encode]. When the MIME type carries no rate, fallbackRate
// is used for the returned frame. It fails with [ErrMalformedFrame] if the
// payload is not valid base64 or its byte length is odd.
func Decode(f EncodedFrame, fallbackRate int) (audio.Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	samples, err := Dequantize(raw)
	if err != nil {
		return audio.Frame{}, err
	}
	rate := f.SampleRate()
	if rate == 0 {
		rate = fallbackRate
	}
	return audio.Frame{Samples: samples, SampleRate: rate}, nil
}

// Quantize converts float samples to little-endian int16 bytes, clamping to
// [-1, 1]. Positive full scale maps to 32767 and negative full scale to
// -32768.
func Quantize(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantizeSample(s)))
	}
	return out
}

// Dequantize converts little-endian int16 bytes to float samples. It fails
// with [ErrMalformedFrame] when len(raw) is odd.
func Dequantize(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedFrame, len(raw))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out, nil
}

func quantizeSample(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	s = max(-1, min(1, s))
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}
