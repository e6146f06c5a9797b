// Package audio holds the sample-level primitives of the voice bridge:
// mono float32 frames, rate conversion, and the [Timeline] that schedules
// inbound speech against a monotonic output clock.
package audio

import "time"

// Frame is a single chunk of mono audio flowing through the voice bridge.
// Frames are the unit of capture, transport and scheduling. A Frame is
// immutable once produced; ownership passes to whoever receives it.
type Frame struct {
	// Samples holds mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for session input, 24000 for playback).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame at its sample rate.
// A frame with a non-positive rate has zero duration.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz to a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d to a whole number of samples at rate Hz,
// rounding to the nearest sample so that durations produced by
// [SamplesDuration] map back to the same count.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
