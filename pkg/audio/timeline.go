package audio

import (
	"slices"
	"sync"
	"time"
)

// Timeline is a software output device: a monotonic audio clock plus the set
// of buffers scheduled against it. Nothing plays until a device pulls audio
// with [Timeline.Render]; each render mixes whatever overlaps the rendered
// window and advances the clock by exactly the number of samples rendered.
//
// The clock therefore only moves when audio is actually consumed, the same
// way a sound card's hardware position does.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered so far
	voices []*Voice
}

// Voice is one buffer scheduled on a [Timeline]. It ends naturally once the
// clock passes its last sample, or early via [Voice.Stop].
type Voice struct {
	t       *Timeline
	start   int64
	samples []float32
	onEnded func()

	done     chan struct{}
	doneOnce sync.Once
}

// NewTimeline creates a Timeline clocked at rate Hz.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// SampleRate returns the rate the timeline renders at.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the current position of the audio clock.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SamplesDuration(int(t.pos), t.rate)
}

// Active returns the number of voices that have not yet ended.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Play schedules frame to begin at clock time at. Frames at a different
// sample rate are resampled to the timeline rate. A start time already in the
// past is moved to the current clock position; audio is never played
// retroactively.
//
// onEnded, if non-nil, is called once from the rendering goroutine after the
// voice finishes naturally. It is not called when the voice is stopped.
func (t *Timeline) Play(frame Frame, at time.Duration, onEnded func()) *Voice {
	samples := frame.Samples
	if frame.SampleRate != t.rate {
		samples = Resample(samples, frame.SampleRate, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := DurationSamples(at, t.rate)
	if start < t.pos {
		start = t.pos
	}
	v := &Voice{
		t:       t,
		start:   start,
		samples: samples,
		onEnded: onEnded,
		done:    make(chan struct{}),
	}
	t.voices = append(t.voices, v)
	return v
}

// Render mixes all voices overlapping the next len(out) samples into out,
// advances the clock, and retires voices that have finished. It reports
// whether any voice contributed audio to out.
func (t *Timeline) Render(out []float32) bool {
	clear(out)
	n := int64(len(out))

	var ended []*Voice
	audible := false

	t.mu.Lock()
	winStart, winEnd := t.pos, t.pos+n
	kept := t.voices[:0]
	for _, v := range t.voices {
		vEnd := v.start + int64(len(v.samples))
		from := max(v.start, winStart)
		to := min(vEnd, winEnd)
		for i := from; i < to; i++ {
			out[i-winStart] += v.samples[i-v.start]
			audible = true
		}
		if vEnd <= winEnd {
			ended = append(ended, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = winEnd
	t.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}

	for _, v := range ended {
		v.finish()
		if v.onEnded != nil {
			v.onEnded()
		}
	}
	return audible
}

// Stop silences the voice immediately. It is safe to call more than once and
// after the voice has already ended.
func (v *Voice) Stop() {
	v.t.mu.Lock()
	v.t.voices = slices.DeleteFunc(v.t.voices, func(o *Voice) bool { return o == v })
	v.t.mu.Unlock()
	v.finish()
}

// Done returns a channel that is closed once the voice has ended or been
// stopped.
func (v *Voice) Done() <-chan struct{} { return v.done }

// Start returns the clock time at which the voice begins.
func (v *Voice) Start() time.Duration {
	return SamplesDuration(int(v.start), v.t.rate)
}

// End returns the clock time at which the voice finishes if not stopped.
func (v *Voice) End() time.Duration {
	return SamplesDuration(int(v.start)+len(v.samples), v.t.rate)
}

func (v *Voice) finish() {
	v.doneOnce.Do(func() { close(v.done) })
}
