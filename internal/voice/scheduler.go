package voice

import (
	"sync"
	"time"

	"github.com/MrWong99/doctorai/pkg/audio"
)

// Output is the speaker side of a session: a monotonic audio clock plus the
// ability to start a buffer at a given clock time. [audio.Timeline] is the
// implementation used by every device in this module.
type Output interface {
	// Now returns the current audio clock position.
	Now() time.Duration

	// Play schedules frame at clock time at. onEnded runs once when the
	// buffer finishes naturally, never when it is stopped.
	Play(frame audio.Frame, at time.Duration, onEnded func()) *audio.Voice
}

var _ Output = (*audio.Timeline)(nil)

// PlaybackSource is one inbound buffer scheduled on the output timeline.
type PlaybackSource struct {
	voice    *audio.Voice
	start    time.Duration
	duration time.Duration
}

// Start returns the scheduled start time on the output clock.
func (p *PlaybackSource) Start() time.Duration { return p.start }

// End returns the scheduled end time on the output clock.
func (p *PlaybackSource) End() time.Duration { return p.start + p.duration }

// Done is closed once the source has finished playing or was stopped.
func (p *PlaybackSource) Done() <-chan struct{} { return p.voice.Done() }

// Scheduler plays inbound audio back-to-back in arrival order against the
// output clock and can silence everything at once on barge-in.
//
// The live set is only ever touched by Scheduler's own methods: Enqueue,
// Interrupt and the completion callback. All methods are safe for concurrent
// use.
type Scheduler struct {
	out Output

	mu       sync.Mutex
	nextFree time.Duration
	live     map[*PlaybackSource]struct{}
}

// NewScheduler creates a Scheduler that plays through out.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:  out,
		live: make(map[*PlaybackSource]struct{}),
	}
}

// Enqueue schedules frame to start at max(nextFree, now) and advances
// nextFree to the end of the buffer as placed on the output. Frames enqueued
// in arrival order never overlap: a fast producer queues up behind nextFree,
// a slow one leaves silence.
//
// Start and end come from the output's own sample grid, not from the frame's
// rate, so resampled chunks stay sample-adjacent.
func (s *Scheduler) Enqueue(frame audio.Frame) *PlaybackSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := &PlaybackSource{}
	s.live[src] = struct{}{}
	// The timeline never invokes onEnded while its own lock is held, and
	// Render runs on the device goroutine, so retire cannot deadlock here.
	src.voice = s.out.Play(frame, max(s.nextFree, s.out.Now()), func() { s.retire(src) })
	src.start = src.voice.Start()
	src.duration = src.voice.End() - src.start
	s.nextFree = src.voice.End()
	return src
}

// Interrupt stops every live source, empties the live set and resets
// nextFree to the current clock time. It returns the number of sources
// stopped. With nothing live it changes nothing.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	if n == 0 {
		return 0
	}
	for src := range s.live {
		src.voice.Stop()
	}
	clear(s.live)
	s.nextFree = s.out.Now()
	return n
}

// Live returns the number of sources scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextFree returns the clock time at which the next enqueued frame would
// start if the clock were still behind it.
func (s *Scheduler) NextFree() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}

func (s *Scheduler) retire(src *PlaybackSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, src)
}
