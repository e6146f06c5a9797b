package lab

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/resilience"
)

var (
	// ErrBusy is returned when the maximum number of video jobs is running.
	ErrBusy = errors.New("lab: too many video jobs in flight")

	// ErrJobNotReady is returned when content is requested for an unfinished
	// video job.
	ErrJobNotReady = errors.New("lab: video job not finished")
)

// VideoAspectRatios lists the accepted video aspect ratios.
var VideoAspectRatios = []string{"16:9", "9:16"}

// JobStatus is the lifecycle state of a video job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a snapshot of a video job.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	MIMEType  string    `json:"mimeType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Expired is set when the job failed because the key lost access.
	Expired bool `json:"expired,omitempty"`
}

// VideoRequest starts a video job. Image is optional.
type VideoRequest struct {
	Prompt      string
	AspectRatio string
	Image       *Image
}

// AnimatorConfig holds the construction-time video settings.
type AnimatorConfig struct {
	// APIKey is appended to download URIs.
	APIKey string

	// MaxJobs bounds concurrently polling jobs. Default: 4.
	MaxJobs int

	// JobTTL is how long finished jobs stay retrievable. Default: 1h.
	JobTTL time.Duration

	// HTTPClient downloads finished videos. Default: [http.DefaultClient].
	HTTPClient *http.Client
}

type videoJob struct {
	Job
	video *genai.Video
}

// Animator is the video generation lab. Jobs run in the background and are
// polled until the hosted operation completes.
type Animator struct {
	models  Models
	ops     Operations
	cfg     AnimatorConfig
	opts    options
	breaker *resilience.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu   sync.Mutex
	jobs map[string]*videoJob
}

// NewAnimator creates an Animator. Call [Animator.Close] to stop polling.
func NewAnimator(models Models, ops Operations, cfg AnimatorConfig, opts ...Option) *Animator {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 4
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	a := &Animator{
		models:  models,
		ops:     ops,
		cfg:     cfg,
		opts:    o,
		breaker: o.newBreaker("video"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*videoJob),
	}
	a.group.SetLimit(cfg.MaxJobs)
	return a
}

// Submit starts the hosted operation and returns the new job. Polling
// continues in the background.
func (a *Animator) Submit(ctx context.Context, req VideoRequest) (Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		recordLab(ctx, a.opts.metrics, "video", time.Now(), ErrEmptyPrompt)
		return Job{}, ErrEmptyPrompt
	}
	aspect := cmp.Or(req.AspectRatio, VideoAspectRatios[0])
	if !slices.Contains(VideoAspectRatios, aspect) {
		err := fmt.Errorf("%w: video aspect ratio %q, want one of %v", ErrInvalidRequest, aspect, VideoAspectRatios)
		recordLab(ctx, a.opts.metrics, "video", time.Now(), err)
		return Job{}, err
	}

	started := make(chan *genai.GenerateVideosOperation, 1)
	j := &videoJob{}
	if !a.group.TryGo(func() error {
		op, ok := <-started
		if ok {
			a.poll(j, op)
		}
		return nil
	}) {
		return Job{}, ErrBusy
	}

	s := a.opts.current()
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     s.VideoResolution,
		AspectRatio:    aspect,
	}
	var image *genai.Image
	if req.Image != nil && len(req.Image.Data) > 0 {
		image = &genai.Image{ImageBytes: req.Image.Data, MIMEType: cmp.Or(req.Image.MIMEType, "image/png")}
	}

	var op *genai.GenerateVideosOperation
	err := guard(a.breaker, func() error {
		return callProvider(ctx, a.opts.metrics, "genai", "video", s.VideoModel, func(ctx context.Context) error {
			var err error
			op, err = a.models.GenerateVideos(ctx, s.VideoModel, prompt, image, cfg)
			return err
		})
	})
	if err == nil && op == nil {
		err = errors.New("no operation returned")
	}
	if err != nil {
		close(started)
		err = fmt.Errorf("lab: video: %w", classify(err))
		recordLab(ctx, a.opts.metrics, "video", time.Now(), err)
		observeLog(ctx, a.opts).Warn("lab: video submit failed", "err", err)
		return Job{}, err
	}

	now := time.Now()
	a.mu.Lock()
	a.pruneLocked(now)
	j.Job = Job{ID: uuid.NewString(), Status: JobRunning, CreatedAt: now, UpdatedAt: now}
	a.jobs[j.ID] = j
	snap := j.Job
	a.mu.Unlock()

	started <- op
	a.opts.log.Info("lab: video job started", "job", snap.ID, "operation", op.Name)
	return snap, nil
}

// poll waits for op to complete and records the outcome on j.
func (a *Animator) poll(j *videoJob, op *genai.GenerateVideosOperation) {
	ctx := a.ctx
	interval := a.opts.current().PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for !op.Done {
		select {
		case <-ctx.Done():
			a.finish(j, nil, ctx.Err())
			return
		case <-timer.C:
		}

		next, err := a.getOperation(ctx, op)
		if err != nil {
			a.finish(j, nil, err)
			return
		}
		op = next
		timer.Reset(interval)
	}

	if msg := operationError(op); msg != "" {
		a.finish(j, nil, errors.New(msg))
		return
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0] == nil || op.Response.GeneratedVideos[0].Video == nil {
		a.finish(j, nil, errors.New("operation finished without a video"))
		return
	}
	a.finish(j, op.Response.GeneratedVideos[0].Video, nil)
}

func (a *Animator) getOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	var next *genai.GenerateVideosOperation
	err := callProvider(ctx, a.opts.metrics, "genai", "video_poll", "", func(ctx context.Context) error {
		var err error
		next, err = a.ops.GetVideosOperation(ctx, op, nil)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	if next == nil {
		return nil, errors.New("empty operation")
	}
	return next, nil
}

func (a *Animator) finish(j *videoJob, video *genai.Video, err error) {
	a.mu.Lock()
	j.UpdatedAt = time.Now()
	if err != nil {
		j.Status = JobFailed
		j.Error = err.Error()
		j.Expired = errors.Is(err, ErrKeyInvalid)
	} else {
		j.Status = JobDone
		j.video = video
		j.MIMEType = cmp.Or(video.MIMEType, "video/mp4")
	}
	snap := j.Job
	a.mu.Unlock()

	recordLab(context.Background(), a.opts.metrics, "video", snap.CreatedAt, err)
	if err != nil {
		a.opts.log.Warn("lab: video job failed", "job", snap.ID, "err", err)
		return
	}
	a.opts.log.Info("lab: video job done", "job", snap.ID, "elapsed", snap.UpdatedAt.Sub(snap.CreatedAt))
}

// operationError extracts the message of a failed operation.
func operationError(op *genai.GenerateVideosOperation) string {
	if len(op.Error) == 0 {
		return ""
	}
	if msg, ok := op.Error["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprint(op.Error)
}

// Get returns a snapshot of the job with the given ID.
func (a *Animator) Get(id string) (Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(time.Now())
	j, ok := a.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.Job, nil
}

// Open returns the finished video content and its MIME type. The caller
// closes the reader.
func (a *Animator) Open(ctx context.Context, id string) (io.ReadCloser, string, error) {
	a.mu.Lock()
	j, ok := a.jobs[id]
	var (
		status JobStatus
		video  *genai.Video
		mime   string
	)
	if ok {
		status, video, mime = j.Status, j.video, j.MIMEType
	}
	a.mu.Unlock()

	switch {
	case !ok:
		return nil, "", ErrJobNotFound
	case status != JobDone:
		return nil, "", ErrJobNotReady
	case len(video.VideoBytes) > 0:
		return io.NopCloser(bytes.NewReader(video.VideoBytes)), mime, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withKey(video.URI, a.cfg.APIKey), nil)
	if err != nil {
		return nil, "", fmt.Errorf("lab: video download: %w", err)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("lab: video download: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, "", fmt.Errorf("lab: video download: status %d: %w", resp.StatusCode, ErrKeyInvalid)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, "", fmt.Errorf("lab: video download: status %d", resp.StatusCode)
	}
	return resp.Body, cmp.Or(resp.Header.Get("Content-Type"), mime), nil
}

// withKey appends the API key as the key query parameter.
func withKey(uri, key string) string {
	if key == "" {
		return uri
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "key=" + url.QueryEscape(key)
}

func (a *Animator) pruneLocked(now time.Time) {
	for id, j := range a.jobs {
		if j.Status != JobRunning && now.Sub(j.UpdatedAt) > a.cfg.JobTTL {
			delete(a.jobs, id)
		}
	}
}

// Close stops all polling and waits for the pollers to exit. Running jobs
// are marked failed.
func (a *Animator) Close() error {
	a.cancel()
	return a.group.Wait()
}
