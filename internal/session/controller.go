// Package session holds the per-operator page state machine: landing,
// upload, and result, plus the analysis round trip between them.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/fibroscan/internal/imagestore"
	"github.com/example/fibroscan/internal/inference"
	"github.com/example/fibroscan/internal/logging"
	"github.com/example/fibroscan/internal/progress"
	"github.com/example/fibroscan/internal/repository"
)

// DefaultDisplayDelay is how long 100% stays visible before the result page.
const DefaultDisplayDelay = 500 * time.Millisecond

// HandleStore is the subset of the image store a controller needs.
type HandleStore interface {
	Acquire(ctx context.Context, sessionID string, blob imagestore.Blob) (imagestore.Handle, error)
	Open(ctx context.Context, sessionID string, handle imagestore.Handle) (imagestore.Blob, error)
	Release(ctx context.Context, sessionID string, handle imagestore.Handle) error
}

// AttemptRecorder stores telemetry about inference requests.
type AttemptRecorder interface {
	SaveAttempt(ctx context.Context, log *repository.AttemptLog) error
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// Dependencies are shared by every controller of a registry.
type Dependencies struct {
	Store        HandleStore
	Client       inference.Client
	Simulator    *progress.Simulator
	Recorder     AttemptRecorder
	Logger       *zap.Logger
	DisplayDelay time.Duration
	ModelVersion string
}

// Controller owns one session's page, selected image, and progress value.
type Controller struct {
	id     string
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	page       Page
	progress   progress.Tracker
	analyzing  bool
	reported   error
	closed     bool
	cancelRun  context.CancelFunc
	lastActive time.Time
}

// NewController starts a session on the landing page.
func NewController(id string, deps Dependencies) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Simulator == nil {
		deps.Simulator = progress.NewSimulator()
	}
	c := &Controller{
		id:     id,
		deps:   deps,
		logger: logging.WithOperation(logger.Named("session_controller"), "session", id),
		now:    time.Now,
		page:   LandingPage{},
	}
	c.lastActive = c.now()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Page returns the active page.
func (c *Controller) Page() Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Progress returns the current progress value.
func (c *Controller) Progress() int {
	return c.progress.Value()
}

// Err returns the reported, not yet acknowledged, analysis error.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reported
}

// OpenUpload moves from the landing page to the upload page.
func (c *Controller) OpenUpload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	if _, ok := c.page.(LandingPage); !ok {
		return ErrInvalidTransition
	}
	c.page = UploadPage{}
	c.progress.Reset()
	return nil
}

// GoToLanding leaves the upload or result page, dropping the selected image
// and any result.
func (c *Controller) GoToLanding(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	if c.page.State() == Landing {
		return ErrInvalidTransition
	}
	c.releaseLocked(ctx)
	c.page = LandingPage{}
	c.reported = nil
	c.progress.Reset()
	return nil
}

// NewAnalysis goes from the result page back to an empty upload page.
func (c *Controller) NewAnalysis(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return err
	}
	if _, ok := c.page.(ResultPage); !ok {
		return ErrInvalidTransition
	}
	c.releaseLocked(ctx)
	c.page = UploadPage{}
	c.progress.Reset()
	return nil
}

// SelectImage stages file for analysis. Files whose MIME type is not an
// image are ignored and reported as not accepted, leaving the page as it was.
// A new image releases the previous one's display handle first.
func (c *Controller) SelectImage(ctx context.Context, file ImageFile) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return false, err
	}
	if _, ok := c.page.(UploadPage); !ok {
		return false, ErrInvalidTransition
	}
	if !strings.HasPrefix(file.MIMEType, "image/") {
		c.logger.Debug("ignoring non-image file", zap.String("mime_type", file.MIMEType))
		return false, nil
	}

	c.releaseLocked(ctx)
	c.page = UploadPage{}

	handle, err := c.deps.Store.Acquire(ctx, c.id, imagestore.Blob{MIMEType: file.MIMEType, Data: file.Data})
	if err != nil {
		c.logger.Error("failed to store selected image", zap.Error(err))
		return false, err
	}
	c.page = UploadPage{Image: &SelectedImage{
		Handle:   handle,
		Filename: file.Filename,
		MIMEType: file.MIMEType,
		Size:     int64(len(file.Data)),
	}}
	return true, nil
}

// OpenImage returns the bytes behind the session's live display handle.
func (c *Controller) OpenImage(ctx context.Context, handle imagestore.Handle) (imagestore.Blob, error) {
	c.mu.Lock()
	live := c.liveHandleLocked()
	c.touchLocked()
	c.mu.Unlock()
	if live == "" || live != handle {
		return imagestore.Blob{}, ErrHandleNotOwned
	}
	return c.deps.Store.Open(ctx, c.id, handle)
}

// AcknowledgeError clears the reported analysis error so a new attempt can
// start.
func (c *Controller) AcknowledgeError() {
	c.mu.Lock()
	c.reported = nil
	c.touchLocked()
	c.mu.Unlock()
}

// Close ends the session: any running analysis is cancelled and the display
// handle is released.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.releaseLocked(ctx)
	c.page = LandingPage{}
}

type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	image  SelectedImage
	blob   imagestore.Blob
}

// Analyze runs one analysis and blocks until the session has either moved to
// the result page or recorded the failure.
func (c *Controller) Analyze(ctx context.Context) error {
	att, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return c.run(att)
}

// StartAnalysis checks that an analysis may start and then runs it in the
// background. The returned channel yields the outcome once.
func (c *Controller) StartAnalysis(ctx context.Context) (<-chan error, error) {
	att, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- c.run(att)
		close(done)
	}()
	return done, nil
}

func (c *Controller) begin(ctx context.Context) (*attempt, error) {
	image, err := c.reserve()
	if err != nil {
		return nil, err
	}

	// the attempt is reserved, so the page cannot change while the blob loads
	blob, err := c.deps.Store.Open(ctx, c.id, image.Handle)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.finishLocked()
		c.logger.Error("selected image is no longer available", zap.Error(err))
		return nil, err
	}
	if c.closed {
		c.finishLocked()
		return nil, ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	return &attempt{ctx: runCtx, cancel: cancel, image: image, blob: blob}, nil
}

// reserve checks that an analysis may start and marks one as in flight.
func (c *Controller) reserve() (SelectedImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdle(); err != nil {
		return SelectedImage{}, err
	}
	page, ok := c.page.(UploadPage)
	if !ok {
		return SelectedImage{}, ErrInvalidTransition
	}
	if page.Image == nil {
		return SelectedImage{}, ErrNoImage
	}
	if c.reported != nil {
		return SelectedImage{}, ErrUnacknowledgedError
	}
	c.analyzing = true
	c.progress.Reset()
	return *page.Image, nil
}

func (c *Controller) run(att *attempt) error {
	defer att.cancel()

	sim := c.deps.Simulator.Start(&c.progress)
	start := c.now()
	outcome, err := c.deps.Client.Analyze(att.ctx, inference.Image{
		SessionID: c.id,
		MIMEType:  att.blob.MIMEType,
		Data:      att.blob.Data,
	})
	sim.Stop()
	c.record(att.ctx, c.now().Sub(start), err)

	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.finishLocked()
		c.progress.Reset()
		if c.closed {
			return ErrClosed
		}
		c.reported = err
		c.logger.Warn("analysis failed", zap.Error(err))
		return err
	}

	c.progress.Advance(95)
	result := &AnalysisResult{
		ImageHandle:           att.image.Handle,
		Probabilities:         outcome.Probabilities,
		ProcessingTimeSeconds: outcome.ProcessingSeconds(),
		ReceivedAt:            c.now(),
	}
	c.progress.Advance(progress.Max)

	if c.deps.DisplayDelay > 0 {
		select {
		case <-att.ctx.Done():
		case <-time.After(c.deps.DisplayDelay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked()
	if c.closed {
		return ErrClosed
	}
	c.page = newResultPage(result)
	c.logger.Info("analysis completed",
		zap.String("diagnosis", result.Report().Diagnosis),
		zap.Float64("processing_seconds", result.ProcessingTimeSeconds),
	)
	return nil
}

func (c *Controller) finishLocked() {
	c.analyzing = false
	c.cancelRun = nil
	c.touchLocked()
}

func (c *Controller) record(ctx context.Context, latency time.Duration, err error) {
	if c.deps.Recorder == nil {
		return
	}
	log := &repository.AttemptLog{
		SessionID: c.id,
		Outcome:   repository.OutcomeSuccess,
		LatencyMs: float64(latency) / float64(time.Millisecond),
		CreatedAt: c.now().UTC(),
	}
	var serverErr *inference.ServerError
	switch {
	case err == nil:
	case errors.As(err, &serverErr):
		log.Outcome = repository.OutcomeServer
		log.StatusCode = serverErr.StatusCode
	case errors.Is(err, inference.ErrMalformedResponse):
		log.Outcome = repository.OutcomeMalformed
	default:
		log.Outcome = repository.OutcomeTransport
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if saveErr := c.deps.Recorder.SaveAttempt(recordCtx, log); saveErr != nil {
		c.logger.Warn("failed to record analysis attempt", zap.Error(saveErr))
	}
}

func (c *Controller) checkIdle() error {
	if c.closed {
		return ErrClosed
	}
	if c.analyzing {
		return ErrAnalysisInFlight
	}
	c.touchLocked()
	return nil
}

func (c *Controller) touchLocked() {
	c.lastActive = c.now()
}

func (c *Controller) liveHandleLocked() imagestore.Handle {
	switch page := c.page.(type) {
	case UploadPage:
		if page.Image != nil {
			return page.Image.Handle
		}
	case ResultPage:
		return page.analysis.ImageHandle
	}
	return ""
}

func (c *Controller) releaseLocked(ctx context.Context) {
	handle := c.liveHandleLocked()
	if handle == "" {
		return
	}
	if err := c.deps.Store.Release(ctx, c.id, handle); err != nil {
		// the handle still expires on its own
		c.logger.Warn("failed to release display handle", zap.Error(err), zap.String("handle", string(handle)))
	}
}

func (c *Controller) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive, c.analyzing
}
