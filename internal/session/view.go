package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/example/fibroscan/internal/diagnosis"
	"github.com/example/fibroscan/internal/imagestore"
)

// View is a point-in-time rendering of a session for the presentation layer.
type View struct {
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Progress  int         `json:"progress"`
	Analyzing bool        `json:"analyzing"`
	Error     string      `json:"error,omitempty"`
	Image     *ImageView  `json:"image,omitempty"`
	Result    *ResultView `json:"result,omitempty"`
}

// ImageView describes the selected image.
type ImageView struct {
	Handle   imagestore.Handle `json:"handle"`
	Filename string            `json:"filename"`
	MIMEType string            `json:"mime_type"`
	Bytes    int64             `json:"bytes"`
	Size     string            `json:"size"`
}

// ResultView is an analysis result with its interpretation.
type ResultView struct {
	ImageHandle    imagestore.Handle   `json:"image_handle"`
	Probabilities  diagnosis.Vector    `json:"probabilities"`
	Findings       []diagnosis.Finding `json:"findings"`
	Stage          string              `json:"stage"`
	Diagnosis      string              `json:"diagnosis"`
	ProcessingTime string              `json:"processing_time_seconds"`
	ReceivedAt     time.Time           `json:"received_at"`
	AnalyzedAt     string              `json:"analyzed_at"`
	ModelVersion   string              `json:"model_version,omitempty"`
}

// Snapshot renders the session.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		SessionID: c.id,
		State:     c.page.State().String(),
		Progress:  c.progress.Value(),
		Analyzing: c.analyzing,
	}
	if c.reported != nil {
		view.Error = userMessage(c.reported)
	}

	switch page := c.page.(type) {
	case UploadPage:
		if img := page.Image; img != nil {
			view.Image = &ImageView{
				Handle:   img.Handle,
				Filename: img.Filename,
				MIMEType: img.MIMEType,
				Bytes:    img.Size,
				Size:     humanize.Bytes(uint64(img.Size)),
			}
		}
	case ResultPage:
		view.Result = renderResult(page.analysis, c.deps.ModelVersion)
	}
	return view
}

func renderResult(a *AnalysisResult, modelVersion string) *ResultView {
	report := a.Report()
	return &ResultView{
		ImageHandle:    a.ImageHandle,
		Probabilities:  a.Probabilities,
		Findings:       report.Findings,
		Stage:          report.Stage.String(),
		Diagnosis:      report.Diagnosis,
		ProcessingTime: strconv.FormatFloat(a.ProcessingTimeSeconds, 'f', 2, 64),
		ReceivedAt:     a.ReceivedAt,
		AnalyzedAt:     displayTime(a.ReceivedAt),
		ModelVersion:   modelVersion,
	}
}

// displayTime formats t as day/month/year, hour:minute:second, the way the
// clinic's locale prints timestamps (e.g. "19/10/2026, 9:42:05").
func displayTime(t time.Time) string {
	return fmt.Sprintf("%d/%d/%d, %d:%02d:%02d", t.Day(), int(t.Month()), t.Year(), t.Hour(), t.Minute(), t.Second())
}
