package session

import (
	"time"

	"github.com/example/fibroscan/internal/diagnosis"
	"github.com/example/fibroscan/internal/imagestore"
)

// State names the active page.
type State int

const (
	Landing State = iota
	Upload
	Result
)

func (s State) String() string {
	switch s {
	case Landing:
		return "landing"
	case Upload:
		return "upload"
	case Result:
		return "result"
	default:
		return "unknown"
	}
}

// Page is the active page together with the data only that page may hold.
type Page interface {
	State() State
	isPage()
}

// LandingPage carries nothing.
type LandingPage struct{}

// UploadPage optionally carries the selected image.
type UploadPage struct {
	Image *SelectedImage
}

// ResultPage always carries an analysis; build it with newResultPage.
type ResultPage struct {
	analysis *AnalysisResult
}

func newResultPage(analysis *AnalysisResult) ResultPage {
	if analysis == nil {
		panic("session: result page requires an analysis")
	}
	return ResultPage{analysis: analysis}
}

func (LandingPage) State() State { return Landing }
func (UploadPage) State() State  { return Upload }
func (ResultPage) State() State  { return Result }

func (LandingPage) isPage() {}
func (UploadPage) isPage()  {}
func (ResultPage) isPage()  {}

// Analysis returns the result shown on the page.
func (p ResultPage) Analysis() *AnalysisResult { return p.analysis }

// ImageFile is a file offered for selection.
type ImageFile struct {
	Filename string
	MIMEType string
	Data     []byte
}

// SelectedImage is the image currently staged for analysis. Its bytes live
// behind Handle in the image store.
type SelectedImage struct {
	Handle   imagestore.Handle
	Filename string
	MIMEType string
	Size     int64
}

// AnalysisResult is created once per successful request and never changed.
type AnalysisResult struct {
	ImageHandle           imagestore.Handle
	Probabilities         diagnosis.Vector
	ProcessingTimeSeconds float64
	ReceivedAt            time.Time
}

// Report interprets the stored probabilities.
func (a *AnalysisResult) Report() diagnosis.Report {
	return diagnosis.Interpret(a.Probabilities)
}
