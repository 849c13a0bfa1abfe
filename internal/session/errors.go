package session

import (
	"errors"
	"fmt"

	"github.com/example/fibroscan/internal/inference"
)

var (
	ErrInvalidTransition   = errors.New("transition not allowed from the current page")
	ErrNoImage             = errors.New("no image selected")
	ErrAnalysisInFlight    = errors.New("an analysis is already running")
	ErrUnacknowledgedError = errors.New("the previous analysis error has not been acknowledged")
	ErrClosed              = errors.New("session closed")
	ErrHandleNotOwned      = errors.New("image handle does not belong to this session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrMetricsDisabled     = errors.New("attempt telemetry is not configured")
)

// userMessage is what the operator sees for a failed analysis.
func userMessage(err error) string {
	var serverErr *inference.ServerError
	if errors.As(err, &serverErr) {
		return fmt.Sprintf("the image could not be analyzed: server error %d", serverErr.StatusCode)
	}
	if errors.Is(err, inference.ErrMalformedResponse) {
		return "the image could not be analyzed: the inference service returned an invalid response"
	}
	return "the image could not be analyzed"
}
