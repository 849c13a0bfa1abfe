// Package inference talks to the remote fibrosis classifier.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/fibroscan/internal/diagnosis"
	"github.com/example/fibroscan/internal/logging"
)

const (
	// FieldName is the multipart field the classifier reads the image from.
	FieldName = "image"

	maxResponseBytes = 1 << 20
	filenameStem     = "imagen_analisis"
)

var (
	// ErrTransport reports that the request never produced an HTTP response.
	ErrTransport = errors.New("inference transport failure")
	// ErrMalformedResponse reports a 2xx response without a usable probability batch.
	ErrMalformedResponse = errors.New("malformed inference response")
)

// ServerError reports a non-2xx status from the classifier.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error: %d (%s)", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error: %d", e.StatusCode)
}

// Image is the payload forwarded to the classifier.
type Image struct {
	SessionID string
	MIMEType  string
	Data      []byte
}

// Outcome is a successful classification.
type Outcome struct {
	Probabilities  diagnosis.Vector
	PredictedClass *int
	ProcessingTime time.Duration
}

// ProcessingSeconds returns the client-measured round trip in seconds,
// rounded to two decimals.
func (o *Outcome) ProcessingSeconds() float64 {
	return math.Round(o.ProcessingTime.Seconds()*100) / 100
}

// Client performs one classification round trip.
type Client interface {
	Analyze(ctx context.Context, img Image) (*Outcome, error)
}

// HTTPClient posts images to a fixed endpoint as multipart form data.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewHTTPClient returns a client for endpoint. A nil httpClient gets a
// default client with the given timeout.
func NewHTTPClient(endpoint string, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger.Named("inference_client"),
		now:      time.Now,
	}
}

// predictResponse keeps every field but probabilities raw: those are
// informational and a surprising type must not sink the analysis.
type predictResponse struct {
	Probabilities  json.RawMessage `json:"probabilities"`
	PredictedClass json.RawMessage `json:"predicted_class"`
	Error          json.RawMessage `json:"error"`
}

// predictedClass returns the class hint, or nil when absent or not an integer.
func (p *predictResponse) predictedClass() *int {
	if len(p.PredictedClass) == 0 || string(p.PredictedClass) == "null" {
		return nil
	}
	var class int
	if err := json.Unmarshal(p.PredictedClass, &class); err != nil {
		return nil
	}
	return &class
}

// errorMessage returns the service's error text when it sent one as a string,
// otherwise the raw JSON.
func (p *predictResponse) errorMessage() string {
	if len(p.Error) == 0 {
		return ""
	}
	var message string
	if err := json.Unmarshal(p.Error, &message); err == nil {
		return message
	}
	return string(p.Error)
}

// Analyze uploads img and waits for its probability vector. It does not retry.
func (c *HTTPClient) Analyze(ctx context.Context, img Image) (*Outcome, error) {
	opLogger := logging.WithOperation(c.logger, "inference.analyze", img.SessionID)
	start := c.now()

	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, logging.NewOperationError("inference.encode", img.SessionID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, logging.NewOperationError("inference.build_request", img.SessionID, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("inference.analyze", img.SessionID, fmt.Errorf("%w: %v", ErrTransport, err))
		opLogger.Error("inference request failed", zap.Error(err))
		return nil, wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		opLogger.Error("failed to read inference response", zap.Error(err))
		return nil, logging.NewOperationError("inference.analyze", img.SessionID, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	var payload predictResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serverErr := &ServerError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			serverErr.Message = payload.errorMessage()
		}
		opLogger.Error("inference service returned an error status", zap.Int("status", resp.StatusCode), zap.String("message", serverErr.Message))
		return nil, logging.NewOperationError("inference.analyze", img.SessionID, serverErr)
	}

	if decodeErr != nil {
		opLogger.Error("failed to decode inference response", zap.Error(decodeErr))
		return nil, logging.NewOperationError("inference.analyze", img.SessionID, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr))
	}
	var batch []diagnosis.Vector
	if len(payload.Probabilities) > 0 {
		if err := json.Unmarshal(payload.Probabilities, &batch); err != nil {
			opLogger.Error("failed to decode probabilities", zap.Error(err))
			return nil, logging.NewOperationError("inference.analyze", img.SessionID, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}
	}
	if len(batch) == 0 || len(batch[0]) < diagnosis.StageCount {
		opLogger.Error("inference response lacks a probability vector", zap.Int("batch", len(batch)))
		return nil, logging.NewOperationError("inference.analyze", img.SessionID, fmt.Errorf("%w: probabilities must hold one vector of %d values", ErrMalformedResponse, diagnosis.StageCount))
	}

	outcome := &Outcome{
		Probabilities:  batch[0][:diagnosis.StageCount],
		PredictedClass: payload.predictedClass(),
		ProcessingTime: c.now().Sub(start),
	}
	opLogger.Info("inference completed",
		zap.Float64("processing_seconds", outcome.ProcessingSeconds()),
		zap.Int("status", resp.StatusCode),
	)
	return outcome, nil
}

func encodeImage(img Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldName, Filename(img.MIMEType)))
	if img.MIMEType != "" {
		header.Set("Content-Type", img.MIMEType)
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// Filename derives the upload filename from the MIME subtype, e.g.
// "image/jpeg" -> "imagen_analisis.jpeg". Parameters are dropped and a
// missing subtype falls back to png.
func Filename(mimeType string) string {
	subtype := ""
	if _, after, ok := strings.Cut(mimeType, "/"); ok {
		subtype, _, _ = strings.Cut(after, ";")
		subtype = strings.TrimSpace(subtype)
	}
	if subtype == "" {
		subtype = "png"
	}
	return filenameStem + "." + subtype
}
