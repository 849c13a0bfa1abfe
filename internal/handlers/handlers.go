package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/fibroscan/internal/auth"
	"github.com/example/fibroscan/internal/imagestore"
	"github.com/example/fibroscan/internal/inference"
	"github.com/example/fibroscan/internal/session"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 10 << 20

// multipart framing allowance on top of the image itself
const formOverhead = 1 << 20

const controllerKey = "session_controller"

// TokenIssuer signs a token for a new session.
type TokenIssuer func(sessionID string) (string, error)

type handler struct {
	registry *session.Registry
	issue    TokenIssuer
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, registry *session.Registry, issue TokenIssuer, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{registry: registry, issue: issue, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/sessions", h.createSession)
	router.GET("/metrics/summary", authMiddleware, h.metricsSummary)

	group := router.Group("/session", authMiddleware, h.loadSession)
	group.GET("", h.view)
	group.DELETE("", h.endSession)
	group.POST("/upload", h.transition(func(c *gin.Context, ctrl *session.Controller) error {
		return ctrl.OpenUpload()
	}))
	group.POST("/landing", h.transition(func(c *gin.Context, ctrl *session.Controller) error {
		return ctrl.GoToLanding(c.Request.Context())
	}))
	group.POST("/new", h.transition(func(c *gin.Context, ctrl *session.Controller) error {
		return ctrl.NewAnalysis(c.Request.Context())
	}))
	group.POST("/error/ack", h.transition(func(c *gin.Context, ctrl *session.Controller) error {
		ctrl.AcknowledgeError()
		return nil
	}))
	group.PUT("/image", h.selectImage)
	group.GET("/image/:handle", h.image)
	group.POST("/analyze", h.analyze)
}

func (h *handler) createSession(c *gin.Context) {
	ctrl := h.registry.Create()
	token, err := h.issue(ctrl.ID())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		_ = h.registry.Remove(c.Request.Context(), ctrl.ID())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to start session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "view": ctrl.Snapshot()})
}

func (h *handler) loadSession(c *gin.Context) {
	id, ok := auth.GetSessionID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}
	ctrl, err := h.registry.Get(id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Set(controllerKey, ctrl)
	c.Next()
}

func controllerFrom(c *gin.Context) *session.Controller {
	return c.MustGet(controllerKey).(*session.Controller)
}

func (h *handler) view(c *gin.Context) {
	c.JSON(http.StatusOK, controllerFrom(c).Snapshot())
}

func (h *handler) endSession(c *gin.Context) {
	ctrl := controllerFrom(c)
	if err := h.registry.Remove(c.Request.Context(), ctrl.ID()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) transition(fn func(c *gin.Context, ctrl *session.Controller) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl := controllerFrom(c)
		if err := fn(c, ctrl); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Snapshot())
	}
}

func (h *handler) selectImage(c *gin.Context) {
	ctrl := controllerFrom(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)

	file, err := c.FormFile(inference.FieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	accepted, err := ctrl.SelectImage(c.Request.Context(), session.ImageFile{
		Filename: file.Filename,
		MIMEType: declaredType(file.Header.Get("Content-Type"), data),
		Data:     data,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "view": ctrl.Snapshot()})
}

// declaredType trusts the part's Content-Type unless the client left it
// empty or generic, in which case the bytes are sniffed.
func declaredType(header string, data []byte) string {
	header = strings.TrimSpace(header)
	if header != "" && header != "application/octet-stream" {
		return header
	}
	return mimetype.Detect(data).String()
}

func (h *handler) image(c *gin.Context) {
	ctrl := controllerFrom(c)
	blob, err := ctrl.OpenImage(c.Request.Context(), imagestore.Handle(c.Param("handle")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, blob.MIMEType, blob.Data)
}

func (h *handler) analyze(c *gin.Context) {
	ctrl := controllerFrom(c)
	// the analysis outlives this request; the session cancels it on close
	if _, err := ctrl.StartAnalysis(context.WithoutCancel(c.Request.Context())); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ctrl.Snapshot())
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.registry.MetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrAnalysisInFlight),
		errors.Is(err, session.ErrUnacknowledgedError),
		errors.Is(err, session.ErrNoImage):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrHandleNotOwned),
		errors.Is(err, session.ErrMetricsDisabled),
		errors.Is(err, imagestore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
