package ambassador

import (
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"
	ginKeyLogger     = "request_logger"
)

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func replyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// replyError aborts the request with status and message
func replyError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, httpError{Error: message})
}

// errors mapped to specific HTTP statuses, see apiErrorStatus
var (
	apiNotFoundErrors = []error{
		ErrUserNotFound,
		ErrServerNotFound,
		ErrCharacterNotFound,
		ErrWarningNotFound,
		ErrBanNotFound,
		ErrNoteNotFound,
		ErrSpeciesNotFound,
		ErrColourNotFound,
		ErrTransformationNotFound,
		ErrAutoroleNotFound,
		ErrConditionNotFound,
		ErrRoleplayNotFound,
	}
	apiConflictErrors = []error{
		ErrCharacterNameTaken,
		ErrSpeciesNameTaken,
		ErrColourNameTaken,
		ErrTransformationExists,
		ErrAutoroleExists,
		ErrRoleplayNameTaken,
		ErrAlreadyBanned,
		ErrPaused,
	}
)

// apiErrorStatus maps service errors to HTTP status codes. Errors that
// aren't public are internal errors.
func apiErrorStatus(err error) int {
	isAny := func(targets []error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
	switch {
	case isAny(apiNotFoundErrors):
		return http.StatusNotFound
	case isAny(apiConflictErrors):
		return http.StatusConflict
	}
	if _, ok := publicErrorMessage(err); ok {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// replyServiceError replies with the error's public message, or logs it
// and replies with a generic 500
func replyServiceError(c *gin.Context, err error) {
	status := apiErrorStatus(err)
	if status == http.StatusInternalServerError {
		ginContextLogger(c).ErrorContext(c, "request failed", tint.Err(err))
		replyError(c, status, "internal server error")
		return
	}
	msg, _ := publicErrorMessage(err)
	if msg == "" {
		msg = err.Error()
	}
	replyError(c, status, msg)
}

// requestIDMiddleware keeps a client-supplied X-Request-ID if it's a
// UUID, otherwise generates one. The ID is echoed in the response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it with the
// request details on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginKeyLogger); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	req := c.Request
	logger := slog.Default().With(
		slog.Group(
			"request",
			"method", req.Method,
			"path", req.URL.Path,
			"query", req.URL.RawQuery,
			"remote_ip", c.RemoteIP(),
			"user_agent", req.UserAgent(),
			"id", c.GetString(xRequestIDHeader),
		),
	)
	c.Set(ginKeyLogger, logger)
	return logger
}

// ginLoggingMiddleware logs each request once it completes. Server errors
// log at ERROR, client errors at WARN.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := ginContextLogger(c)
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError || len(c.Errors) > 0:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.Any("errors", c.Errors.Errors()))
		}
		logger.LogAttrs(c, level, "request complete", attrs...)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.requestMetricsMu.Lock()
		a.requestMetrics[c.Request.Method+" "+route]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// RequestCounts returns a copy of the per-route request counters
func (a *API) RequestCounts() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	return maps.Clone(a.requestMetrics)
}
