package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var v *apperr.ValidationError
	if errors.As(err, &v) {
		switch v.Reason {
		case apperr.ReasonDuplicate:
			return http.StatusConflict
		case apperr.ReasonQuotaExceeded, apperr.ReasonTooLarge:
			return http.StatusRequestEntityTooLarge
		case apperr.ReasonNoText:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	}
	switch {
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsProvider(err):
		return http.StatusBadGateway
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// errorHandler writes ErrorResponse for every error a handler returns.
// Internal errors are logged and their message is not sent to the client.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ctx := c.Request().Context()
	resp := ErrorResponse{RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}

	var status int
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		} else {
			resp.Error = http.StatusText(status)
		}
	} else {
		status = statusFor(err)
		resp.Error = err.Error()
		var v *apperr.ValidationError
		if errors.As(err, &v) {
			resp.Reason = v.Reason
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = http.StatusText(status)
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn(ctx, "writing error response failed", zap.Error(err))
	}
}
