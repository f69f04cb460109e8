package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"salesops/api/internal/auth"
	"salesops/api/internal/board"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

var kindStatus = map[board.Kind]int{
	board.KindValidation: http.StatusUnprocessableEntity,
	board.KindNotFound:   http.StatusNotFound,
	board.KindForbidden:  http.StatusForbidden,
	board.KindConflict:   http.StatusConflict,
	board.KindTransient:  http.StatusServiceUnavailable,
}

func mapError(err error) (status int, code, message string, details any) {
	var boardErr *board.Error
	if errors.As(err, &boardErr) {
		status, ok := kindStatus[boardErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		message := boardErr.Message
		if boardErr.Kind == board.KindTransient {
			// The wrapped cause may carry driver details.
			message = "Service temporarily unavailable"
		}
		return status, string(boardErr.Kind), message, boardErr.Details
	}
	if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if text, ok := httpErr.Message.(string); ok && text != "" {
			message = text
		}
		return httpErr.Code, statusCode(httpErr.Code), message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// statusCode turns 405 into "METHOD_NOT_ALLOWED".
func statusCode(status int) string {
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func forbidden(message string, details any) error {
	return &board.Error{Kind: board.KindForbidden, Message: message, Details: details}
}

func invalid(message string, details any) error {
	return &board.Error{Kind: board.KindValidation, Message: message, Details: details}
}

// handleError is the echo error handler: every failure leaves as
// {"code", "error", "details"}.
func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code, message, details := mapError(err)
	entry := s.log.WithFields(log.Fields{
		"request_id": requestID(c),
		"code":       code,
		"status":     status,
	})
	switch {
	case status == http.StatusServiceUnavailable:
		entry.WithError(err).Warn("request failed")
	case status >= http.StatusInternalServerError:
		entry.WithError(err).Error("request failed")
	default:
		entry.Debug(message)
	}
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
	}
	if writeErr != nil {
		s.log.WithError(writeErr).Warn("write error response")
	}
}
