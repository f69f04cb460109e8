package app

import (
	"context"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"salesops/api/internal/board"
	"salesops/api/internal/dedupe"
)

const (
	headerIdempotencyKey   = "Idempotency-Key"
	headerIdempotentReplay = "Idempotent-Replayed"
)

type moveRequest struct {
	StageID string `json:"stage_id"`
}

// moveTask applies a move at most once per Idempotency-Key. A repeated key
// gets the stored response of the first attempt; a key whose first attempt
// is still running gets a TRANSIENT error so the caller retries later.
func (s *HTTPServer) moveTask(c echo.Context) error {
	var body moveRequest
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor := actorFrom(c)
	boardID, taskID := c.Param("board"), c.Param("id")

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key == "" || s.dedupe == nil {
		task, err := s.board.MoveTask(ctx, actor, boardID, taskID, body.StageID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}

	scopedKey := boardID + ":" + taskID + ":" + key
	record, claimed, err := s.dedupe.Claim(ctx, actor.ID, scopedKey)
	if err != nil {
		return &board.Error{Kind: board.KindTransient, Message: "idempotency store unavailable", Err: err}
	}
	if !claimed {
		if record.State == dedupe.StateDone {
			c.Response().Header().Set(headerIdempotentReplay, "true")
			return c.JSONBlob(record.Status, record.Body)
		}
		return &board.Error{Kind: board.KindTransient, Message: "a move with this idempotency key is in progress"}
	}

	// Bookkeeping after the move must survive the client hanging up.
	bg := context.WithoutCancel(ctx)
	task, err := s.board.MoveTask(ctx, actor, boardID, taskID, body.StageID)
	if err != nil {
		if releaseErr := s.dedupe.Release(bg, actor.ID, scopedKey); releaseErr != nil {
			s.log.WithError(releaseErr).WithField("request_id", requestID(c)).Warn("release idempotency key")
		}
		return err
	}
	payload, err := sonic.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.dedupe.Complete(bg, actor.ID, scopedKey, http.StatusOK, payload); err != nil {
		s.log.WithError(err).WithField("request_id", requestID(c)).Warn("store idempotent response")
	}
	return c.JSONBlob(http.StatusOK, payload)
}
