package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"salesops/api/internal/board"
	"salesops/api/internal/realtime"
)

// streamEvents relays the board's notification channel as server-sent
// events. A "ready" event follows the subscription so clients know when to
// refetch. The stream ends when the channel drops; clients reconnect and
// refetch everything.
func (s *HTTPServer) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	boardID := c.Param("board")
	if s.channel == nil {
		return &board.Error{Kind: board.KindTransient, Message: "change stream not configured"}
	}
	if s.streams.Err() != nil {
		return &board.Error{Kind: board.KindTransient, Message: "server shutting down"}
	}
	sub, err := s.channel.Subscribe(ctx, boardID)
	if err != nil {
		return &board.Error{Kind: board.KindTransient, Message: "subscribe to board changes", Err: err}
	}
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "stream unsupported")
	}
	res.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(res, "event: ready\ndata: {\"board_id\":%q}\n\n", boardID); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.streams.Done():
			return nil
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := realtime.Encode(n)
			if err != nil {
				s.log.WithError(err).Warn("encode board change")
				continue
			}
			if _, err := fmt.Fprintf(res, "event: change\ndata: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
