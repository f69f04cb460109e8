package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"salesops/api/internal/board"
	"salesops/api/internal/realtime"
)

const notificationBuffer = 16

// Subscribe opens the board's event stream and returns once the server has
// confirmed the subscription. The subscription channel closes when the
// stream ends, which a realtime.Sync treats as a dropped connection.
func (c *Client) Subscribe(ctx context.Context, boardID string) (*realtime.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, http.MethodGet, c.boardPath(boardID, "events"), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, &board.Error{Kind: board.KindTransient, Message: "open event stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp)
	}

	reader := bufio.NewReader(resp.Body)
	event, _, err := readEvent(reader)
	if err != nil || event != "ready" {
		resp.Body.Close()
		cancel()
		if err == nil {
			err = fmt.Errorf("unexpected first event %q", event)
		}
		return nil, &board.Error{Kind: board.KindTransient, Message: "event stream not ready", Err: err}
	}

	out := make(chan realtime.Notification, notificationBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			event, data, err := readEvent(reader)
			if err != nil {
				if streamCtx.Err() == nil {
					c.log.WithError(err).WithField("board_id", boardID).Debug("event stream ended")
				}
				return
			}
			if event != "change" {
				continue
			}
			n, err := realtime.Decode([]byte(data))
			if err != nil {
				c.log.WithError(err).Warn("drop malformed board change")
				continue
			}
			select {
			case out <- n:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return realtime.NewSubscription(out, cancel), nil
}

// readEvent reads one server-sent event. Comment lines are skipped and
// multi-line data is joined with newlines.
func readEvent(r *bufio.Reader) (event, data string, err error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && (event != "" || len(lines) > 0) {
				return eventName(event), strings.Join(lines, "\n"), nil
			}
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event == "" && len(lines) == 0 {
				continue
			}
			return eventName(event), strings.Join(lines, "\n"), nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func eventName(event string) string {
	if event == "" {
		return "message"
	}
	return event
}
