// Package client talks to the board HTTP API. It implements the fetcher and
// subscriber a realtime.Sync needs and the mover a controller needs.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"salesops/api/internal/board"
	"salesops/api/internal/store"
)

type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds plain requests. The event stream has no timeout.
	Timeout time.Duration
	Logger  *log.Logger
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	log     *log.Entry
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Client{
		baseURL: base,
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout},
		stream:  &http.Client{},
		log:     opts.Logger.WithField("component", "client"),
	}, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details"`
}

func (c *Client) boardPath(boardID string, parts ...string) string {
	segments := append([]string{"api", "boards", boardID}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + strings.Join(segments, "/")
}

func (c *Client) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a 2xx body into out. Failures come back as
// board errors so callers can tell what is worth retrying.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &board.Error{Kind: board.KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return &board.Error{Kind: board.KindTransient, Message: "decode response", Err: err}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := sonic.Unmarshal(raw, &body); err != nil || body.Code == "" {
		kind := board.KindTransient
		if resp.StatusCode < 500 {
			kind = board.Kind(strings.ToUpper(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_")))
		}
		return &board.Error{Kind: kind, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return &board.Error{Kind: board.Kind(body.Code), Message: body.Message, Details: body.Details}
}

func (c *Client) get(ctx context.Context, target string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) ListStages(ctx context.Context, boardID string) ([]store.Stage, error) {
	var body struct {
		Stages []store.Stage `json:"stages"`
	}
	if err := c.get(ctx, c.boardPath(boardID, "stages"), &body); err != nil {
		return nil, err
	}
	return body.Stages, nil
}

func (c *Client) ListTasks(ctx context.Context, boardID string) ([]store.Task, error) {
	var body struct {
		Tasks []store.Task `json:"tasks"`
	}
	if err := c.get(ctx, c.boardPath(boardID, "tasks"), &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

func (c *Client) FetchHistory(ctx context.Context, boardID, taskID string) ([]store.HistoryEntry, error) {
	var body struct {
		Entries []store.HistoryEntry `json:"entries"`
	}
	if err := c.get(ctx, c.boardPath(boardID, "tasks", taskID, "history"), &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

func (c *Client) FetchComments(ctx context.Context, boardID, taskID string) ([]store.Comment, error) {
	var body struct {
		Comments []store.Comment `json:"comments"`
	}
	if err := c.get(ctx, c.boardPath(boardID, "tasks", taskID, "comments"), &body); err != nil {
		return nil, err
	}
	return body.Comments, nil
}

// MoveTask sends the move with idempotencyKey so that a retry after a lost
// response is answered without moving the task again.
func (c *Client) MoveTask(ctx context.Context, boardID, taskID, toStageID, idempotencyKey string) (store.Task, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.boardPath(boardID, "tasks", taskID, "move"), map[string]string{"stage_id": toStageID})
	if err != nil {
		return store.Task{}, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	var task store.Task
	if err := c.do(req, &task); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// Capabilities returns what the caller's role may do on the board.
func (c *Client) Capabilities(ctx context.Context, boardID string) (string, []string, error) {
	var body struct {
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := c.get(ctx, c.boardPath(boardID, "capabilities"), &body); err != nil {
		return "", nil, err
	}
	return body.Role, body.Capabilities, nil
}
