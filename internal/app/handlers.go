package app

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"salesops/api/internal/board"
	"salesops/api/internal/store"
)

func (s *HTTPServer) listStages(c echo.Context) error {
	stages, err := s.board.ListStages(c.Request().Context(), actorFrom(c), c.Param("board"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"stages": stages})
}

func (s *HTTPServer) createStage(c echo.Context) error {
	var input board.StageInput
	if err := decodeBody(c, &input); err != nil {
		return err
	}
	stage, err := s.board.CreateStage(c.Request().Context(), actorFrom(c), c.Param("board"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, stage)
}

func (s *HTTPServer) updateStage(c echo.Context) error {
	var patch board.StagePatch
	if err := decodeBody(c, &patch); err != nil {
		return err
	}
	stage, err := s.board.UpdateStage(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stage)
}

func (s *HTTPServer) reorderStages(c echo.Context) error {
	var body struct {
		StageIDs []string `json:"stage_ids"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	stages, err := s.board.ReorderStages(c.Request().Context(), actorFrom(c), c.Param("board"), body.StageIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"stages": stages})
}

func (s *HTTPServer) deleteStage(c echo.Context) error {
	if err := s.board.DeleteStage(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) listTasks(c echo.Context) error {
	filter := store.TaskFilter{
		BrokerID: strings.TrimSpace(c.QueryParam("broker_id")),
		StageID:  strings.TrimSpace(c.QueryParam("stage_id")),
	}
	tasks, err := s.board.ListTasks(c.Request().Context(), actorFrom(c), c.Param("board"), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) getTask(c echo.Context) error {
	task, err := s.board.GetTask(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) createTask(c echo.Context) error {
	var input board.TaskInput
	if err := decodeBody(c, &input); err != nil {
		return err
	}
	task, err := s.board.CreateTask(c.Request().Context(), actorFrom(c), c.Param("board"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *HTTPServer) updateTask(c echo.Context) error {
	var patch board.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return err
	}
	task, err := s.board.UpdateTask(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) deleteTask(c echo.Context) error {
	if err := s.board.DeleteTask(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) taskHistory(c echo.Context) error {
	ctx := c.Request().Context()
	entries, err := board.CollectHistory(s.board.FetchHistory(ctx, actorFrom(c), c.Param("board"), c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) taskComments(c echo.Context) error {
	ctx := c.Request().Context()
	comments, err := board.CollectComments(s.board.FetchComments(ctx, actorFrom(c), c.Param("board"), c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) addComment(c echo.Context) error {
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	comment, err := s.board.AddComment(c.Request().Context(), actorFrom(c), c.Param("board"), c.Param("id"), body.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, comment)
}
