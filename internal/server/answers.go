package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/storage"
)

// AnswerHandler serves the question answering and scoring endpoints.
type AnswerHandler struct {
	Graph   *core.Graph
	Scorer  *nss.Engine
	Store   storage.AnswerLogStore
	Scoring bool
	Logger  *log.Logger
}

// Register mounts the handler's routes on the given group.
func (h *AnswerHandler) Register(g *echo.Group) {
	g.POST("/answer", h.answer)
	g.POST("/score", h.score)
	g.GET("/answers", h.list)
	g.GET("/answers/:id", h.get)
	g.GET("/answers/:id/score", h.getScore)
}

type answerRequest struct {
	Question string              `json:"question"`
	Mode     string              `json:"mode,omitempty"`
	Options  core.RequestOptions `json:"options,omitempty"`
}

type answerResponse struct {
	Answer core.FinalAnswer `json:"answer"`
	Score  *nss.Score       `json:"score,omitempty"`
}

func (h *AnswerHandler) answer(c echo.Context) error {
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	question := core.Question{
		Text:    req.Question,
		Mode:    core.Mode(req.Mode),
		Options: req.Options,
	}
	ctx := c.Request().Context()

	answer, err := h.Graph.Answer(ctx, question)
	if err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}

	resp := answerResponse{Answer: answer}
	if h.Scoring && question.Options.Score {
		score, err := h.Scorer.Score(ctx, answer)
		if err != nil {
			// scoring is best-effort; the answer is already complete
			h.Logger.Printf("scoring answer %s failed: %v", answer.ID, err)
		} else {
			resp.Score = &score
		}
	}

	if h.Store != nil {
		if err := h.Store.SaveAnswer(ctx, answer); err != nil {
			h.Logger.Printf("persisting answer %s failed: %v", answer.ID, err)
		} else if resp.Score != nil {
			if err := h.Store.SaveScore(ctx, *resp.Score); err != nil {
				h.Logger.Printf("persisting score for %s failed: %v", answer.ID, err)
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

type scoreRequest struct {
	AnswerID string `json:"answer_id"`
}

func (h *AnswerHandler) score(c echo.Context) error {
	var req scoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AnswerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "answer_id is required")
	}
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "answer log not configured")
	}

	ctx := c.Request().Context()
	answer, err := h.Store.GetAnswer(ctx, req.AnswerID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "answer not found")
	}
	if err != nil {
		return err
	}

	score, err := h.Scorer.Score(ctx, answer)
	if err != nil {
		return echo.NewHTTPError(httpStatusFor(err), err.Error())
	}
	if err := h.Store.SaveScore(ctx, score); err != nil {
		h.Logger.Printf("persisting score for %s failed: %v", answer.ID, err)
	}
	return c.JSON(http.StatusOK, score)
}

func (h *AnswerHandler) list(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "answer log not configured")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-200")
		}
		limit = n
	}
	answers, err := h.Store.ListAnswers(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"answers": answers})
}

func (h *AnswerHandler) get(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "answer log not configured")
	}
	answer, err := h.Store.GetAnswer(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "answer not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, answer)
}

func (h *AnswerHandler) getScore(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "answer log not configured")
	}
	score, err := h.Store.GetScore(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "score not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}
