package httpserver

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/history"
	"github.com/chadiek/voicecall/internal/llm"
	"github.com/chadiek/voicecall/internal/rtc"
	"github.com/chadiek/voicecall/internal/storage"
)

const maxRecordingBytes = 50 << 20

var callIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CallStore is the read side of the call history.
type CallStore interface {
	RecentCalls(limit int) ([]history.Call, error)
	GetCall(id string) (history.Call, error)
	GetTurns(callID string) ([]history.Turn, error)
}

// Deps are the collaborators behind the routes. Nil members disable their routes'
// backends: the handlers answer 503 instead.
type Deps struct {
	Calls      http.Handler
	LLM        llm.Client
	Recordings storage.Uploader
	History    CallStore
	Logger     *zap.Logger
	Now        func() time.Time
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo

	password string
	deps     Deps
	log      *zap.Logger
}

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

type chatResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{password: cfg.AuthPassword, deps: deps, log: deps.Logger.Named("http")}
	e := newRouter(s.log)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("/api", s.requireAuth)
	api.POST("/chat", s.chat)
	api.POST("/recordings", s.uploadRecording)
	api.GET("/calls", s.listCalls)
	api.GET("/calls/:id", s.getCall)

	// The call handler authenticates itself so it can accept an auth frame.
	e.GET("/call", func(c echo.Context) error {
		if s.deps.Calls == nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "calls unavailable"})
		}
		s.deps.Calls.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.Router = e
	return s
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !rtc.AuthOK(c.Request(), s.password) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "messages required"})
	}
	if s.deps.LLM == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "llm not configured"})
	}
	content, err := s.deps.LLM.Complete(c.Request().Context(), req.Messages)
	if errors.Is(err, llm.ErrNoUserMessage) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err != nil {
		s.log.Warn("chat completion failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "llm request failed"})
	}
	return c.JSON(http.StatusOK, chatResponse{Content: content})
}

func (s *Server) uploadRecording(c echo.Context) error {
	if s.deps.Recordings == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: storage.ErrNotConfigured.Error()})
	}
	callID := c.QueryParam("call")
	if _, err := uuid.Parse(callID); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid call id"})
	}
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxRecordingBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "recording too large"})
	}
	if len(data) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "empty recording"})
	}
	contentType := strings.TrimSpace(c.Request().Header.Get(echo.HeaderContentType))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := storage.RecordingKey(callID, contentType, s.deps.Now())
	if err := s.deps.Recordings.Upload(key, contentType, data); err != nil {
		s.log.Error("recording upload failed", zap.String("key", key), zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "upload failed"})
	}
	s.log.Info("recording stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) listCalls(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "history disabled"})
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		}
		limit = n
	}
	calls, err := s.deps.History.RecentCalls(limit)
	if err != nil {
		s.log.Error("list calls failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "list calls failed"})
	}
	return c.JSON(http.StatusOK, calls)
}

func (s *Server) getCall(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "history disabled"})
	}
	id := c.Param("id")
	if !callIDPattern.MatchString(id) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid call id"})
	}
	call, err := s.deps.History.GetCall(id)
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "call not found"})
	}
	if err != nil {
		s.log.Error("get call failed", zap.String("call_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "get call failed"})
	}
	turns, err := s.deps.History.GetTurns(id)
	if err != nil {
		s.log.Error("get turns failed", zap.String("call_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "get call failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"call":  call,
		"turns": turns,
	})
}
