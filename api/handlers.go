package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskshare/domain"
)

const (
	maxBodySize      = 16 << 10
	defaultKeepAlive = 25 * time.Second
)

var errUnauthenticated = errors.New("authentication required")

// Options tunes the HTTP surface.
type Options struct {
	// BaseURL prefixes share links, e.g. https://tasks.example.com.
	BaseURL string
	// KeepAlive is the interval between SSE comment frames. Zero uses the default.
	KeepAlive time.Duration
	// Deduper makes task creation idempotent per Idempotency-Key. Optional.
	Deduper Deduper
}

type handlers struct {
	tasks    TaskService
	comments CommentService
	sessions SessionAccessor
	opts     Options
	logger   *log.Logger
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, tasks TaskService, comments CommentService, sessions SessionAccessor, opts Options, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	h := &handlers{tasks: tasks, comments: comments, sessions: sessions, opts: opts, logger: logger}

	e.POST("/api/tasks", h.createTask)
	e.GET("/api/tasks", h.listTasks)
	e.GET("/api/tasks/stream", h.streamTasks)
	e.DELETE("/api/tasks/:id", h.deleteTask)
	e.GET("/api/tasks/:id/comments", h.listComments)
	e.POST("/api/tasks/:id/comments", h.createComment)
	e.GET("/task/:id", h.publicTask)
	e.GET("/healthz", healthz)
}

type errorResponse struct {
	Error string `json:"error"`
}

type createTaskRequest struct {
	Text     string `json:"text"`
	IsPublic bool   `json:"isPublic"`
}

type createCommentRequest struct {
	Text string `json:"text"`
}

type idResponse struct {
	ID string `json:"id"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type commentsResponse struct {
	Comments []domain.Comment `json:"comments"`
}

type publicTaskResponse struct {
	Task        domain.Task      `json:"task"`
	CreatedDate string           `json:"createdDate"`
	ShareURL    string           `json:"shareUrl"`
	Comments    []domain.Comment `json:"comments"`
	CanComment  bool             `json:"canComment"`
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// begin starts request metrics and swaps the request context for the span's.
func (h *handlers) begin(c echo.Context, route string) *requestMetrics {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.logger, route)
	c.SetRequest(c.Request().WithContext(ctx))
	return metrics
}

// authenticate returns the caller's session or errUnauthenticated.
func (h *handlers) authenticate(c echo.Context, metrics *requestMetrics) (*Session, error) {
	start := time.Now()
	s, err := h.sessions.Session(c.Request())
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errUnauthenticated
	}
	metrics.SetAuthenticated(true)
	return s, nil
}

// optionalSession treats a bad token like an anonymous visit.
func (h *handlers) optionalSession(c echo.Context, metrics *requestMetrics) *Session {
	s, err := h.authenticate(c, metrics)
	if err != nil {
		if !errors.Is(err, errUnauthenticated) {
			h.logger.WithError(err).Debug("ignoring invalid token on public route")
		}
		return nil
	}
	return s
}

func (h *handlers) unauthorized(c echo.Context, metrics *requestMetrics, err error) error {
	metrics.SetErrorStage("auth")
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
}

// fail maps repository errors to responses.
func (h *handlers) fail(c echo.Context, metrics *requestMetrics, stage string, err error) error {
	metrics.SetErrorStage(stage)
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: ve.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.WithError(err).WithField("route", metrics.route).Error("document store unavailable")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable"})
	default:
		h.logger.WithError(err).WithField("route", metrics.route).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *handlers) shareURL(taskID string) string {
	return h.opts.BaseURL + "/task/" + taskID
}

func (h *handlers) createTask(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s, authErr := h.authenticate(c, metrics)
	if authErr != nil {
		return h.unauthorized(c, metrics, authErr)
	}
	var req createTaskRequest
	if decErr := decodeBody(c, &req); decErr != nil {
		metrics.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}

	ctx := c.Request().Context()
	key := strings.TrimSpace(c.Request().Header.Get(IdempotencyHeader))
	if h.opts.Deduper == nil {
		key = ""
	}
	if key != "" {
		existing, claimed, claimErr := h.opts.Deduper.Claim(ctx, s.Email, key)
		switch {
		case claimErr != nil:
			h.logger.WithError(claimErr).Warn("idempotency check failed; creating without it")
			key = ""
		case !claimed && existing != "":
			return c.JSON(http.StatusOK, idResponse{ID: existing})
		case !claimed:
			metrics.SetErrorStage("idempotency")
			return c.JSON(http.StatusConflict, errorResponse{Error: "a request with this idempotency key is in progress"})
		}
	}

	start := time.Now()
	id, createErr := h.tasks.CreateTask(ctx, s.Email, req.Text, req.IsPublic)
	metrics.ObserveStore(time.Since(start))
	if createErr != nil {
		if key != "" {
			if relErr := h.opts.Deduper.Release(ctx, s.Email, key); relErr != nil {
				h.logger.WithError(relErr).Warn("failed to release idempotency key")
			}
		}
		return h.fail(c, metrics, "create", createErr)
	}
	if key != "" {
		if doneErr := h.opts.Deduper.Complete(ctx, s.Email, key, id); doneErr != nil {
			h.logger.WithError(doneErr).Warn("failed to record idempotency key")
		}
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (h *handlers) listTasks(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s, authErr := h.authenticate(c, metrics)
	if authErr != nil {
		return h.unauthorized(c, metrics, authErr)
	}
	start := time.Now()
	tasks, listErr := h.tasks.ListOwnedTasks(c.Request().Context(), s.Email)
	metrics.ObserveStore(time.Since(start))
	if listErr != nil {
		return h.fail(c, metrics, "list", listErr)
	}
	metrics.SetItems(len(tasks))

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

// deleteTask only removes tasks owned by the caller. Other owners' tasks look
// missing, and deleting a missing task succeeds.
func (h *handlers) deleteTask(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks/:id")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s, authErr := h.authenticate(c, metrics)
	if authErr != nil {
		return h.unauthorized(c, metrics, authErr)
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	start := time.Now()
	defer func() { metrics.ObserveStore(time.Since(start)) }()
	if _, ownErr := h.tasks.OwnedTask(ctx, id, s.Email); ownErr != nil {
		if errors.Is(ownErr, domain.ErrNotFound) {
			return c.NoContent(http.StatusNoContent)
		}
		return h.fail(c, metrics, "lookup", ownErr)
	}
	if delErr := h.tasks.DeleteTask(ctx, id); delErr != nil {
		return h.fail(c, metrics, "delete", delErr)
	}
	return c.NoContent(http.StatusNoContent)
}

// publicTask serves the shared view of a task. Unknown and private tasks
// redirect home.
func (h *handlers) publicTask(c echo.Context) (err error) {
	metrics := h.begin(c, "/task/:id")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s := h.optionalSession(c, metrics)
	ctx := c.Request().Context()
	id := c.Param("id")

	start := time.Now()
	pt, getErr := h.tasks.GetPublicTask(ctx, id)
	if getErr != nil {
		metrics.ObserveStore(time.Since(start))
		if errors.Is(getErr, domain.ErrNotFound) {
			metrics.SetErrorStage("not_found")
			return c.Redirect(http.StatusFound, "/")
		}
		return h.fail(c, metrics, "lookup", getErr)
	}
	comments, listErr := h.comments.ListComments(ctx, id)
	metrics.ObserveStore(time.Since(start))
	if listErr != nil {
		return h.fail(c, metrics, "comments", listErr)
	}
	metrics.SetItems(len(comments))

	return c.JSON(http.StatusOK, publicTaskResponse{
		Task:        pt.Task,
		CreatedDate: pt.CreatedDate,
		ShareURL:    h.shareURL(pt.ID),
		Comments:    comments,
		CanComment:  s != nil && s.Name != "",
	})
}

func (h *handlers) listComments(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks/:id/comments")
	defer func() { metrics.Log(c.Response().Status, err) }()

	ctx := c.Request().Context()
	id := c.Param("id")
	start := time.Now()
	defer func() { metrics.ObserveStore(time.Since(start)) }()
	if _, getErr := h.tasks.GetPublicTask(ctx, id); getErr != nil {
		return h.fail(c, metrics, "lookup", getErr)
	}
	comments, listErr := h.comments.ListComments(ctx, id)
	if listErr != nil {
		return h.fail(c, metrics, "list", listErr)
	}
	metrics.SetItems(len(comments))
	return c.JSON(http.StatusOK, commentsResponse{Comments: comments})
}

func (h *handlers) createComment(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks/:id/comments")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s, authErr := h.authenticate(c, metrics)
	if authErr != nil {
		return h.unauthorized(c, metrics, authErr)
	}
	var req createCommentRequest
	if decErr := decodeBody(c, &req); decErr != nil {
		metrics.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}

	start := time.Now()
	id, createErr := h.comments.CreateComment(c.Request().Context(), c.Param("id"), s.Email, s.Name, req.Text)
	metrics.ObserveStore(time.Since(start))
	if createErr != nil {
		return h.fail(c, metrics, "create", createErr)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}
