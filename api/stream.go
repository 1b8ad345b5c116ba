package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskshare/domain"
)

var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")
)

// streamTasks pushes the caller's full task list as server-sent events, once
// on connect and again after every change. EventSource clients may pass the
// token as a query parameter.
func (h *handlers) streamTasks(c echo.Context) (err error) {
	metrics := h.begin(c, "/api/tasks/stream")
	defer func() { metrics.Log(c.Response().Status, err) }()

	s, authErr := h.authenticate(c, metrics)
	if authErr != nil {
		return h.unauthorized(c, metrics, authErr)
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		metrics.SetErrorStage("flush")
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	ctx := c.Request().Context()
	start := time.Now()
	sub, subErr := h.tasks.SubscribeOwnedTasks(ctx, s.Email)
	metrics.ObserveStore(time.Since(start))
	if subErr != nil {
		return h.fail(c, metrics, "subscribe", subErr)
	}
	defer sub.Close()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	pushed := 0
	defer func() { metrics.SetItems(pushed) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tasks, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := writeSnapshot(c.Response(), tasks); err != nil {
				metrics.SetErrorStage("write")
				h.logger.WithError(err).WithField("owner", s.Email).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
			pushed++
		case <-keepAlive.C:
			if _, err := c.Response().Write(sseKeepAlive); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSnapshot(w http.ResponseWriter, tasks []domain.Task) error {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(sseDataPrefix)+len(data)+len(sseFrameEnd))
	frame = append(frame, sseDataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, sseFrameEnd...)
	_, err = w.Write(frame)
	return err
}
