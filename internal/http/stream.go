package http

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/progress"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/util"
)

// progressStreamHandler serves server-sent events for one job. The first
// event is a snapshot of the persisted job, so a reconnecting client never
// waits for the next transition; the stream ends after a terminal event.
func progressStreamHandler(svc *enhance.Service, bus *progress.Broadcaster, heartbeat time.Duration, log *zap.Logger) echo.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return func(c echo.Context) error {
		userID, _, _ := middleware.UserFromCtx(c)
		jobID := c.Param("id")
		ctx := c.Request().Context()

		// subscribe before reading the job so no transition slips between them
		sub := bus.Subscribe(jobID)
		defer sub.Close()

		j, err := svc.Get(ctx, userID, jobID)
		if err != nil {
			return writeError(c, log, err)
		}

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		snapshot := model.ProgressEvent{
			ID:        util.NewEventID(),
			JobID:     j.ID,
			Status:    j.Status,
			Progress:  j.ProgressPercent,
			Stage:     j.ProgressStage,
			Timestamp: j.UpdatedAt,
			Error:     j.ErrorMessage,
		}
		if err := progress.WriteSSE(w, snapshot); err != nil {
			return nil
		}
		w.Flush()
		if j.Status.Terminal() {
			return nil
		}

		tick := time.NewTicker(heartbeat)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				if err := progress.WriteSSE(w, ev); err != nil {
					return nil
				}
				w.Flush()
				if ev.Status.Terminal() {
					return nil
				}
			case <-tick.C:
				if err := progress.WriteHeartbeat(w); err != nil {
					return nil
				}
				w.Flush()
			}
		}
	}
}
