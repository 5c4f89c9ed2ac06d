package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
)

// handleEvents streams the lifecycle events of one job as Server-Sent
// Events until a final event is sent or the client disconnects.
//
//	GET /api/v1/jobs/{id}/events
//
//	event: progress
//	data: {"event":"progress","job":{"job_id":"...","progress":45,...},"timestamp":"..."}
//
//	event: completed
//	data: {"event":"completed","job":{"job_id":"...","total":12,"accepted":9,...},"timestamp":"..."}
//
// A job that is already terminal gets a single final event.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.jobs.Get(id); err != nil {
		return jobError(err)
	}
	if s.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream is not configured")
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := s.events.ChanSubscribe(jobs.SubjectFor(id), msgs)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable").SetInternal(err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no") // disable proxy buffering
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// The snapshot is taken after subscribing so a job finishing in between
	// is still reported.
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil
	}
	if ev, ok := jobs.FinalEvent(job.Status); ok {
		return s.writeSnapshot(c, ev, job)
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case msg := <-msgs:
			ev, ok := jobs.EventFromSubject(msg.Subject)
			if !ok {
				continue
			}
			if err := writeEvent(res, string(ev), msg.Data); err != nil {
				return nil
			}
			if ev.IsFinal() {
				return nil
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()

		case <-ctx.Done():
			s.logger.Debug(ctx, "event stream closed by client", zap.String("job_id", id))
			return nil
		}
	}
}

func (s *Server) writeSnapshot(c echo.Context, ev jobs.Event, job jobs.Job) error {
	data, err := json.Marshal(jobs.Message{Event: ev, Job: job.Summary(), Timestamp: time.Now()})
	if err != nil {
		return err
	}
	_ = writeEvent(c.Response(), string(ev), data)
	return nil
}

func writeEvent(res *echo.Response, event string, data []byte) error {
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
