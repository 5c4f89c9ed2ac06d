package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
)

// jobError maps job manager errors to HTTP errors.
func jobError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrInvalidConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func (s *Server) handleCreate(c echo.Context) error {
	var req jobs.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid job request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.jobs.Create(c.Request().Context(), req)
	if err != nil {
		return jobError(err)
	}

	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/jobs/"+id)
	return c.JSON(http.StatusAccepted, CreateJobResponse{JobID: id, Status: jobs.StatusPending})
}

// handleList lists jobs oldest first, optionally filtered by ?status=.
func (s *Server) handleList(c echo.Context) error {
	filter := jobs.Status(c.QueryParam("status"))
	if filter != "" && !filter.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(filter))
	}

	all := s.jobs.List()
	out := make([]jobs.Summary, 0, len(all))
	for _, j := range all {
		if filter == "" || j.Status == filter {
			out = append(out, j.Summary())
		}
	}
	return c.JSON(http.StatusOK, ListJobsResponse{Jobs: out, Total: len(out)})
}

func (s *Server) handleGet(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// handleAccepted returns the accepted subset of a completed job's result.
func (s *Server) handleAccepted(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	if job.Status != jobs.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, "job is "+string(job.Status))
	}

	accepted := job.Accepted()
	return c.JSON(http.StatusOK, AcceptedResponse{
		JobID:      job.ID,
		Threshold:  job.Config.AcceptanceThreshold,
		Total:      len(accepted),
		References: accepted,
	})
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		return jobError(err)
	}
	s.logger.Info(c.Request().Context(), "job cancelled via api", zap.String("job_id", id))
	return c.JSON(http.StatusOK, CancelResponse{JobID: id, Status: jobs.StatusCancelled})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.jobs.Stats())
}

// connState is implemented by *nats.Conn.
type connState interface {
	IsConnected() bool
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.version, Events: "disabled"}

	if s.events != nil {
		resp.Events = "connected"
		if cs, ok := s.events.(connState); ok && !cs.IsConnected() {
			resp.Events = "disconnected"
			resp.Status = "degraded"
		}
	}
	if s.tel != nil {
		h := s.tel.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}
