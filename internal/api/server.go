package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	store *ReportStore
	clock func() time.Time
}

func NewServer(store *ReportStore) *Server {
	if store == nil {
		store = NewReportStore()
	}
	return &Server{store: store, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/reports", s.handleCreateReport)
	e.GET("/v1/reports", s.handleListReports)
	e.GET("/v1/reports/:id", s.handleGetReport)
	e.DELETE("/v1/reports/:id", s.handleDeleteReport)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", handleMetrics)
}

func (s *Server) handleCreateReport(c *echo.Context) error {
	req, err := decodeJSON[Report](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	switch req.Status {
	case "succeeded", "failed":
	default:
		return writeBadRequest(c, fmt.Sprintf("status must be succeeded or failed, got %q", req.Status))
	}
	report := s.store.Create(req, s.clock())
	return c.JSON(http.StatusCreated, report)
}

func (s *Server) handleListReports(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.store.List(),
	})
}

func (s *Server) handleGetReport(c *echo.Context) error {
	id := c.Param("id")
	report, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("no report with id %q", id))
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDeleteReport(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, fmt.Sprintf("no report with id %q", id))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "conversion.report.deleted",
		"deleted": true,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": apiError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
