// Package httpapi wires the aggregator and a thin FHIR list passthrough
// onto echo routes.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/oncopipe/internal/aggregator"
	"github.com/ehr/oncopipe/internal/platform/fhirclient"
	"github.com/ehr/oncopipe/pkg/pagination"
)

// Handler exposes the system's three HTTP endpoints.
type Handler struct {
	Agg  *aggregator.Aggregator
	FHIR *fhirclient.Client
	Log  zerolog.Logger
}

func New(agg *aggregator.Aggregator, fhir *fhirclient.Client, log zerolog.Logger) *Handler {
	return &Handler{Agg: agg, FHIR: fhir, Log: log}
}

// RegisterRoutes mounts the health, patient-list, and insights endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/patients", h.ListPatients)
	e.GET("/patients/:id/insights", h.Insights)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListPatients passes a bounded FHIR Patient search straight through.
func (h *Handler) ListPatients(c echo.Context) error {
	params := pagination.FromContext(c)
	bundle, err := h.FHIR.ListPatients(c.Request().Context(), params.Limit)
	if err != nil {
		var ferr *fhirclient.FHIRError
		if errors.As(err, &ferr) && ferr.StatusCode > 0 {
			return c.JSON(ferr.StatusCode, map[string]string{"error": ferr.Error()})
		}
		h.Log.Error().Err(err).Msg("patient list failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "fhir list failed"})
	}
	return c.JSON(http.StatusOK, bundle)
}

// Insights runs the aggregator pipeline for one patient id.
func (h *Handler) Insights(c echo.Context) error {
	id := c.Param("id")
	opts := aggregator.Options{
		Strict:   queryBool(c, "strict", true),
		MaxFDA:   queryInt(c, "max_fda", 3),
		MaxLabs:  queryInt(c, "max_labs", 10),
		DemoMeds: c.QueryParam("demo_meds"),
	}

	resp, err := h.Agg.GetInsights(c.Request().Context(), id, opts)
	if err != nil {
		var reqErr *aggregator.RequestError
		if errors.As(err, &reqErr) {
			return c.JSON(reqErr.StatusCode, map[string]string{"error": reqErr.Message})
		}
		h.Log.Error().Err(err).Str("patient_id", id).Msg("insights failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "insights failed"})
	}
	return c.JSON(http.StatusOK, resp)
}

func queryBool(c echo.Context, name string, def bool) bool {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
