package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"clinicqms/queue-service/internal/hub"
	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/queue"
	"clinicqms/queue-service/internal/stats"
	"clinicqms/queue-service/internal/store"
)

type Handler struct {
	engine *queue.Engine
	stats  stats.Provider
	hub    *hub.Hub
	log    zerolog.Logger
	limit  RateLimitConfig
}

type Options struct {
	Engine    *queue.Engine
	Stats     stats.Provider
	Hub       *hub.Hub
	Logger    zerolog.Logger
	RateLimit RateLimitConfig
}

type checkInRequest struct {
	RequestID     string `json:"request_id"`
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	ServiceID     string `json:"service_id"`
	Priority      string `json:"priority"`
	Remarks       string `json:"remarks"`
}

type scheduleRequest struct {
	RequestID     string `json:"request_id"`
	AppointmentID string `json:"appointment_id"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	ServiceID string `json:"service_id"`
	StationID string `json:"station_id"`
}

type actionRequest struct {
	RequestID string `json:"request_id"`
	Remarks   string `json:"remarks"`
}

type skipRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Temporary bool   `json:"temporary"`
}

type transferRequest struct {
	RequestID       string `json:"request_id"`
	TargetServiceID string `json:"target_service_id"`
	Remarks         string `json:"remarks"`
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		engine: opts.Engine,
		stats:  opts.Stats,
		hub:    opts.Hub,
		log:    opts.Logger.With().Str("component", "httpapi").Logger(),
		limit:  opts.RateLimit,
	}
}

// Routes builds the echo server with the middleware chain and every route.
func (h *Handler) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler

	e.Use(Recovery(h.log))
	e.Use(RequestID())
	e.Use(Logger(h.log))
	e.Use(ActorMiddleware())

	e.GET("/healthz", h.handleHealth)
	e.GET("/metrics", echo.WrapHandler(expvar.Handler()))
	e.GET("/ws/queue", h.serveFeed)

	api := e.Group("/api")
	api.Use(RateLimit(h.limit))

	api.POST("/queue/check-in", h.handleCheckIn)
	api.POST("/queue/schedule", h.handleSchedule)
	api.POST("/queue/call-next", h.handleCallNext)
	api.GET("/queue/entries/:id", h.handleGetEntry)
	api.GET("/queue/entries/:id/history", h.handleEntryHistory)
	api.POST("/queue/entries/:id/complete", h.handleComplete)
	api.POST("/queue/entries/:id/skip", h.handleSkip)
	api.POST("/queue/entries/:id/reinstate", h.handleReinstate)
	api.POST("/queue/entries/:id/transfer", h.handleTransfer)
	api.POST("/queue/entries/:id/cancel", h.handleCancel)
	api.POST("/queue/entries/:id/no-show", h.handleNoShow)
	api.POST("/appointments/:id/cancel", h.handleCancelAppointment)

	api.GET("/services/:id/queue", h.handleServiceQueue)
	api.GET("/stations/:id/queue", h.handleStationQueue)
	api.GET("/stations/:id/next", h.handlePeekNext)
	api.GET("/statistics", h.handleStatistics)
	api.GET("/events", h.handleEvents)
	return e
}

func (h *Handler) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *Handler) handleCheckIn(c echo.Context) error {
	var req checkInRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := h.engine.CheckIn(c.Request().Context(), queue.CheckInInput{
		RequestID:     req.RequestID,
		AppointmentID: req.AppointmentID,
		PatientID:     req.PatientID,
		ServiceID:     req.ServiceID,
		Priority:      models.Priority(req.Priority),
		ActorID:       actorFrom(c),
		Remarks:       req.Remarks,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) handleSchedule(c echo.Context) error {
	var req scheduleRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := h.engine.ScheduleAppointment(c.Request().Context(), queue.ScheduleInput{
		RequestID:     req.RequestID,
		AppointmentID: req.AppointmentID,
		ActorID:       actorFrom(c),
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) handleCallNext(c echo.Context) error {
	var req callNextRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := h.engine.CallNext(c.Request().Context(), queue.CallNextInput{
		RequestID: req.RequestID,
		ServiceID: req.ServiceID,
		StationID: req.StationID,
		ActorID:   actorFrom(c),
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleComplete(c echo.Context) error {
	return h.entryAction(c, h.engine.Complete)
}

func (h *Handler) handleReinstate(c echo.Context) error {
	return h.entryAction(c, h.engine.Reinstate)
}

func (h *Handler) handleNoShow(c echo.Context) error {
	return h.entryAction(c, h.engine.NoShow)
}

// entryAction runs a single-entry transition whose body is just an optional
// request id and remarks.
func (h *Handler) entryAction(c echo.Context, action func(ctx context.Context, input queue.ActionInput) (models.QueueEntry, error)) error {
	var req actionRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := action(c.Request().Context(), queue.ActionInput{
		RequestID: req.RequestID,
		EntryID:   c.Param("id"),
		ActorID:   actorFrom(c),
		Remarks:   req.Remarks,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleSkip(c echo.Context) error {
	var req skipRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := h.engine.Skip(c.Request().Context(), queue.SkipInput{
		ActionInput: queue.ActionInput{
			RequestID: req.RequestID,
			EntryID:   c.Param("id"),
			ActorID:   actorFrom(c),
			Remarks:   req.Reason,
		},
		Temporary: req.Temporary,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleTransfer(c echo.Context) error {
	var req transferRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	result, err := h.engine.Transfer(c.Request().Context(), queue.TransferInput{
		ActionInput: queue.ActionInput{
			RequestID: req.RequestID,
			EntryID:   c.Param("id"),
			ActorID:   actorFrom(c),
			Remarks:   req.Remarks,
		},
		TargetServiceID: req.TargetServiceID,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) handleCancel(c echo.Context) error {
	var req cancelRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entry, err := h.engine.Cancel(c.Request().Context(), queue.ActionInput{
		RequestID: req.RequestID,
		EntryID:   c.Param("id"),
		ActorID:   actorFrom(c),
		Remarks:   req.Reason,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleCancelAppointment(c echo.Context) error {
	var req cancelRequest
	if !decodeRequest(c, &req) {
		return nil
	}
	entries, err := h.engine.CancelByAppointment(c.Request().Context(), queue.CancelAppointmentInput{
		RequestID:     req.RequestID,
		AppointmentID: c.Param("id"),
		ActorID:       actorFrom(c),
		Reason:        req.Reason,
	})
	if err != nil {
		return h.fail(c, req.RequestID, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": entries})
}

func (h *Handler) handleGetEntry(c echo.Context) error {
	entry, err := h.engine.GetEntry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleEntryHistory(c echo.Context) error {
	rows, err := h.engine.GetEntryHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) handleServiceQueue(c echo.Context) error {
	statuses, err := parseStatuses(c.QueryParam("status"))
	if err != nil {
		return h.fail(c, "", err)
	}
	entries, err := h.engine.GetServiceQueue(c.Request().Context(), queue.ServiceQueueQuery{
		ServiceID: c.Param("id"),
		Statuses:  statuses,
		Date:      strings.TrimSpace(c.QueryParam("date")),
	})
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) handleStationQueue(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return h.fail(c, "", err)
	}
	view, err := h.engine.GetStationQueue(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) handlePeekNext(c echo.Context) error {
	entry, err := h.engine.PeekNext(c.Request().Context(), c.QueryParam("service_id"), c.Param("id"))
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) handleStatistics(c echo.Context) error {
	date, err := h.engine.ParseDate(strings.TrimSpace(c.QueryParam("date")))
	if err != nil {
		return h.fail(c, "", err)
	}
	report, err := h.stats.Statistics(c.Request().Context(), date, splitList(c.QueryParams()["service_id"]))
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) handleEvents(c echo.Context) error {
	filter := store.TransitionFilter{
		EntryID:    strings.TrimSpace(c.QueryParam("entry_id")),
		ServiceIDs: splitList(c.QueryParams()["service_id"]),
	}
	if raw := strings.TrimSpace(c.QueryParam("after")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return h.fail(c, "", store.Validation("after must be a non-negative sequence number"))
		}
		filter.AfterSeq = after
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return h.fail(c, "", err)
	}
	if limit == 0 {
		limit = 100
	}
	filter.Limit = limit
	rows, err := h.engine.ListTransitions(c.Request().Context(), filter)
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(http.StatusOK, rows)
}

// errorHandler renders echo's own errors (unknown route, wrong method,
// recovered panics) in the same shape as business errors.
func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "internal_error"
		message := http.StatusText(he.Code)
		switch he.Code {
		case http.StatusNotFound:
			code = "not_found"
		case http.StatusMethodNotAllowed:
			code = "method_not_allowed"
		case http.StatusBadRequest:
			code = "validation_error"
		}
		if msg, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			message = msg
		}
		_ = writeError(c, requestIDFrom(c), he.Code, code, message)
		return
	}
	_ = h.fail(c, "", err)
}

// fail writes the error response for an engine error. Kind decides the
// status; anything without a kind is reported as internal.
func (h *Handler) fail(c echo.Context, requestID string, err error) error {
	if requestID == "" {
		requestID = requestIDFrom(c)
	}
	status, code, message := mapError(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("request failed")
	}
	return writeError(c, requestID, status, code, message)
}

func mapError(err error) (int, string, string) {
	switch store.KindOf(err) {
	case store.KindNotFound:
		return http.StatusNotFound, "not_found", err.Error()
	case store.KindInvalidTransition:
		return http.StatusConflict, "invalid_transition", err.Error()
	case store.KindAlreadyAssigned:
		return http.StatusConflict, "already_assigned", err.Error()
	case store.KindContention:
		return http.StatusServiceUnavailable, "contention", err.Error()
	case store.KindValidation:
		return http.StatusBadRequest, "validation_error", err.Error()
	case store.KindPartialFailureDenied:
		return http.StatusConflict, "partial_failure_denied", err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "timeout", "request timed out"
	}
	return http.StatusInternalServerError, "internal_error", "internal server error"
}

// decodeRequest reads a JSON body into target and reports whether the
// handler should go on. An empty body leaves target at its zero value.
func decodeRequest(c echo.Context, target interface{}) bool {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		_ = writeError(c, requestIDFrom(c), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func writeError(c echo.Context, requestID string, status int, code, message string) error {
	return c.JSON(status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func parseStatuses(raw string) ([]models.Status, error) {
	var out []models.Status
	for _, value := range splitList([]string{raw}) {
		status, ok := models.ParseStatus(value)
		if !ok {
			return nil, store.Validation("unknown status %q", value)
		}
		out = append(out, status)
	}
	return out, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return 0, store.Validation("limit must be between 1 and 1000")
	}
	return limit, nil
}

// splitList accepts both repeated parameters and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
