package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	alarmapp "ess-cloud/internal/alarms/application"
	alarms "ess-cloud/internal/alarms/domain"
	"ess-cloud/internal/audit"
	"ess-cloud/internal/auth"
	devices "ess-cloud/internal/devices/domain"
)

const timeLayout = time.RFC3339

// DeviceResolver maps serial numbers to device records.
type DeviceResolver interface {
	GetBySN(ctx context.Context, sn string) (*devices.Device, error)
}

// Handler provides the alarm HTTP endpoints under /api/v1/alarms.
type Handler struct {
	service *alarmapp.Service
	devices DeviceResolver
	auditor audit.Logger
	logger  *log.Logger
}

// HandlerOption customizes a handler.
type HandlerOption func(*Handler)

// WithAuditor enables audit logging of mutating endpoints.
func WithAuditor(auditor audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.auditor = auditor
	}
}

// NewHandler constructs a handler.
func NewHandler(service *alarmapp.Service, resolver DeviceResolver, logger *log.Logger, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	if logger == nil {
		return nil, errors.New("alarms handler: nil logger")
	}
	handler := &Handler{service: service, devices: resolver, logger: logger}
	for _, opt := range opts {
		opt(handler)
	}
	return handler, nil
}

// listEnvelope is the paged response shape shared by listings.
type listEnvelope struct {
	Items    any `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type countResponse struct {
	Total   int            `json:"total"`
	ByLevel map[string]int `json:"by_level"`
}

type confirmResponse struct {
	Confirmed int64 `json:"confirmed"`
}

// ServeHTTP routes /api/v1/alarms and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/alarms":
		h.requireMethod(w, r, http.MethodGet, h.handleListActive)
	case "/api/v1/alarms/history":
		h.requireMethod(w, r, http.MethodGet, h.handleListHistory)
	case "/api/v1/alarms/history/export.xlsx":
		h.requireMethod(w, r, http.MethodGet, h.handleExportXLSX)
	case "/api/v1/alarms/history/export.pdf":
		h.requireMethod(w, r, http.MethodGet, h.handleExportPDF)
	case "/api/v1/alarms/unhandled_count":
		h.requireMethod(w, r, http.MethodGet, h.handleUnhandledCount)
	case "/api/v1/alarms/batch_confirm":
		h.requireMethod(w, r, http.MethodPost, h.handleBatchConfirm)
	case "/api/v1/alarms/confirm":
		h.requireMethod(w, r, http.MethodPost, h.handleConfirm)
	default:
		if strings.HasPrefix(r.URL.Path, "/api/v1/alarms/") {
			h.handleAlarmAction(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	next(w, r)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActiveFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page := parsePage(r)

	items, total, err := h.service.ListActive(r.Context(), filter, page)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []alarms.ActiveAlarm{}
	}
	writeJSON(w, http.StatusOK, listEnvelope{
		Items: items, Total: total, Page: page.Number, PageSize: page.Size,
	})
}

func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page := parsePage(r)

	items, total, err := h.service.ListHistory(r.Context(), filter, page)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []alarms.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, listEnvelope{
		Items: items, Total: total, Page: page.Number, PageSize: page.Size,
	})
}

func (h *Handler) handleUnhandledCount(w http.ResponseWriter, r *http.Request) {
	total, byLevel, err := h.service.CountUnhandled(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if byLevel == nil {
		byLevel = map[string]int{}
	}
	writeJSON(w, http.StatusOK, countResponse{Total: total, ByLevel: byLevel})
}

// handleAlarmAction serves POST /api/v1/alarms/{id}/{ack|unack|clear}.
func (h *Handler) handleAlarmAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "alarm id must be numeric", http.StatusBadRequest)
		return
	}
	actor := auth.UsernameFromContext(r.Context())
	if actor == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	switch parts[1] {
	case "ack":
		alarm, err := h.service.Acknowledge(r.Context(), id, actor, time.Time{})
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.audit(r, "alarm.ack", parts[0], nil)
		writeJSON(w, http.StatusOK, alarm)
	case "unack":
		alarm, err := h.service.Unacknowledge(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.audit(r, "alarm.unack", parts[0], nil)
		writeJSON(w, http.StatusOK, alarm)
	case "clear":
		var body struct {
			Remark string `json:"remark"`
		}
		if err := decodeBody(r, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		record, err := h.service.Clear(r.Context(), id, actor, time.Time{}, body.Remark)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.audit(r, "alarm.clear", parts[0], marshalMeta(body))
		writeJSON(w, http.StatusOK, record)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleBatchConfirm confirms every unconfirmed alarm carrying a code,
// fleet-wide.
func (h *Handler) handleBatchConfirm(w http.ResponseWriter, r *http.Request) {
	actor := auth.UsernameFromContext(r.Context())
	if actor == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var body struct {
		Code *int64 `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Code == nil {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}
	count, err := h.service.ConfirmByCode(r.Context(), *body.Code, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.audit(r, "alarm.batch_confirm", strconv.FormatInt(*body.Code, 10), marshalMeta(body))
	writeJSON(w, http.StatusOK, confirmResponse{Confirmed: count})
}

// handleConfirm confirms unconfirmed alarms for one device/code pair.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	actor := auth.UsernameFromContext(r.Context())
	if actor == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var body struct {
		DeviceSN string `json:"device_sn"`
		Code     *int64 `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DeviceSN == "" || body.Code == nil {
		http.Error(w, "device_sn and code are required", http.StatusBadRequest)
		return
	}
	if h.devices == nil {
		http.Error(w, "device lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	device, err := h.devices.GetBySN(r.Context(), body.DeviceSN)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		h.respondError(w, err)
		return
	}
	count, err := h.service.ConfirmByDevice(r.Context(), device.ID, *body.Code, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.audit(r, "alarm.confirm", body.DeviceSN, marshalMeta(body))
	writeJSON(w, http.StatusOK, confirmResponse{Confirmed: count})
}

func (h *Handler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	records, err := h.collectHistory(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	data, err := BuildHistoryXLSX(records)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alarm_history.xlsx"`)
	_, _ = w.Write(data)
}

func (h *Handler) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	records, err := h.collectHistory(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	data, err := BuildHistoryPDF(records)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="alarm_history.pdf"`)
	_, _ = w.Write(data)
}

// collectHistory pages through the archive for exports. Capped so a
// wide-open filter cannot pull the whole table into memory.
func (h *Handler) collectHistory(r *http.Request) ([]alarms.HistoryRecord, error) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		return nil, badRequestError{err}
	}
	const (
		pageSize = 200
		maxRows  = 10000
	)
	var records []alarms.HistoryRecord
	for page := 1; ; page++ {
		batch, total, err := h.service.ListHistory(r.Context(), filter,
			alarms.Page{Number: page, Size: pageSize})
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(batch) == 0 || len(records) >= total || len(records) >= maxRows {
			break
		}
	}
	return records, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var badReq badRequestError
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrInvalidKey), errors.Is(err, alarms.ErrInvalidClearTime):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &badReq):
		http.Error(w, badReq.Error(), http.StatusBadRequest)
	default:
		h.logger.Printf("alarms handler error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// audit records a mutating action; failures are logged, never surfaced.
func (h *Handler) audit(r *http.Request, action, resourceID string, metadata json.RawMessage) {
	if h.auditor == nil {
		return
	}
	entry := audit.Entry{
		Actor:        auth.UsernameFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "alarm",
		ResourceID:   resourceID,
		Metadata:     metadata,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	if err := h.auditor.Log(r.Context(), entry); err != nil {
		h.logger.Printf("audit log failed action=%s: %v", action, err)
	}
}

type badRequestError struct {
	err error
}

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func parseActiveFilter(r *http.Request) (alarms.ActiveFilter, error) {
	query := r.URL.Query()
	filter := alarms.ActiveFilter{
		DeviceSN:  query.Get("device_sn"),
		AlarmType: query.Get("alarm_type"),
		Level:     query.Get("level"),
	}
	deviceID, err := parseInt64Query(r, "device_id")
	if err != nil {
		return filter, err
	}
	filter.DeviceID = deviceID
	code, err := parseInt64Query(r, "code")
	if err != nil {
		return filter, err
	}
	filter.Code = code

	switch status := query.Get("status"); status {
	case "", "active", "acknowledged":
		filter.Status = status
	default:
		return filter, errors.New("status must be active or acknowledged")
	}
	return filter, nil
}

func parseHistoryFilter(r *http.Request) (alarms.HistoryFilter, error) {
	query := r.URL.Query()
	filter := alarms.HistoryFilter{
		DeviceSN:  query.Get("device_sn"),
		AlarmType: query.Get("alarm_type"),
		Level:     query.Get("level"),
	}
	deviceID, err := parseInt64Query(r, "device_id")
	if err != nil {
		return filter, err
	}
	filter.DeviceID = deviceID
	code, err := parseInt64Query(r, "code")
	if err != nil {
		return filter, err
	}
	filter.Code = code

	from, err := parseTimeQuery(r, "from")
	if err != nil {
		return filter, err
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		return filter, err
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return filter, errors.New("to must be after from")
	}
	filter.From = from
	filter.To = to
	return filter, nil
}

func parsePage(r *http.Request) alarms.Page {
	query := r.URL.Query()
	page := alarms.Page{Number: 1, Size: 20}
	if raw := query.Get("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page.Number = parsed
		}
	}
	if raw := query.Get("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page.Size = parsed
		}
	}
	if page.Size > 200 {
		page.Size = 200
	}
	return page
}

func parseInt64Query(r *http.Request, key string) (*int64, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, errors.New(key + " must be numeric")
	}
	return &parsed, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

// decodeBody tolerates an absent body so bare POSTs still work.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.New("invalid request body")
}

func marshalMeta(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
