package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"minefleet/internal/auth"
	"minefleet/internal/data"
	"minefleet/internal/dispatch"
	"minefleet/internal/storage"
	"minefleet/internal/websocket"
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Gateways are not browsers; the site key authenticates them.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const defaultMetricsWindow = 24 * time.Hour

// StatusView is the read side of the status aggregator.
type StatusView interface {
	SiteStatus(siteID string) (data.SiteState, error)
	LastReading(siteID string, deviceID int) (data.Reading, bool)
}

type Commander interface {
	Dispatch(ctx context.Context, siteID string, req dispatch.Request) (data.CommandLog, error)
}

// ThresholdCache is refreshed after a device's thresholds are saved.
type ThresholdCache interface {
	Update(ctx context.Context, siteID string, deviceID int, t data.Thresholds)
}

// SiteHandlers builds the message handler of a newly connected site.
type SiteHandlers interface {
	ForSite(siteID string) data.Handler
}

// Options wires the hub's collaborators into the HTTP surface.
type Options struct {
	Auth       *auth.AuthManager
	Hub        *websocket.Hub
	Status     StatusView
	Commands   Commander
	Store      storage.Store
	Thresholds ThresholdCache
	Sites      SiteHandlers
	RatePerKWh float64
	Logger     *slog.Logger
}

type APIHandler struct {
	auth       *auth.AuthManager
	hub        *websocket.Hub
	status     StatusView
	commands   Commander
	store      storage.Store
	thresholds ThresholdCache
	sites      SiteHandlers
	rate       float64
	logger     *slog.Logger
	now        func() time.Time
}

func NewAPIHandler(opts Options) *APIHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		auth:       opts.Auth,
		hub:        opts.Hub,
		status:     opts.Status,
		commands:   opts.Commands,
		store:      opts.Store,
		thresholds: opts.Thresholds,
		sites:      opts.Sites,
		rate:       opts.RatePerKWh,
		logger:     logger.With(slog.String("component", "api")),
		now:        time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrSiteNotConnected):
		return http.StatusConflict
	case errors.Is(err, data.ErrDeviceNotFound),
		errors.Is(err, data.ErrSiteNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, data.ErrUnsupportedOperation),
		errors.Is(err, data.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrTransportFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connectedSites": h.hub.Connected()})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// Login exchanges operator credentials for a JWT.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: role})
}

// HandleSiteSocket upgrades an authenticated gateway connection and serves
// it until it closes.
func (h *APIHandler) HandleSiteSocket(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("site_id", siteID), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("site websocket established", slog.String("site_id", siteID), slog.String("remote", conn.RemoteAddr().String()))
	websocket.NewClient(siteID, h.hub, conn, h.sites.ForSite(siteID), h.logger).Serve()
}

func (h *APIHandler) SiteStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.SiteStatus(chi.URLParam(r, "siteID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *APIHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := h.commands.Dispatch(r.Context(), chi.URLParam(r, "siteID"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (h *APIHandler) CommandLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.store.CommandLogs(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *APIHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	alerts, err := h.store.Alerts(r.Context(), chi.URLParam(r, "siteID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// window parses the from/to query parameters. Missing bounds default to
// the last 24 hours.
func (h *APIHandler) window(r *http.Request) (time.Time, time.Time, error) {
	to := h.now().UTC()
	from := to.Add(-defaultMetricsWindow)
	q := r.URL.Query()
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("to must be RFC3339")
		}
		to = t
		if q.Get("from") == "" {
			from = to.Add(-defaultMetricsWindow)
		}
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("from must be RFC3339")
		}
		from = t
	}
	if from.After(to) {
		return from, to, errors.New("from must not be after to")
	}
	return from, to, nil
}

func deviceParam(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
	return id, err == nil && id > 0
}

type metricsResponse struct {
	Current    *data.Reading  `json:"current"`
	Historical []data.Reading `json:"historical"`
}

// DeviceMetrics returns the last reading of a device and its history over
// the requested window.
func (h *APIHandler) DeviceMetrics(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	deviceID, ok := deviceParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	from, to, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.status.SiteStatus(siteID); err != nil {
		h.fail(w, r, err)
		return
	}

	resp := metricsResponse{Historical: []data.Reading{}}
	if last, ok := h.status.LastReading(siteID, deviceID); ok {
		resp.Current = &last
	}
	history, err := h.store.Readings(r.Context(), siteID, deviceID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if history != nil {
		resp.Historical = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// Billing sums the energy consumed by every energy meter of the site over
// the window and prices it at the configured rate.
func (h *APIHandler) Billing(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	from, to, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := h.store.SiteReadings(r.Context(), siteID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	energy := consumedEnergy(readings)
	rec := data.BillingRecord{
		SiteID:    siteID,
		From:      from,
		To:        to,
		EnergyKWh: energy,
		Rate:      h.rate,
		Amount:    math.Round(energy*h.rate*100) / 100,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.SaveBilling(r.Context(), rec); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// consumedEnergy is the sum over devices of the spread of their cumulative
// energy counter.
func consumedEnergy(readings []data.Reading) float64 {
	type span struct{ min, max float64 }
	spans := make(map[int]*span)
	for _, r := range readings {
		if r.Data.EnergyReading == nil {
			continue
		}
		v := *r.Data.EnergyReading
		s, ok := spans[r.DeviceID]
		if !ok {
			spans[r.DeviceID] = &span{v, v}
			continue
		}
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	var total float64
	for _, s := range spans {
		total += s.max - s.min
	}
	return total
}

// PutThresholds stores a device's alert limits and refreshes the caches.
func (h *APIHandler) PutThresholds(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	deviceID, ok := deviceParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	var t data.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t.MaxTemperature <= 0 || t.MinHashRate < 0 || t.MaxPower <= 0 {
		writeError(w, http.StatusBadRequest, "thresholds out of range")
		return
	}
	if err := h.store.SaveDeviceThresholds(r.Context(), siteID, deviceID, t); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.thresholds != nil {
		h.thresholds.Update(r.Context(), siteID, deviceID, t)
	}
	writeJSON(w, http.StatusOK, t)
}
