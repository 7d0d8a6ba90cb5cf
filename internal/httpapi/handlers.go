package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"healthlock.org/internal/audit"
	"healthlock.org/internal/obs"
	"healthlock.org/internal/stream"
	"healthlock.org/internal/vault"
)

// ReadyProbe checks external dependencies (e.g. pings the database).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the vault service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	vault      vault.Service
	stream     *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires all routes. svc must not be nil; st may be nil when the
// event stream endpoint is not needed.
func New(rp ReadyProbe, version string, svc vault.Service, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		vault:      svc,
		stream:     st,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/v1/owners", a.handleOwners)
	a.mux.HandleFunc("/v1/owners/me", a.handleOwnerProfile)
	a.mux.HandleFunc("/v1/organizations", a.handleOrganizations)
	a.mux.HandleFunc("/v1/organizations/", a.handleOrganizationResource)
	a.mux.HandleFunc("/v1/records", a.handleRecords)
	a.mux.HandleFunc("/v1/records/", a.handleRecordResource)
	a.mux.HandleFunc("/v1/events", a.handleEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = Logging(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "healthlock-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "healthlock-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.stream != nil {
		info["event_subscribers"] = a.stream.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleVaultError maps engine sentinels onto HTTP statuses and
// counts the outcome. Every distinguishable failure keeps its own
// message so tooling can tell the classes apart.
func handleVaultError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	obs.ObserveVaultOperation(operation, errorClass(err))
	switch {
	case errors.Is(err, vault.ErrPayloadTooLarge),
		errors.Is(err, vault.ErrMimeTypeTooLong),
		errors.Is(err, vault.ErrDescriptionTooLong),
		errors.Is(err, vault.ErrTitleTooLong),
		errors.Is(err, vault.ErrNameTooLong),
		errors.Is(err, vault.ErrContactTooLong),
		errors.Is(err, vault.ErrInvalidDuration):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrRecordNotFound),
		errors.Is(err, vault.ErrAccessNotFound),
		errors.Is(err, vault.ErrInvalidOrganization):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, vault.ErrVaultExists),
		errors.Is(err, vault.ErrOrganizationExists),
		errors.Is(err, vault.ErrAccessAlreadyGranted),
		errors.Is(err, vault.ErrVaultInactive),
		errors.Is(err, vault.ErrRecordInactive),
		errors.Is(err, vault.ErrRecordAlreadyInactive),
		errors.Is(err, vault.ErrOrganizationInactive),
		errors.Is(err, vault.ErrMaxAccessReached),
		errors.Is(err, vault.ErrMaxRecordsReached):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, vault.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, vault.ErrVaultInactive),
		errors.Is(err, vault.ErrRecordInactive),
		errors.Is(err, vault.ErrRecordAlreadyInactive),
		errors.Is(err, vault.ErrOrganizationInactive):
		return "state"
	case errors.Is(err, vault.ErrMaxAccessReached),
		errors.Is(err, vault.ErrMaxRecordsReached):
		return "capacity"
	case errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrRecordNotFound),
		errors.Is(err, vault.ErrAccessNotFound),
		errors.Is(err, vault.ErrInvalidOrganization):
		return "not_found"
	case errors.Is(err, vault.ErrVaultExists),
		errors.Is(err, vault.ErrOrganizationExists),
		errors.Is(err, vault.ErrAccessAlreadyGranted):
		return "conflict"
	case errors.Is(err, vault.ErrPayloadTooLarge),
		errors.Is(err, vault.ErrMimeTypeTooLong),
		errors.Is(err, vault.ErrDescriptionTooLong),
		errors.Is(err, vault.ErrTitleTooLong),
		errors.Is(err, vault.ErrNameTooLong),
		errors.Is(err, vault.ErrContactTooLong),
		errors.Is(err, vault.ErrInvalidDuration):
		return "validation"
	default:
		return "internal"
	}
}
