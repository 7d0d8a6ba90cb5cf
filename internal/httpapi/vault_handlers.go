package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"healthlock.org/internal/obs"
	"healthlock.org/internal/vault"
)

type registerOrganizationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Contact     string `json:"contact"`
}

type uploadRecordRequest struct {
	Payload     []byte `json:"payload"` // base64 on the wire
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
	Title       string `json:"title"`
}

type grantAccessRequest struct {
	OrganizationID  string `json:"organization_id"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
}

type authorizationResponse struct {
	RecordID     uint64    `json:"record_id"`
	Organization string    `json:"organization"`
	Authorized   bool      `json:"authorized"`
	At           time.Time `json:"at"`
}

func (a *API) handleOwners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerOwner(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleOwnerProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getVault(w, r)
	case http.MethodPatch:
		a.updateProfile(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerOrganization(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleOrganizationResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/organizations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	org, err := a.vault.GetOrganization(r.Context(), id)
	if err != nil {
		handleVaultError(w, r, "get_organization", err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.uploadRecord(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleRecordResource dispatches /v1/records/{id}[/deactivate|/grants[/{org}]].
func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	recordID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "record id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRecord(w, r, recordID)
	case len(parts) == 2 && parts[1] == "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivateRecord(w, r, recordID)
	case len(parts) == 2 && parts[1] == "grants":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantAccess(w, r, recordID)
	case len(parts) == 3 && parts[1] == "grants":
		switch r.Method {
		case http.MethodDelete:
			a.revokeAccess(w, r, recordID, parts[2])
		case http.MethodGet:
			a.checkAccess(w, r, recordID, parts[2])
		default:
			methodNotAllowed(w, r, http.MethodDelete, http.MethodGet)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) registerOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	v, err := a.vault.RegisterOwner(r.Context(), owner)
	if err != nil {
		handleVaultError(w, r, "register_owner", err)
		return
	}
	obs.ObserveVaultOperation("register_owner", "ok")
	a.audit(r.Context(), "vault.owner.register", "vault", v.Address, nil)

	w.Header().Set("Location", "/v1/owners/me")
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) getVault(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	v, err := a.vault.GetVault(r.Context(), owner)
	if err != nil {
		handleVaultError(w, r, "get_vault", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req vault.ProfileUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil && req.Name == nil && req.Age == nil {
		writeError(w, r, http.StatusBadRequest, "no fields to update")
		return
	}

	v, err := a.vault.UpdateProfile(r.Context(), owner, req)
	if err != nil {
		handleVaultError(w, r, "update_profile", err)
		return
	}
	obs.ObserveVaultOperation("update_profile", "ok")
	meta := map[string]string{}
	if req.Active != nil {
		meta["active"] = strconv.FormatBool(*req.Active)
	}
	a.audit(r.Context(), "vault.owner.update", "vault", v.Address, meta)

	writeJSON(w, http.StatusOK, v)
}

func (a *API) registerOrganization(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req registerOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	org, err := a.vault.RegisterOrganization(r.Context(), owner, req.Name, req.Description, req.Contact)
	if err != nil {
		handleVaultError(w, r, "register_organization", err)
		return
	}
	obs.ObserveVaultOperation("register_organization", "ok")
	a.audit(r.Context(), "vault.organization.register", "organization", org.ID, map[string]string{
		"name": org.Name,
	})

	w.Header().Set("Location", "/v1/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) uploadRecord(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req uploadRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.vault.UploadRecord(r.Context(), owner, req.Payload, vault.RecordMeta{
		MimeType:    req.MimeType,
		Description: req.Description,
		Title:       req.Title,
	})
	if err != nil {
		handleVaultError(w, r, "upload_record", err)
		return
	}
	obs.ObserveVaultOperation("upload_record", "ok")
	a.audit(r.Context(), "vault.record.upload", "record", rec.Address, map[string]string{
		"record_id": strconv.FormatUint(rec.ID, 10),
		"file_size": strconv.FormatUint(rec.FileSize, 10),
	})

	w.Header().Set("Location", "/v1/records/"+strconv.FormatUint(rec.ID, 10))
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, recordID uint64) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	rec, err := a.vault.GetRecord(r.Context(), caller, recordID)
	if err != nil {
		handleVaultError(w, r, "get_record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) grantAccess(w http.ResponseWriter, r *http.Request, recordID uint64) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req grantAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	var duration *time.Duration
	if req.DurationSeconds != nil {
		if *req.DurationSeconds <= 0 {
			writeError(w, r, http.StatusBadRequest, "duration_seconds must be > 0")
			return
		}
		d := time.Duration(*req.DurationSeconds) * time.Second
		duration = &d
	}

	perm, err := a.vault.GrantAccess(r.Context(), owner, recordID, req.OrganizationID, duration)
	if err != nil {
		handleVaultError(w, r, "grant_access", err)
		return
	}
	obs.ObserveVaultOperation("grant_access", "ok")
	meta := map[string]string{
		"record_id":    strconv.FormatUint(recordID, 10),
		"organization": req.OrganizationID,
	}
	if perm.ExpiresAt != nil {
		meta["expires_at"] = perm.ExpiresAt.Format(time.RFC3339)
	}
	a.audit(r.Context(), "vault.access.grant", "record", strconv.FormatUint(recordID, 10), meta)

	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) revokeAccess(w http.ResponseWriter, r *http.Request, recordID uint64, orgID string) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	if err := a.vault.RevokeAccess(r.Context(), owner, recordID, orgID); err != nil {
		handleVaultError(w, r, "revoke_access", err)
		return
	}
	obs.ObserveVaultOperation("revoke_access", "ok")
	a.audit(r.Context(), "vault.access.revoke", "record", strconv.FormatUint(recordID, 10), map[string]string{
		"organization": orgID,
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) checkAccess(w http.ResponseWriter, r *http.Request, recordID uint64, orgID string) {
	if _, ok := a.caller(w, r); !ok {
		return
	}
	at := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed.UTC()
	}

	ok, err := a.vault.IsAuthorized(r.Context(), recordID, orgID, at)
	if err != nil {
		handleVaultError(w, r, "is_authorized", err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationResponse{
		RecordID:     recordID,
		Organization: orgID,
		Authorized:   ok,
		At:           at,
	})
}

func (a *API) deactivateRecord(w http.ResponseWriter, r *http.Request, recordID uint64) {
	owner, ok := a.caller(w, r)
	if !ok {
		return
	}
	if err := a.vault.DeactivateRecord(r.Context(), owner, recordID); err != nil {
		handleVaultError(w, r, "deactivate_record", err)
		return
	}
	obs.ObserveVaultOperation("deactivate_record", "ok")
	a.audit(r.Context(), "vault.record.deactivate", "record", strconv.FormatUint(recordID, 10), nil)

	w.WriteHeader(http.StatusNoContent)
}
