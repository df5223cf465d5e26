package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/gov-dx-sandbox/databridge/v1/services"
)

// AccessTokenHeader may carry the share token instead of the request body
const AccessTokenHeader = "X-Access-Token"

// ShareHandler serves the data share endpoints
type ShareHandler struct {
	shares *services.ShareService
}

// NewShareHandler creates a new share handler
func NewShareHandler(shares *services.ShareService) *ShareHandler {
	return &ShareHandler{shares: shares}
}

// CreateShare handles POST /shares. The response is the only place the raw token appears.
func (h *ShareHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.CreateShareInput
	if !decodeJSON(w, r, &in) {
		return
	}
	resp, err := h.shares.CreateShare(r.Context(), caller, in)
	if err != nil {
		respondWithServiceError(w, r, err, "create_share")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusCreated, resp)
}

// GetShare handles GET /shares/{id}. Only the sharer and recipient may read a share.
func (h *ShareHandler) GetShare(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	resp, err := h.shares.GetShare(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, r, err, "get_share")
		return
	}
	if caller.ID != resp.Sharer && caller.ID != resp.Recipient {
		respondWithError(w, http.StatusForbidden, models.ErrForbidden, "Access denied: share belongs to other parties")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// ListShares handles GET /shares?sharer=&recipient=&status=&limit=&offset=
func (h *ShareHandler) ListShares(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, models.ErrValidation, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, models.ErrValidation, err.Error())
		return
	}

	q := r.URL.Query()
	filter := models.ShareFilter{
		Sharer:    q.Get("sharer"),
		Recipient: q.Get("recipient"),
		Status:    models.ShareStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if filter.Sharer == "" && filter.Recipient == "" {
		filter.Recipient = caller.ID
	}
	if filter.Sharer != caller.ID && filter.Recipient != caller.ID {
		respondWithError(w, http.StatusForbidden, models.ErrForbidden, "Callers may only list shares they are a party to")
		return
	}

	resp, err := h.shares.ListShares(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, r, err, "list_shares")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// AccessShare handles POST /shares/{id}/access
func (h *ShareHandler) AccessShare(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.AccessInput
	if !decodeJSON(w, r, &in) {
		return
	}
	token := strings.TrimSpace(in.Token)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(AccessTokenHeader))
	}

	resp, err := h.shares.RecordAccess(r.Context(), models.AccessRequest{
		ShareID: chi.URLParam(r, "id"),
		Token:   token,
		Caller:  caller,
		Action:  in.Action,
	})
	if err != nil {
		respondWithServiceError(w, r, err, "access_share")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// RevokeShare handles POST /shares/{id}/revoke
func (h *ShareHandler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.ReasonInput
	if !decodeJSON(w, r, &in) {
		return
	}
	share, err := h.shares.Revoke(r.Context(), chi.URLParam(r, "id"), caller, in.Reason)
	if err != nil {
		respondWithServiceError(w, r, err, "revoke_share")
		return
	}
	respondWithJSON(w, http.StatusOK, share)
}
