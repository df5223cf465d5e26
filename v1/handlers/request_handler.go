package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/gov-dx-sandbox/databridge/v1/services"
)

// RequestHandler serves the consent request endpoints
type RequestHandler struct {
	requests *services.RequestService
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(requests *services.RequestService) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// CreateRequest handles POST /requests
func (h *RequestHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.CreateRequestInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.requests.CreateRequest(r.Context(), caller, in)
	if err != nil {
		respondWithServiceError(w, r, err, "create_request")
		return
	}
	respondWithJSON(w, http.StatusCreated, req)
}

// GetRequest handles GET /requests/{id}. Only the two parties may read a request.
func (h *RequestHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	resp, err := h.requests.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, r, err, "get_request")
		return
	}
	if caller.ID != resp.Requester && caller.ID != resp.Owner {
		respondWithError(w, http.StatusForbidden, models.ErrForbidden, "Access denied: request belongs to other parties")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// ListRequests handles GET /requests?status=&owner=&requester=&limit=&offset=
// The caller must be the owner or requester being filtered on; with neither set
// the caller's own outgoing requests are listed.
func (h *RequestHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
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
	filter := models.RequestFilter{
		Status:    models.RequestStatus(q.Get("status")),
		Owner:     q.Get("owner"),
		Requester: q.Get("requester"),
		Limit:     limit,
		Offset:    offset,
	}
	if filter.Owner == "" && filter.Requester == "" {
		filter.Requester = caller.ID
	}
	if filter.Owner != caller.ID && filter.Requester != caller.ID {
		respondWithError(w, http.StatusForbidden, models.ErrForbidden, "Callers may only list requests they are a party to")
		return
	}

	resp, err := h.requests.ListRequests(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, r, err, "list_requests")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// ApproveRequest handles POST /requests/{id}/approve
func (h *RequestHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.ApproveRequestInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.requests.Approve(r.Context(), chi.URLParam(r, "id"), caller, in)
	if err != nil {
		respondWithServiceError(w, r, err, "approve_request")
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

// RejectRequest handles POST /requests/{id}/reject
func (h *RequestHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.ReasonInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.requests.Reject(r.Context(), chi.URLParam(r, "id"), caller, in.Reason)
	if err != nil {
		respondWithServiceError(w, r, err, "reject_request")
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

// RevokeRequest handles POST /requests/{id}/revoke
func (h *RequestHandler) RevokeRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in models.ReasonInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.requests.Revoke(r.Context(), chi.URLParam(r, "id"), caller, in.Reason)
	if err != nil {
		respondWithServiceError(w, r, err, "revoke_request")
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}
