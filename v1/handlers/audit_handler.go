package handlers

import (
	"net/http"

	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/gov-dx-sandbox/databridge/v1/services"
)

// AuditHandler serves the unified audit log
type AuditHandler struct {
	queries   *services.AuditQueryService
	adminRole string
}

// NewAuditHandler creates a new audit handler. Callers without adminRole only
// see entries they are a party to.
func NewAuditHandler(queries *services.AuditQueryService, adminRole string) *AuditHandler {
	return &AuditHandler{queries: queries, adminRole: adminRole}
}

// ListAudit handles GET /audit?type=&entityId=&actor=&target=&dataType=&action=&dateRange=&cursor=&limit=
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, models.ErrValidation, err.Error())
		return
	}
	from, to, err := services.ParseDateRange(q.Get("dateRange"))
	if err != nil {
		respondWithServiceError(w, r, err, "list_audit")
		return
	}

	filter := models.AuditFilter{
		Type:     models.EntityType(q.Get("type")),
		EntityID: q.Get("entityId"),
		Action:   models.AuditAction(q.Get("action")),
		Actor:    q.Get("actor"),
		Target:   q.Get("target"),
		DataType: q.Get("dataType"),
		From:     from,
		To:       to,
		Cursor:   q.Get("cursor"),
		Limit:    limit,
	}
	if caller.Role != h.adminRole {
		filter.Party = caller.ID
	}

	page, err := h.queries.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, r, err, "list_audit")
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}
