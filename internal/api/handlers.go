/**
 * @description
 * This file contains the HTTP handlers for the group service's API endpoints.
 * Handlers parse incoming requests, call the synchronization orchestrator, and
 * translate its error taxonomy into HTTP responses. Every response carries a
 * `success` flag; errors add a short machine code and a human message.
 *
 * Amounts cross this boundary in native currency units (decimal); the
 * orchestrator holds them in gwei internally.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http, strconv, strings: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, error taxonomy.
 * - pkg/ledgerclient, pkg/objectstore: Transaction failure details and durable key names.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/squadsave/group-service/internal/app"
	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
)

// GroupHandlers holds the orchestrator and the static config handlers need.
type GroupHandlers struct {
	service  *app.Service
	adminKey string
	bucket   string
}

// NewGroupHandlers creates a new instance of GroupHandlers.
func NewGroupHandlers(service *app.Service, adminKey, bucket string) *GroupHandlers {
	return &GroupHandlers{service: service, adminKey: adminKey, bucket: bucket}
}

// objectInfo describes where a group's durable document lives.
type objectInfo struct {
	Key    string `json:"key"`
	Bucket string `json:"bucket"`
}

// ListGroupsHandler handles GET /groups, optionally filtered by member address.
func (h *GroupHandlers) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))

	groups, err := h.service.ListGroups(r.Context(), address)
	if err != nil {
		h.handleServiceError(w, "list_groups", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"groups":  groups,
	})
}

// CreateGroupHandler handles POST /groups.
func (h *GroupHandlers) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "Invalid request body")
		return
	}
	if req.Creator == "" {
		if address, ok := GetSessionAddress(r.Context()); ok {
			req.Creator = address
		}
	}

	group, txHash, err := h.service.CreateGroup(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, "create_group", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":         true,
		"objectName":      objectstore.GroupKey(group.ID),
		"transactionHash": txHash,
		"metadata":        group,
	})
}

// GetGroupHandler handles GET /groups/{id}.
func (h *GroupHandlers) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if groupID == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "Group ID is required")
		return
	}

	group, err := h.service.GetGroup(r.Context(), groupID)
	if err != nil {
		h.handleServiceError(w, "get_group", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"groupId":  group.ID,
		"metadata": group,
		"objectInfo": objectInfo{
			Key:    objectstore.GroupKey(group.ID),
			Bucket: h.bucket,
		},
	})
}

// UpdateGroupHandler handles PUT /groups/{id}/update. Only metadata fields can
// change; financial facts belong to the contribution and withdrawal flows.
func (h *GroupHandlers) UpdateGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req struct {
		Caller string `json:"caller"`
		domain.UpdateGroupRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "Invalid request body")
		return
	}
	caller := h.resolveCaller(r, req.Caller)
	if caller == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "Caller address is required")
		return
	}

	group, err := h.service.UpdateGroup(r.Context(), groupID, caller, req.UpdateGroupRequest)
	if err != nil {
		h.handleServiceError(w, "update_group", err)
		return
	}

	// Metadata updates never touch the chain, so there is no transaction to
	// report; the field stays for response-shape stability.
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"metadataHash":    group.MetadataHash,
		"transactionHash": "",
	})
}

// DeleteGroupHandler handles DELETE /groups/{id}/delete. The creator or an
// admin can remove the cache and durable record; the ledger keeps its history.
func (h *GroupHandlers) DeleteGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	caller := h.resolveCaller(r, r.URL.Query().Get("caller"))
	isAdmin := h.isAdmin(r)
	if caller == "" && !isAdmin {
		h.writeError(w, http.StatusBadRequest, "validation", "Caller address or admin key is required")
		return
	}

	if err := h.service.DeleteGroup(r.Context(), groupID, caller, isAdmin); err != nil {
		h.handleServiceError(w, "delete_group", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// JoinGroupHandler handles GET /groups/join?invite_code&address.
func (h *GroupHandlers) JoinGroupHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	inviteCode := query.Get("invite_code")
	address := h.resolveCaller(r, query.Get("address"))
	if inviteCode == "" || address == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "invite_code and address are required")
		return
	}

	subject := domain.NormalizeAddress(address) + "|" + clientIP(r)
	if limited, retryAfter := h.service.ConsumeJoinLimit(r.Context(), subject); limited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many join attempts. Please try again later.")
		return
	}

	result, txHash, err := h.service.JoinGroup(r.Context(), inviteCode, address, query.Get("nickname"), query.Get("email"))
	if err != nil {
		h.handleServiceError(w, "join_group", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"group": map[string]interface{}{
			"id":   result.Group.ID,
			"name": result.Group.Name,
		},
		"transactionHash": txHash,
	})
}

// InvitePreviewHandler handles GET /groups/invite/{code}: resolves an invite
// code to a small group summary without joining. Invite codes are guessable
// public tokens, so lookups are rate limited per client IP.
func (h *GroupHandlers) InvitePreviewHandler(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if limited, retryAfter := h.service.ConsumeInviteLookupLimit(r.Context(), clientIP(r)); limited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many invite lookups. Please try again later.")
		return
	}

	group, err := h.service.ResolveInviteCode(r.Context(), code)
	if err != nil {
		h.handleServiceError(w, "invite_preview", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"group": map[string]interface{}{
			"id":                  group.ID,
			"name":                group.Name,
			"description":         group.Description,
			"member_count":        len(group.Members),
			"contribution_amount": domain.FromGwei(group.ContributionAmount),
			"is_active":           group.IsActive,
		},
	})
}

// ContributeHandler handles POST /groups/{id}/contribute.
func (h *GroupHandlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req domain.ContributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "Invalid request body")
		return
	}
	contributor := h.resolveCaller(r, req.Contributor)
	if contributor == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "Contributor address is required")
		return
	}

	group, contribution, err := h.service.Contribute(r.Context(), groupID, contributor, req.Amount)
	if err != nil {
		h.handleServiceError(w, "contribute", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"metadataHash":    group.MetadataHash,
		"transactionHash": contribution.TransactionHash,
		"contribution":    contribution,
	})
}

// ContributionsHandler handles GET /groups/{id}/contributions.
func (h *GroupHandlers) ContributionsHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	contributions, err := h.service.Contributions(r.Context(), groupID)
	if err != nil {
		h.handleServiceError(w, "list_contributions", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"contributions": contributions,
	})
}

// VoteHandler handles POST /groups/{id}/vote.
func (h *GroupHandlers) VoteHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "Invalid request body")
		return
	}
	voter := h.resolveCaller(r, req.Address)
	if voter == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "Voter address is required")
		return
	}

	_, txHash, err := h.service.VoteForWithdrawal(r.Context(), groupID, voter)
	if err != nil {
		h.handleServiceError(w, "vote", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"transactionHash": txHash,
	})
}

// EmergencyWithdrawalHandler handles POST /groups/{id}/emergency-withdrawal.
func (h *GroupHandlers) EmergencyWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "Invalid request body")
		return
	}
	caller := h.resolveCaller(r, req.Address)
	if caller == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "Caller address is required")
		return
	}

	_, txHash, err := h.service.EmergencyWithdrawal(r.Context(), groupID, caller)
	if err != nil {
		h.handleServiceError(w, "emergency_withdrawal", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"transactionHash": txHash,
	})
}

// AdminListGroupsHandler handles GET /admin/groups?admin_key.
func (h *GroupHandlers) AdminListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Invalid admin key")
		return
	}

	groups, stats, err := h.service.AdminListGroups(r.Context())
	if err != nil {
		h.handleServiceError(w, "admin_list_groups", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"groups":  groups,
		"stats":   stats,
	})
}

// AdminReconcileHandler handles POST /admin/reconcile: an on-demand sweep in
// addition to the scheduled one.
func (h *GroupHandlers) AdminReconcileHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Invalid admin key")
		return
	}

	report := h.service.ReconcileAll(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report":  report,
	})
}

// resolveCaller prefers the session-authenticated address, falling back to
// the client-supplied one.
func (h *GroupHandlers) resolveCaller(r *http.Request, supplied string) string {
	if address, ok := GetSessionAddress(r.Context()); ok {
		return address
	}
	return strings.TrimSpace(supplied)
}

// isAdmin checks the admin credential from the query string or header.
func (h *GroupHandlers) isAdmin(r *http.Request) bool {
	if h.adminKey == "" {
		return false
	}
	supplied := r.URL.Query().Get("admin_key")
	if supplied == "" {
		supplied = r.Header.Get("X-Admin-Key")
	}
	return supplied == h.adminKey
}

// handleServiceError translates the orchestrator's error taxonomy into an
// HTTP status and a stable machine code.
func (h *GroupHandlers) handleServiceError(w http.ResponseWriter, endpoint string, err error) {
	var txErr *ledgerclient.TxError

	switch {
	case errors.As(err, &txErr):
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=transaction_failed cause=%s err=%v", endpoint, txErr.Cause, err)
		h.writeError(w, http.StatusBadGateway, "transaction_failed", "Ledger transaction failed: "+string(txErr.Cause))
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, app.ErrInviteNotFound), errors.Is(err, store.ErrGroupNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrAlreadyMember), errors.Is(err, app.ErrGroupFull), errors.Is(err, app.ErrGroupClosed):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, app.ErrNotMember):
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, store.ErrIntegrityMismatch):
		log.Printf("level=error component=api endpoint=%s outcome=reject reason=integrity_mismatch err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "integrity_failure", "Stored record failed verification")
	case errors.Is(err, store.ErrRemoteUnavailable):
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=remote_unavailable err=%v", endpoint, err)
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Storage tiers are temporarily unreachable")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=reject reason=internal err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *GroupHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *GroupHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   code,
		"message": message,
	})
}
