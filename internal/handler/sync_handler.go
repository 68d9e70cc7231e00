package handler

import (
	"encoding/json"
	"net/http"

	"fieldsync/internal/domain"
	"fieldsync/internal/middleware"
	"fieldsync/internal/service"
	"fieldsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type SyncHandler struct {
	transferService *service.TransferService
	validator       *validator.Validate
}

func NewSyncHandler(transferService *service.TransferService) *SyncHandler {
	return &SyncHandler{
		transferService: transferService,
		validator:       validator.New(),
	}
}

func (h *SyncHandler) Download(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		response.BadRequest(w, "scope is required")
		return
	}

	res, err := h.transferService.DownloadScope(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, res)
}

// Upload applies a batch of records in order. If processing stops part way,
// the outcomes recorded so far stay available from BatchOutcome.
func (h *SyncHandler) Upload(w http.ResponseWriter, r *http.Request) {
	nodeID := middleware.GetNodeID(r)
	if nodeID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req domain.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	res, err := h.transferService.UploadBatch(r.Context(), nodeID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, res)
}

func (h *SyncHandler) BatchOutcome(w http.ResponseWriter, r *http.Request) {
	nodeID := middleware.GetNodeID(r)
	if nodeID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	res, err := h.transferService.BatchOutcome(r.Context(), nodeID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, res)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.transferService.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, res)
}
