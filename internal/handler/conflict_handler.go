package handler

import (
	"encoding/json"
	"net/http"

	"fieldsync/internal/domain"
	"fieldsync/internal/service"
	"fieldsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type ConflictHandler struct {
	conflictService *service.ConflictService
	validator       *validator.Validate
}

func NewConflictHandler(conflictService *service.ConflictService) *ConflictHandler {
	return &ConflictHandler{
		conflictService: conflictService,
		validator:       validator.New(),
	}
}

func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.conflictService.ListOpen(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, conflicts)
}

func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.conflictService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, conflict)
}

func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req domain.ConflictResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	conflict, err := h.conflictService.Resolve(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, conflict)
}
