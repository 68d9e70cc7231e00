package handler

import (
	"encoding/json"
	"net/http"

	"fieldsync/internal/domain"
	"fieldsync/internal/service"
	"fieldsync/pkg/response"

	"github.com/go-playground/validator/v10"
)

type AuthHandler struct {
	authService *service.AuthService
	validator   *validator.Validate
}

func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validator:   validator.New(),
	}
}

// Token exchanges a node id and secret for an access token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	tokenResp, err := h.authService.IssueToken(&req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, tokenResp)
}
