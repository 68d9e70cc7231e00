package handler

import (
	"net/http"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/node"
	"fieldsync/pkg/response"
)

type HealthHandler struct {
	node *node.Context
}

func NewHealthHandler(nc *node.Context) *HealthHandler {
	return &HealthHandler{node: nc}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, &domain.HealthResponse{
		Status:  "ok",
		Service: "fieldsync",
		NodeID:  h.node.ID(),
		Time:    time.Now().UTC(),
	})
}
