package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/persona_go_server/internal/model/dto"
	"github.com/qs3c/persona_go_server/internal/pkg/llm"
	"github.com/qs3c/persona_go_server/internal/pkg/response"
)

// StatusSource 生成链路状态
type StatusSource interface {
	Status() []llm.ProviderStatus
}

type ProvidersHandler struct {
	source StatusSource
}

func NewProvidersHandler(source StatusSource) *ProvidersHandler {
	return &ProvidersHandler{source: source}
}

// List 生成服务列表及熔断状态
// GET /api/v1/providers
func (h *ProvidersHandler) List(c *gin.Context) {
	statuses := h.source.Status()
	items := make([]dto.ProviderStatusItem, 0, len(statuses))
	available := 0
	for _, s := range statuses {
		if s.Available {
			available++
		}
		items = append(items, dto.ProviderStatusItem{
			Name:         s.Name,
			Model:        s.Model,
			Available:    s.Available,
			CircuitState: s.CircuitState,
			Cost:         s.Cost,
			DailyLimit:   s.DailyLimit,
		})
	}

	response.Success(c, gin.H{
		"providers": items,
		"available": available,
	})
}
