package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/persona_go_server/internal/api/middleware"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/model/dto"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/response"
	"github.com/qs3c/persona_go_server/internal/service"
)

type ChatHandler struct {
	conversationService *service.ConversationService
	quotaService        *service.QuotaService
	logger              logging.Logger
}

func NewChatHandler(conversationService *service.ConversationService, quotaService *service.QuotaService, logger logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ChatHandler{
		conversationService: conversationService,
		quotaService:        quotaService,
		logger:              logger,
	}
}

// Send 网页端发送消息
// POST /api/v1/chat
func (h *ChatHandler) Send(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	result, err := h.conversationService.HandleTurn(c.Request.Context(), service.TurnRequest{
		PersonaID: req.PersonaID,
		AccountID: accountID,
		Text:      req.Message,
		Channel:   model.SourceWeb,
	})
	if err != nil {
		var quotaErr *service.QuotaExceededError
		switch {
		case errors.As(err, &quotaErr):
			response.QuotaErrorWithData(c, "今日对话次数已用完", h.quotaData(c, accountID, quotaErr))
		case errors.Is(err, service.ErrNotFound):
			response.NotFoundError(c, "人格不存在")
		case errors.Is(err, service.ErrAccountNotFound):
			response.NotFoundError(c, "账号不存在")
		case errors.Is(err, service.ErrGenerationUnavailable):
			response.ServiceUnavailable(c, "AI 服务暂时不可用，请稍后再试")
		default:
			h.logger.WithFields(logging.Fields{
				"account_id": accountID,
				"persona_id": req.PersonaID,
				"error":      err.Error(),
			}).Error("chat turn failed")
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, dto.SendMessageResponse{
		Reply:          result.Reply,
		IsNGDetected:   result.WasRefused,
		ConversationID: result.ConversationID,
	})
}

func (h *ChatHandler) quotaData(c *gin.Context, accountID int64, quotaErr *service.QuotaExceededError) *dto.QuotaExceededData {
	data := &dto.QuotaExceededData{
		Reason: quotaErr.Reason,
		Limit:  quotaErr.Limit,
		Used:   quotaErr.Used,
	}
	if info, err := h.quotaService.GetQuotaInfo(c.Request.Context(), accountID); err == nil {
		data.Upgrade = info.Upgrade
	}
	return data
}

// ListConversations 对话历史
// GET /api/v1/chat/conversations
func (h *ChatHandler) ListConversations(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.ConversationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}

	items, total, err := h.conversationService.ListConversations(c.Request.Context(), accountID, req.PersonaID, req.Page, req.PageSize)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.NotFoundError(c, "人格不存在")
			return
		}
		response.ServerError(c, "")
		return
	}

	response.SuccessPage(c, total, req.Page, req.PageSize, items)
}

// Rate 对话评分
// PUT /api/v1/chat/conversations/:id/rating
func (h *ChatHandler) Rate(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "无效的对话ID")
		return
	}

	var req dto.RateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	if err := h.conversationService.UpdateRating(c.Request.Context(), accountID, conversationID, req.Rating); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRating):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrConversationNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrConversationPermission):
			response.PermissionError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "评分成功", nil)
}
