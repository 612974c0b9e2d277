package dto

// SendMessageRequest 网页端发送消息请求
type SendMessageRequest struct {
	PersonaID string `json:"persona_id" binding:"required,max=36"`
	Message   string `json:"message" binding:"required,min=1,max=2000"`
}

// SendMessageResponse 发送消息响应
type SendMessageResponse struct {
	Reply          string `json:"reply"`
	IsNGDetected   bool   `json:"is_ng_detected"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// ConversationListRequest 对话历史查询参数
type ConversationListRequest struct {
	PersonaID string `form:"persona_id" binding:"required"`
	Page      int    `form:"page,default=1"`
	PageSize  int    `form:"page_size,default=20"`
}

// ConversationItem 对话历史项
type ConversationItem struct {
	ID             int64   `json:"id"`
	Source         string  `json:"source"`
	ExternalUserID *string `json:"external_user_id,omitempty"`
	UserMessage    string  `json:"user_message"`
	AIReply        string  `json:"ai_reply"`
	IsNGDetected   bool    `json:"is_ng_detected"`
	Rating         *int    `json:"rating"`
	CreatedAt      string  `json:"created_at"`
}

// RateConversationRequest 评分请求
type RateConversationRequest struct {
	Rating int `json:"rating" binding:"required,min=1,max=5"`
}
