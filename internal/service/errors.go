package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("人格不存在或未启用")
	ErrAccountNotFound        = errors.New("账号不存在")
	ErrQuotaExceeded          = errors.New("今日配额已用完")
	ErrGenerationUnavailable  = errors.New("生成服务暂时不可用")
	ErrPersistenceFailure     = errors.New("对话记录或计费写入失败")
	ErrConversationNotFound   = errors.New("对话不存在")
	ErrConversationPermission = errors.New("无权操作此对话")
	ErrInvalidRating          = errors.New("评分必须在 1 到 5 之间")
)

// QuotaDenyReasonDailyLimit 当日次数用完且没有次数券
const QuotaDenyReasonDailyLimit = "daily limit reached"

// QuotaExceededError 配额拒绝，带上限和已用次数供前端展示
type QuotaExceededError struct {
	Reason string
	Limit  int
	Used   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %s (%d/%d)", ErrQuotaExceeded.Error(), e.Reason, e.Used, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}
