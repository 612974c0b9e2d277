package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/persona_go_server/internal/pkg/jwt"
	"github.com/qs3c/persona_go_server/internal/pkg/response"
)

const AccountIDKey = "accountID"

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidAccount = errors.New("token carries no account")
)

// AccountFromToken 校验令牌并取出账号 ID，HTTP 与 WebSocket 共用
func AccountFromToken(token, secret string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}
	claims, err := jwt.ParseToken(token, secret)
	if err != nil {
		return 0, err
	}
	if claims.AccountID <= 0 {
		return 0, ErrInvalidAccount
	}
	return claims.AccountID, nil
}

// Auth 要求 Authorization: Bearer <token>，通过后把账号 ID 放进上下文
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := AccountFromToken(bearerToken(c), jwtSecret)
		if err != nil {
			response.AuthError(c, authMessage(err))
			c.Abort()
			return
		}

		c.Set(AccountIDKey, accountID)
		c.Next()
	}
}

// GetAccountID 读取 Auth 写入的账号 ID
func GetAccountID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(AccountIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "请提供认证信息"
	case errors.Is(err, jwt.ErrExpiredToken):
		return "登录已过期"
	default:
		return "认证失败"
	}
}
