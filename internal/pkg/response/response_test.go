package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// perform 用 handler 处理一次请求并解析响应体
func perform(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	router := gin.New()
	router.GET("/test", handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestSuccess(t *testing.T) {
	w, resp := perform(t, func(c *gin.Context) {
		Success(c, gin.H{"reply": "こんにちは"})
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Equal(t, "success", resp.Message)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "こんにちは", data["reply"])
}

func TestSuccess_NilData(t *testing.T) {
	_, resp := perform(t, func(c *gin.Context) {
		Success(c, nil)
	})

	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Nil(t, resp.Data)
}

func TestSuccessWithMessage(t *testing.T) {
	_, resp := perform(t, func(c *gin.Context) {
		SuccessWithMessage(c, "评分成功", nil)
	})

	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Equal(t, "评分成功", resp.Message)
}

func TestSuccessPage(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		items     []string
		wantItems int
	}{
		{"with items", 42, []string{"c1", "c2", "c3"}, 3},
		{"empty page", 0, []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := perform(t, func(c *gin.Context) {
				SuccessPage(c, tt.total, 2, 20, tt.items)
			})

			assert.Equal(t, CodeSuccess, resp.Code)
			data, ok := resp.Data.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, float64(tt.total), data["total"])
			assert.Equal(t, float64(2), data["page"])
			assert.Equal(t, float64(20), data["page_size"])

			items, ok := data["items"].([]interface{})
			require.True(t, ok)
			assert.Len(t, items, tt.wantItems)
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name        string
		write       func(c *gin.Context, message string)
		wantCode    int
		wantDefault string
	}{
		{"param", ParamError, CodeParamError, "参数错误"},
		{"auth", AuthError, CodeAuthFailed, "认证失败"},
		{"permission", PermissionError, CodePermissionDenied, "权限不足"},
		{"not found", NotFoundError, CodeResourceNotFound, "资源不存在"},
		{"server", ServerError, CodeServerError, "服务器内部错误"},
		{"unavailable", ServiceUnavailable, CodeServiceUnavailable, "服务暂时不可用"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := perform(t, func(c *gin.Context) { tt.write(c, "") })
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantDefault, resp.Message)
			assert.Nil(t, resp.Data)

			_, resp = perform(t, func(c *gin.Context) { tt.write(c, "人格不存在") })
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, "人格不存在", resp.Message)
		})
	}
}

func TestError_UnknownCode(t *testing.T) {
	_, resp := perform(t, func(c *gin.Context) {
		Error(c, 9999, "")
	})

	assert.Equal(t, 9999, resp.Code)
	assert.Empty(t, resp.Message)
}

func TestQuotaErrorWithData(t *testing.T) {
	_, resp := perform(t, func(c *gin.Context) {
		QuotaErrorWithData(c, "", gin.H{"limit": 10, "used": 10, "upgrade": gin.H{"tier": "elevated"}})
	})

	assert.Equal(t, CodeQuotaExceeded, resp.Code)
	assert.Equal(t, "配额不足", resp.Message)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(10), data["limit"])
	assert.Equal(t, float64(10), data["used"])
	assert.Contains(t, data, "upgrade")
}
