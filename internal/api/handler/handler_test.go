package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/api/middleware"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/response"
	"github.com/qs3c/persona_go_server/internal/repository"
	"github.com/qs3c/persona_go_server/internal/service"
	"github.com/qs3c/persona_go_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testContext 本地测试上下文
type testContext struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Quota     *service.QuotaService
	Generator *stubGenerator
}

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Subscription: config.SubscriptionConfig{
			Levels: map[string]config.SubscriptionLevel{
				model.TierStandard: {DailyConversations: 3},
				model.TierElevated: {DailyConversations: 100},
			},
		},
		Ledger: config.LedgerConfig{Timezone: "Asia/Tokyo"},
	}
}

func setupServices(t *testing.T) (*service.ConversationService, *testContext) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := testConfig()
	quota := service.NewQuotaService(
		repository.NewAccountRepository(db),
		repository.NewUsageLogRepository(db),
		cfg,
		logging.Discard(),
		nil,
	)
	generator := &stubGenerator{reply: "こんにちは、今日はいい天気ですね。"}
	conversations := service.NewConversationService(
		repository.NewPersonaRepository(db),
		repository.NewConversationRepository(db),
		quota,
		generator,
		nil,
		nil,
		cfg,
		logging.Discard(),
		nil,
	)

	return conversations, &testContext{DB: db, Cfg: cfg, Quota: quota, Generator: generator}
}

// ledgerToday 账本时区下的今天
func ledgerToday(cfg *config.Config) string {
	return time.Now().In(cfg.Ledger.Location()).Format("2006-01-02")
}

func mockAuth(accountID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AccountIDKey, accountID)
		c.Next()
	}
}

func performRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}
