package dto

// QuotaInfo 配额信息
type QuotaInfo struct {
	Tier          string       `json:"tier"`
	DailyLimit    int          `json:"daily_limit"`
	DailyUsed     int          `json:"daily_used"`
	DailyRemain   int          `json:"daily_remain"`
	CreditBalance int          `json:"credit_balance"`
	ResetAt       string       `json:"reset_at"`
	Upgrade       *UpgradeHint `json:"upgrade,omitempty"`
}

// QuotaExceededData 配额不足时随错误返回
type QuotaExceededData struct {
	Reason  string       `json:"reason"`
	Limit   int          `json:"limit"`
	Used    int          `json:"used"`
	Upgrade *UpgradeHint `json:"upgrade,omitempty"`
}

// UpgradeHint 升级提示
type UpgradeHint struct {
	Tier       string `json:"tier"`
	DailyLimit int    `json:"daily_limit"`
}

// ProviderStatusItem 生成服务状态
type ProviderStatusItem struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Available    bool   `json:"available"`
	CircuitState string `json:"circuit_state"`
	Cost         string `json:"cost,omitempty"`
	DailyLimit   string `json:"daily_limit,omitempty"`
}

// CreditGrantResult 购券回调处理结果
type CreditGrantResult struct {
	Handled bool   `json:"handled"`
	Granted bool   `json:"granted"`
	Event   string `json:"event"`
}
