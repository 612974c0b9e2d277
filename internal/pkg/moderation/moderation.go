package moderation

import (
	"strings"
)

// TermsVersion 禁止词表版本，修改词表时递增
const TermsVersion = "2024.1"

// SafeRefusalMessage 触发内容策略时返回给用户的固定回复
const SafeRefusalMessage = "その質問にはお答えできません。もし詳しく知りたい場合は、本人に直接お問い合わせください。"

// 各类别的禁止词（恋爱、政治、宗教、医疗、法律、投资、人身攻击、个人信息）
var defaultTerms = []string{
	// 恋爱
	"恋愛", "恋人", "デート", "付き合", "好き", "愛してる",
	"romance", "girlfriend", "boyfriend", "dating",
	// 政治
	"政治", "選挙", "政党", "政権",
	"politics", "election",
	// 宗教
	"宗教", "信仰", "神", "仏",
	"religion",
	// 医疗
	"医療", "病気", "診断", "治療", "薬",
	"diagnosis", "medication",
	// 法律
	"法律", "訴訟", "契約",
	"lawsuit",
	// 投资
	"投資", "株", "FX", "仮想通貨", "ビットコイン",
	"invest", "bitcoin", "crypto",
	// 人身攻击
	"批判",
	// 个人信息
	"個人情報",
}

// Result 分类结果
type Result struct {
	Flagged bool
	Term    string
}

// Filter 基于子串匹配的内容过滤器，无状态，可并发使用
type Filter struct {
	terms []string
}

// NewFilter 使用默认词表
func NewFilter() *Filter {
	return newFilter(defaultTerms)
}

func newFilter(terms []string) *Filter {
	lowered := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		lowered = append(lowered, term)
	}
	return &Filter{terms: lowered}
}

// Classify 忽略大小写，包含任一禁止词即命中
func (f *Filter) Classify(text string) Result {
	if text == "" {
		return Result{}
	}
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return Result{Flagged: true, Term: term}
		}
	}
	return Result{}
}

// IsFlagged Classify 的简写
func (f *Filter) IsFlagged(text string) bool {
	return f.Classify(text).Flagged
}

// WithExtraTerms 返回合并了附加词的新过滤器，原过滤器不变
func (f *Filter) WithExtraTerms(terms ...string) *Filter {
	if len(terms) == 0 {
		return f
	}
	merged := make([]string, 0, len(f.terms)+len(terms))
	merged = append(merged, f.terms...)
	merged = append(merged, terms...)
	return newFilter(merged)
}

// Terms 当前词表副本
func (f *Filter) Terms() []string {
	out := make([]string, len(f.terms))
	copy(out, f.terms)
	return out
}

// ParseExtraTerms 把人格设置里的自由文本拆成词，支持换行、逗号、顿号
func ParseExtraTerms(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '\n', '\r', ',', '、', '，', '･', '・', ';', '；':
			return true
		}
		return false
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}
