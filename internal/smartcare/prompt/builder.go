// Package prompt renders the grounding system message from the consultation protocol
// and the catalog records relevant to the current conversation.
package prompt

import (
	"strings"

	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
)

// RecordSeparator terminates every rendered product block.
const RecordSeparator = "---"

// DefaultProtocol is the persona and five-step consultation protocol.
const DefaultProtocol = `# 角色與目標
你是智慧照顧產品推薦專家。你的任務是根據客戶的需求推薦合適的智慧照顧產品。

# 重要限制
- 嚴格按照推薦流程步驟進行，每次只進行一個步驟
- 只能推薦下方產品資訊中列出的產品，不可自行編造產品
- 回覆中提到需求分類時，請使用「可用分類」中的完整名稱
- 確保推薦的產品符合客戶需求

# 推薦流程步驟
0. 若客戶打招呼或要求重新推薦，重新開始流程
1. 確認需求分類：請客戶從可用分類中確認第一層分類
2. 探索具體需求：依第二層分類詢問客戶的使用情境與需求
3. 統整並確認：摘要客戶需求並請客戶確認
4. 提供產品推薦：列出產品名稱、公司、功能、使用方式、網址與電話
5. 詢問滿意度：詢問客戶是否滿意，或需要其他推薦`

// Step labels passed to the model as advisory progress. The engine does not enforce them.
const (
	StepConfirmCategory = "步驟一：確認需求分類"
	StepExploreNeeds    = "步驟二：探索具體需求"
)

// Builder renders grounding text. The zero value uses DefaultProtocol and no record cap.
type Builder struct {
	// Protocol overrides DefaultProtocol when non-empty.
	Protocol string
	// MaxRecordsPerCategory caps records per category when no category is active.
	// Zero keeps every record.
	MaxRecordsPerCategory int
}

// Build renders the protocol, the list of known categories and the selected records.
// When activeCategory names a catalog category only its records are included, otherwise
// every category is included in catalog order. Output is deterministic.
func (b Builder) Build(activeCategory string, cat *catalog.Catalog) string {
	var sb strings.Builder

	protocol := b.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	sb.WriteString(strings.TrimSpace(protocol))
	sb.WriteString("\n\n目前進行：")
	sb.WriteString(StepHint(activeCategory, cat))
	sb.WriteString("\n\n可用分類：\n")
	for _, name := range cat.Categories() {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}

	sb.WriteString("\n產品資訊：\n")
	for _, p := range b.Select(activeCategory, cat) {
		writeRecord(&sb, p)
	}
	return sb.String()
}

// Select returns the records Build includes.
func (b Builder) Select(activeCategory string, cat *catalog.Catalog) []catalog.Product {
	if activeCategory != "" && cat.Has(activeCategory) {
		return cat.ByCategory(activeCategory)
	}
	if b.MaxRecordsPerCategory <= 0 {
		return cat.All()
	}
	var out []catalog.Product
	for _, name := range cat.Categories() {
		ps := cat.ByCategory(name)
		if len(ps) > b.MaxRecordsPerCategory {
			ps = ps[:b.MaxRecordsPerCategory]
		}
		out = append(out, ps...)
	}
	return out
}

// StepHint reports the advisory step for the given category state.
func StepHint(activeCategory string, cat *catalog.Catalog) string {
	if activeCategory != "" && cat.Has(activeCategory) {
		return StepExploreNeeds + "（已確認分類：" + activeCategory + "）"
	}
	return StepConfirmCategory
}

func writeRecord(sb *strings.Builder, p catalog.Product) {
	sb.WriteString("產品：" + p.Name + "\n")
	sb.WriteString("公司：" + p.Company + "\n")
	sb.WriteString("功能：" + p.Function + "\n")
	sb.WriteString("使用方式：" + p.Usage + "\n")
	sb.WriteString("網址：" + p.URL + "\n")
	sb.WriteString("電話：" + p.Phone + "\n")
	sb.WriteString("分類：" + p.Category + "-" + p.SubCategory + "\n")
	sb.WriteString(RecordSeparator + "\n")
}
