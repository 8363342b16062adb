package ai

import (
	"errors"
	"fmt"
	"strings"
)

// Narrative 表示模型对一次回测结果的解读。
type Narrative struct {
	Verdict     string   `json:"verdict"`
	Summary     string   `json:"summary"`
	Strengths   []string `json:"strengths"`
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
	Confidence  float64  `json:"confidence"`
}

var validVerdicts = map[string]struct{}{
	"PROMISING":    {},
	"MIXED":        {},
	"UNPROMISING":  {},
	"INCONCLUSIVE": {},
}

// Validate 校验解读字段合法性。
func (n Narrative) Validate() error {
	verdict := strings.ToUpper(strings.TrimSpace(n.Verdict))
	if verdict == "" {
		return errors.New("verdict 不能为空")
	}
	if _, ok := validVerdicts[verdict]; !ok {
		return fmt.Errorf("verdict 字段取值非法: %s", n.Verdict)
	}
	if strings.TrimSpace(n.Summary) == "" {
		return errors.New("summary 不能为空")
	}
	if n.Confidence < 0 || n.Confidence > 1 {
		return fmt.Errorf("confidence 必须在 [0,1] 区间，目前为 %f", n.Confidence)
	}
	return nil
}

// Text 将解读渲染为便于写入报告的纯文本。
func (n Narrative) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(n.Verdict), n.Summary)
	writeList(&b, "优势", n.Strengths)
	writeList(&b, "风险", n.Risks)
	writeList(&b, "建议", n.Suggestions)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}
