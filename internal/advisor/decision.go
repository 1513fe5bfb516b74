package advisor

import (
	"errors"
	"fmt"
	"strings"
)

// Decision 表示大模型针对单个标的给出的交易指令。
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// DecisionEnvelope 用于解析多标的决策列表。
type DecisionEnvelope struct {
	Decisions []Decision `json:"decisions"`
}

var validActions = map[string]struct{}{
	"BUY":  {},
	"SELL": {},
	"HOLD": {},
}

// Validate 校验决策字段合法性。
func (d Decision) Validate() error {
	if strings.TrimSpace(d.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}

	action := strings.ToUpper(strings.TrimSpace(d.Action))
	if action == "" {
		return errors.New("action 不能为空")
	}
	if _, ok := validActions[action]; !ok {
		return fmt.Errorf("action 字段取值非法: %s", d.Action)
	}

	if action != "HOLD" && d.Quantity <= 0 {
		return fmt.Errorf("quantity 必须大于0，当前为 %f", d.Quantity)
	}

	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence 必须在 [0,1] 区间，目前为 %f", d.Confidence)
	}

	if strings.TrimSpace(d.Reasoning) == "" {
		return errors.New("reasoning 不能为空")
	}

	return nil
}

// NormalizedAction 返回规整后的动作。
func (d Decision) NormalizedAction() string {
	return strings.ToUpper(strings.TrimSpace(d.Action))
}
