package advisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

const decisionTemplate = `
你是一个专业的量化交易员。你的任务是根据提供的行情与账户数据，为观察列表中的每个标的给出交易动作。

当前时间：{{ .Time }}

账户状况：
- 现金: {{ printf "%.2f" .Cash }}
- 净值: {{ printf "%.2f" .Equity }}
- 可用购买力: {{ printf "%.2f" .BuyingPower }}

各标的行情与持仓：
{{ .SymbolsJSON }}

制定决策时请遵循：
1. 先判断趋势与动量，确认是否存在高胜率方向；
2. 买入数量按可用购买力保守估算，避免超出账户承受能力；
3. 卖出数量不得超过当前持仓；
4. 不确定时输出 HOLD。

请严格输出唯一的 JSON 对象，格式如下：
{
  "decisions": [
    {
      "symbol": "...",            // 标的符号，必须来自观察列表
      "action": "BUY|SELL|HOLD", // 交易动作
      "quantity": 0.0,            // 交易数量，HOLD 时填 0
      "confidence": 0.0-1.0,      // 决策信心度
      "reasoning": "..."         // 支撑结论的关键理由
    }
  ]
}

注意事项：
- 每个观察列表标的最多出现一次；
- 所有字段均需填写。
`

var tmpl = template.Must(template.New("decision").Parse(decisionTemplate))

// SymbolSummary 为提示词中单个标的的特征摘要。
type SymbolSummary struct {
	Symbol     string    `json:"symbol"`
	Closes     []float64 `json:"recent_closes"`
	SMA20      float64   `json:"sma20"`
	RSI14      float64   `json:"rsi14"`
	Position   float64   `json:"position_quantity"`
	AvgPrice   float64   `json:"position_avg_price"`
	LastClose  float64   `json:"last_close"`
	ZeroFilled bool      `json:"data_gap"`
}

// Summary 为一次决策调用的完整输入。
type Summary struct {
	Time        time.Time
	Cash        float64
	Equity      float64
	BuyingPower float64
	Symbols     []SymbolSummary
}

type promptContext struct {
	Time        string
	Cash        float64
	Equity      float64
	BuyingPower float64
	SymbolsJSON string
}

// BuildPrompt 将行情与账户摘要渲染成提示词字符串。
func BuildPrompt(summary Summary) (string, error) {
	symbolsJSON, err := json.MarshalIndent(summary.Symbols, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化标的摘要失败: %w", err)
	}

	ctx := promptContext{
		Time:        summary.Time.UTC().Format(time.RFC3339),
		Cash:        summary.Cash,
		Equity:      summary.Equity,
		BuyingPower: summary.BuyingPower,
		SymbolsJSON: string(symbolsJSON),
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
