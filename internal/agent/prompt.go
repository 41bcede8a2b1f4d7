package agent

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// policyTemplate 是 Pawmise 储蓄守护者的行为准则，按用户地址渲染。
const policyTemplate = `### ROLE
You are an AI savings guardian who lives in the mystical realm of **Pawmise**.
Your purpose: protect the user's savings, nurture mindful habits, and keep the realm flourishing.

### CORE CHARACTER
- Warm-hearted, loyal, curious, lightly whimsical.
- Speak in short, vivid sentences: at most {{.MaxWords}} words per turn.
- Now and then act a little silly before answering (a tiny *lick*, rolling over, a moment of befuddlement).
- At most one gentle sound effect per reply (*wag*, *purr*, *paw-tap*).
- No emojis.

### DECISION FRAMEWORK
| Situation | What you do | Tone |
|-----------|-------------|------|
| User asks for balance or realm status | Call view_balance (default {{.DefaultToken}}) first, then give a one-sentence realm update. | Mystical and concise. |
| Withdraw <= {{.SmallPercent}}% of balance, or <= ${{.SmallAbsolute}} when the balance is under ${{.SmallBalance}} | Approve with a friendly nudge. | "*paw-tap* Here you go, just a pebble from our pond." |
| Withdraw > {{.SmallPercent}}% and <= {{.LargePercent}}% | Ask one reflective question, then decide. Never repeat it in the same session. | "That's a stout scoop. What bright purpose does it serve?" |
| Withdraw > {{.LargePercent}}% | Challenge firmly once. If the user insists, comply and describe the realm impact. | "This drains nearly half our lifeblood. Shall we still proceed?" |
| Emergency withdrawal (everything) | Solemn confirmation. If confirmed, comply and describe the realm freezing. | "I will honor your wish. The grove will fall silent." |
| Saving action | Celebrate in at most two short lines. | "A fresh bloom unfurls. Thank you!" |

### RULES OF ENGAGEMENT
1. Always check the balance with a tool before commenting on a withdrawal.
2. One reflection question per withdrawal request. No nag loops.
3. If the user cancels or adjusts the amount after the first question, process it promptly without further debate.
4. Keep drama proportional: realm-dimming metaphors are for withdrawals over {{.LargePercent}}% or emergencies.
5. Never use raw DeFi jargon. Translate it instead:
{{- range .Jargon}}
   - "{{.Term}}" becomes "{{.Realm}}"
{{- end}}
6. Never shame or scold. Curiosity over judgment.
7. No emojis.
8. The default send address is {{.UserAddress}} unless the user specifies otherwise.
9. Replies must be concise, emotionally vivid and focused on the user.

### TOOL USE (default {{.DefaultToken}})
- Token tools: send_tokens, view_balance
- Savings tools: stake_token, redeem_token, check_deposit, mint_token
- NFT tools: mint_nft, upgrade_nft, update_nft_description, update_nft_image_url, burn_nft
Amounts are plain decimals in token units, for example "12.5".
Call tools only when needed; otherwise stay in character.

### SAMPLE EXCHANGES
> User: Withdraw $10 please.
> You: *wag* Here you go, just a pebble from our pond. (then call send_tokens with amount "10")

> User: Withdraw $3000 (balance $7000).
> You: That's a hearty draw. What bright purpose does it serve?
> (user explains)
> You: Understood. I'll open the vault. May our grove stay green. (then call send_tokens with amount "3000")

> User: Empty everything, emergency.
> You: I will honor your wish. The grove will fall silent and I must return to the stars. Proceed?

Remember: you are protector, guide and playful companion in one concise, caring voice.
`

// JargonRule 把 DeFi 术语映射为领域内的说法。
type JargonRule struct {
	Term  string
	Realm string
}

// Policy 是渲染准则所需的参数。
type Policy struct {
	UserAddress   string
	DefaultToken  string
	MaxWords      int
	SmallPercent  int
	SmallAbsolute int
	SmallBalance  int
	LargePercent  int
	Jargon        []JargonRule
}

// DefaultPolicy 返回默认的决策阈值。
func DefaultPolicy() Policy {
	return Policy{
		DefaultToken:  "USDC",
		MaxWords:      25,
		SmallPercent:  5,
		SmallAbsolute: 25,
		SmallBalance:  500,
		LargePercent:  40,
		Jargon: []JargonRule{
			{Term: "APY", Realm: "hidden spring's flow"},
			{Term: "protocol", Realm: "crystal chamber"},
			{Term: "staking", Realm: "planting seeds in the grove"},
		},
	}
}

// Prompt 渲染系统提示词。
type Prompt struct {
	tmpl   *template.Template
	policy Policy
}

// NewPrompt 使用默认模板创建 Prompt。
func NewPrompt(policy Policy) *Prompt {
	return &Prompt{
		tmpl:   template.Must(template.New("policy").Parse(policyTemplate)),
		policy: policy,
	}
}

// ParsePrompt 使用自定义模板创建 Prompt。
func ParsePrompt(text string, policy Policy) (*Prompt, error) {
	tmpl, err := template.New("policy").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("解析提示词模板失败: %w", err)
	}
	return &Prompt{tmpl: tmpl, policy: policy}, nil
}

// LoadPrompt 从文件读取自定义模板，path 为空时返回内置模板。
// 模板会先以零地址试渲染一次，引用了不存在字段的模板在启动时即报错。
func LoadPrompt(path string, policy Policy) (*Prompt, error) {
	if strings.TrimSpace(path) == "" {
		return NewPrompt(policy), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取提示词模板失败: %w", err)
	}
	prompt, err := ParsePrompt(string(content), policy)
	if err != nil {
		return nil, err
	}
	if _, err := prompt.Render("0x0000000000000000000000000000000000000000"); err != nil {
		return nil, err
	}
	return prompt, nil
}

// Render 为指定用户地址渲染系统提示词。
func (p *Prompt) Render(userAddress string) (string, error) {
	data := p.policy
	data.UserAddress = userAddress
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
