package homeru

// Default values reproduce the behaviour of the original WeChat bot.
const (
	DefaultMaxTurns       = 30
	DefaultMaxTokens      = 1024
	DefaultTimeoutSeconds = 200
	DefaultMaxConcurrent  = 4
	DefaultModel          = "gpt-4o-mini"

	DefaultQuotePattern = "「[^」]+」\n- - - - - - - - - - - - - -"

	DefaultSystemPrompt = "你是社群里的 AI 助手。请用简洁、友好、积极的中文回答群友的问题，" +
		"在合适的时候给予具体的鼓励。消息以「昵称: 内容」的形式给出。"

	DefaultCheckInPraise = "{{.Name}} 刚刚完成了打卡，打卡内容是：\n{{.Text}}\n" +
		"请用热情、真诚、具体的语言夸奖 TA，再给一句简短的鼓励，控制在 100 字以内。"

	DefaultCheckInStats = "📊 {{if .Room}}「{{.Room}}」{{end}}打卡统计（共 {{.Total}} 次）\n" +
		"{{range $i, $e := .Entries}}{{inc $i}}. {{$e.Name}}：{{$e.Count}} 次\n" +
		"{{else}}暂无打卡记录\n{{end}}"

	DefaultApology = "抱歉，我遇到了一些问题"
)

// DefaultCheckInKeywords and DefaultStatsKeywords are used when the config
// leaves the lists empty.
var (
	DefaultCheckInKeywords = []string{"#打卡", "＃打卡"}
	DefaultStatsKeywords   = []string{"统计"}
)

// ApplyDefaults fills every unset optional field of cfg in place.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Keywords.CheckIn) == 0 {
		cfg.Keywords.CheckIn = append([]string(nil), DefaultCheckInKeywords...)
	}
	if len(cfg.Keywords.Stats) == 0 {
		cfg.Keywords.Stats = append([]string(nil), DefaultStatsKeywords...)
	}
	if cfg.Keywords.QuotePattern == "" {
		cfg.Keywords.QuotePattern = DefaultQuotePattern
	}
	if cfg.History.MaxTurns == 0 {
		cfg.History.MaxTurns = DefaultMaxTurns
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = DefaultMaxTokens
	}
	if cfg.Model.TimeoutSeconds == 0 {
		cfg.Model.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.Model.MaxConcurrent == 0 {
		cfg.Model.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Prompts.System == "" {
		cfg.Prompts.System = DefaultSystemPrompt
	}
	if cfg.Prompts.CheckInPraise == "" {
		cfg.Prompts.CheckInPraise = DefaultCheckInPraise
	}
	if cfg.Prompts.CheckInStats == "" {
		cfg.Prompts.CheckInStats = DefaultCheckInStats
	}
	if cfg.Prompts.Apology == "" {
		cfg.Prompts.Apology = DefaultApology
	}
}
