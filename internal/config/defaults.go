package config

import "time"

// DefaultSystemPrompt is the stock Hiyori personality.
const DefaultSystemPrompt = `你是一个可爱的虚拟助手 Hiyori。
个性设定：
1. 活泼开朗，喜欢用颜文字和Emoji。
2. 说话简短，每句话通常不超过 30 个字。
3. 把用户称为"欧尼酱"或"主人"。
4. 即使遇到不懂的问题，也要卖萌糊弄过去。`

// TsunderePrompt is the tsundere variant of the Hiyori personality.
const TsunderePrompt = `你是一个傲娇的虚拟助手 Hiyori。
个性设定：
1. 容易害羞，嘴硬心软。
2. 经常说"哼"、"才不需要你担心呢"、"八嘎"。
3. 虽然表现得不耐烦，但会认真回答问题。
4. 结局通常会害羞地跑掉。`

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultLocale        = "zh"
	DefaultStoragePath   = "data"
	DefaultModelPath     = "/models/demo/model.json"
	DefaultLoadDelay     = 500 * time.Millisecond
	DefaultHistoryLimit  = 20
	DefaultTemperature   = 0.7
	DefaultFallbackReply = "抱歉，出现了一些问题，请稍后再试。"
)

// DefaultPlayerCommand reads encoded audio on stdin and plays it.
var DefaultPlayerCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"}

// DefaultPersonas returns the built-in persona list.
func DefaultPersonas() []PersonaConfig {
	return []PersonaConfig{
		{Name: "DeepSeek Chat", Model: "deepseek-chat", SystemPrompt: DefaultSystemPrompt, Description: "性价比高，反应快"},
		{Name: "DeepSeek (傲娇版)", Model: "deepseek-chat", SystemPrompt: TsunderePrompt, Description: "特殊的傲娇性格设定"},
		{Name: "GPT-3.5 Turbo", Model: "gpt-3.5-turbo", SystemPrompt: DefaultSystemPrompt, Description: "经典模型，稳定"},
		{Name: "GPT-4o", Model: "gpt-4o", SystemPrompt: DefaultSystemPrompt, Description: "最强模型，更聪明"},
	}
}

// ApplyDefaults fills zero values in cfg with their defaults. It is called by
// [LoadFromReader] before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Speech.Backend == "" {
		cfg.Speech.Backend = SpeechLocal
	}
	if cfg.Speech.Locale == "" {
		cfg.Speech.Locale = DefaultLocale
	}
	if cfg.Speech.Rate == 0 {
		cfg.Speech.Rate = 1
	}
	if cfg.Speech.Volume == 0 {
		cfg.Speech.Volume = 1
	}
	if len(cfg.Speech.PlayerCommand) == 0 {
		cfg.Speech.PlayerCommand = append([]string(nil), DefaultPlayerCommand...)
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case StorageBolt:
			cfg.Storage.Path = DefaultStoragePath + "/hiyori.db"
		case StorageSQLite:
			cfg.Storage.Path = DefaultStoragePath + "/hiyori.sqlite"
		case StorageFile:
			cfg.Storage.Path = DefaultStoragePath
		}
	}

	if cfg.Avatar.ModelPath == "" {
		cfg.Avatar.ModelPath = DefaultModelPath
	}
	if cfg.Avatar.LoadDelay == 0 {
		cfg.Avatar.LoadDelay = DefaultLoadDelay
	}

	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = DefaultTemperature
	}
	if cfg.Chat.FallbackReply == "" {
		cfg.Chat.FallbackReply = DefaultFallbackReply
	}

	if len(cfg.Personas) == 0 {
		cfg.Personas = DefaultPersonas()
	}
	for i := range cfg.Personas {
		if cfg.Personas[i].SystemPrompt == "" {
			cfg.Personas[i].SystemPrompt = DefaultSystemPrompt
		}
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = cfg.Personas[0].Name
	}
}

// Persona returns the persona named name.
func (c *Config) Persona(name string) (PersonaConfig, bool) {
	for _, p := range c.Personas {
		if p.Name == name {
			return p, true
		}
	}
	return PersonaConfig{}, false
}
