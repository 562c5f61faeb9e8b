package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.tqsync",
		},
		Telegram: TelegramConfig{
			Token: "${TELEGRAM_BOT_TOKEN}",
		},
		QQ: QQConfig{
			WSURL:  "ws://127.0.0.1:3001",
			APIURL: "http://127.0.0.1:3000",
		},
		Sync: SyncConfig{
			FilterPrefix:      "!",
			MaxMessageLength:  4096,
			CooldownSeconds:   1,
			DedupTTLSeconds:   300,
			EnableReplyFormat: true,
			EnableMediaRelay:  true,
		},
		Retry: RetryConfig{
			MaxRetries:       5,
			BaseDelaySeconds: 5,
			MaxDelaySeconds:  300,
			PollSeconds:      5,
		},
		Binding: BindingConfig{
			CodeTTLSeconds: 600,
			MaxAttempts:    3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}
