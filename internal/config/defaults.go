package config

import (
	"os"
	"path/filepath"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:   "info",
			Identity:   defaultIdentity(),
			PresetsDir: filepath.Join(DefaultConfigDir(), "channels"),
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				ParseMode:   "Markdown",
				HistorySize: 100,
			},
			Discord: DiscordConfig{
				HistoryLimit: 50,
			},
			Slack: SlackConfig{
				HistoryLimit: 50,
			},
			WS: WSConfig{
				URL: "ws://127.0.0.1:8081/ws",
			},
		},
		Store: StoreConfig{
			DBPath:   filepath.Join(DefaultConfigDir(), "rooms.db"),
			PageSize: 50,
		},
		Attachments: AttachmentsConfig{
			Accept:   "image/*",
			MaxBytes: 10 << 20,
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8081,
			Path:        "/ws",
			Metrics:     true,
			MetricsPath: "/metrics",
			ReadLimit:   16 << 20,
		},
	}
}

func defaultIdentity() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "me"
}

// ExamplePresets are written by "chatchannel init".
func ExamplePresets() []ChannelPreset {
	return []ChannelPreset{
		{Name: "lobby", Kind: KindLocal, Target: "lobby", Description: "Local room stored on this machine"},
		{Name: "remote-lobby", Kind: KindWS, Target: "lobby", Description: "Room on a chatchannel server (see server.port)"},
		{Name: "team-telegram", Kind: KindTelegram, Target: "${TELEGRAM_CHAT_ID:-0}", Description: "Telegram chat; requires channels.telegram.token"},
	}
}
