package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for chatchannel.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Channels    ChannelsConfig    `json:"channels"`
	Store       StoreConfig       `json:"store"`
	Attachments AttachmentsConfig `json:"attachments"`
	Server      ServerConfig      `json:"server"`
}

type GeneralConfig struct {
	LogLevel   string `json:"logLevel"`
	LogFile    string `json:"logFile,omitempty"` // the TUI owns stdout, so chat logs go here when set
	Identity   string `json:"identity"`          // author name for messages sent from this client
	PresetsDir string `json:"presetsDir"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	WS       WSConfig       `json:"ws"`
}

type TelegramConfig struct {
	Token       string         `json:"token"`
	AllowFrom   FlexStringList `json:"allowFrom"`
	ParseMode   string         `json:"parseMode"`
	HistorySize int            `json:"historySize"` // observed messages kept per chat
}

type DiscordConfig struct {
	Token        string `json:"token"`
	GuildID      string `json:"guildId,omitempty"` // optional: restrict to specific guild
	HistoryLimit int    `json:"historyLimit"`
}

type SlackConfig struct {
	BotToken     string `json:"botToken"`
	AppToken     string `json:"appToken"` // required for Socket Mode
	HistoryLimit int    `json:"historyLimit"`
}

// WSConfig configures the WebSocket client used by "ws" presets.
type WSConfig struct {
	URL string `json:"url"` // default server, e.g. ws://127.0.0.1:8081/ws
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type StoreConfig struct {
	DBPath   string `json:"dbPath"`
	PageSize int    `json:"pageSize"` // messages returned by a local room's initial page
}

type AttachmentsConfig struct {
	Accept   string `json:"accept"`
	MaxBytes int64  `json:"maxBytes"`
}

// ServerConfig configures the "serve" WebSocket room server.
type ServerConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	Metrics     bool   `json:"metrics"`
	MetricsPath string `json:"metricsPath"`
	ReadLimit   int64  `json:"readLimit"` // bytes per inbound frame
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.chatchannel).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatchannel"
	}
	return filepath.Join(home, ".chatchannel")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.PresetsDir = ExpandPath(cfg.General.PresetsDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.Identity) == "" {
		errs = append(errs, "general.identity is required")
	}
	if cfg.General.PresetsDir == "" {
		errs = append(errs, "general.presetsDir is required")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Store.PageSize < 1 || cfg.Store.PageSize > 1000 {
		errs = append(errs, "store.pageSize must be between 1 and 1000")
	}

	if cfg.Attachments.MaxBytes < 0 {
		errs = append(errs, "attachments.maxBytes must be >= 0")
	}
	for _, pattern := range strings.Split(cfg.Attachments.Accept, ",") {
		p := strings.TrimSpace(pattern)
		if p != "" && p != "*" && !strings.Contains(p, "/") {
			errs = append(errs, fmt.Sprintf("attachments.accept: invalid pattern %q", p))
		}
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		errs = append(errs, "server.path must start with /")
	}
	if cfg.Server.Metrics && !strings.HasPrefix(cfg.Server.MetricsPath, "/") {
		errs = append(errs, "server.metricsPath must start with /")
	}
	if cfg.Server.ReadLimit <= 0 {
		errs = append(errs, "server.readLimit must be > 0")
	}

	if cfg.Channels.Telegram.HistorySize < 0 {
		errs = append(errs, "channels.telegram.historySize must be >= 0")
	}
	if cfg.Channels.Discord.HistoryLimit < 0 || cfg.Channels.Discord.HistoryLimit > 100 {
		errs = append(errs, "channels.discord.historyLimit must be between 0 and 100")
	}
	if cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken == "" {
		errs = append(errs, "channels.slack.appToken is required for socket mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
