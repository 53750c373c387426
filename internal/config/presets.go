package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset kinds.
const (
	KindLocal    = "local"
	KindWS       = "ws"
	KindTelegram = "telegram"
	KindDiscord  = "discord"
	KindSlack    = "slack"
)

// ChannelPreset names a channel the user can switch to.
//
//	name: team
//	kind: discord
//	target: "123456789012345678"
//	description: Team channel
type ChannelPreset struct {
	Name        string `yaml:"name" json:"name"`
	Kind        string `yaml:"kind" json:"kind"`
	Target      string `yaml:"target" json:"target"` // room, chat ID or channel ID depending on Kind
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks a single preset.
func (p ChannelPreset) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("preset name is required")
	}
	switch p.Kind {
	case KindLocal, KindWS, KindTelegram, KindDiscord, KindSlack:
	default:
		return fmt.Errorf("preset %s: unknown kind %q", p.Name, p.Kind)
	}
	if strings.TrimSpace(p.Target) == "" {
		return fmt.Errorf("preset %s: target is required", p.Name)
	}
	return nil
}

// LoadPreset reads a single YAML preset file. ${VAR} references are expanded.
func LoadPreset(path string) (ChannelPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChannelPreset{}, fmt.Errorf("read preset %s: %w", path, err)
	}
	var p ChannelPreset
	if err := yaml.Unmarshal([]byte(ExpandEnvVars(string(data))), &p); err != nil {
		return ChannelPreset{}, fmt.Errorf("parse preset %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return ChannelPreset{}, err
	}
	return p, nil
}

// LoadPresets loads every *.yaml / *.yml file in dir, sorted by name.
// Broken files are logged and skipped. A missing dir yields no presets.
func LoadPresets(dir string, logger *slog.Logger) ([]ChannelPreset, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read presets dir: %w", err)
	}

	seen := make(map[string]string)
	var presets []ChannelPreset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := LoadPreset(path)
		if err != nil {
			logger.Warn("failed to load preset", "path", path, "err", err)
			continue
		}
		if prev, dup := seen[p.Name]; dup {
			logger.Warn("duplicate preset name, skipping", "name", p.Name, "path", path, "first", prev)
			continue
		}
		seen[p.Name] = path
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets, nil
}

// SavePreset writes p to dir/<name>.yaml.
func SavePreset(dir string, p ChannelPreset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create presets directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preset: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, p.Name+".yaml"), data, 0o644)
}

// FindPreset returns the preset called name.
func FindPreset(presets []ChannelPreset, name string) (ChannelPreset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return ChannelPreset{}, false
}
