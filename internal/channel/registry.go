package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"chatchannel/internal/config"
	"chatchannel/internal/domain"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Hub      *Hub
	Channels config.ChannelsConfig
	Identity string
	Presets  []config.ChannelPreset
	Logger   *slog.Logger
}

// Registry turns presets into channel references. The reference for a
// preset name is created once and reused, so reselecting a preset yields
// the same channel. Bot connections start on first use and stop on Close.
type Registry struct {
	hub      *Hub
	channels config.ChannelsConfig
	identity string
	presets  []config.ChannelPreset
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	refs     map[string]domain.Channel
	telegram *TelegramBot
	discord  *DiscordBot
	slack    *SlackBot
	sockets  []*WSChannel
	closed   bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		hub:      cfg.Hub,
		channels: cfg.Channels,
		identity: cfg.Identity,
		presets:  cfg.Presets,
		logger:   cfg.Logger.With("component", "registry"),
		ctx:      ctx,
		cancel:   cancel,
		refs:     make(map[string]domain.Channel),
	}
}

// Presets returns the configured presets.
func (r *Registry) Presets() []config.ChannelPreset {
	return r.presets
}

// Lookup resolves the preset called name.
func (r *Registry) Lookup(ctx context.Context, name string) (domain.Channel, error) {
	p, ok := config.FindPreset(r.presets, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return r.Resolve(ctx, p)
}

// Resolve returns the channel for p, creating it on first use.
func (r *Registry) Resolve(ctx context.Context, p config.ChannelPreset) (domain.Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if ref, ok := r.refs[p.Name]; ok {
		return ref, nil
	}

	ref, err := r.create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("preset %s: %w", p.Name, err)
	}
	r.refs[p.Name] = ref
	r.logger.Info("channel resolved", "preset", p.Name, "kind", p.Kind, "target", p.Target)
	return ref, nil
}

// create builds a channel for p. r.mu must be held.
func (r *Registry) create(ctx context.Context, p config.ChannelPreset) (domain.Channel, error) {
	switch p.Kind {
	case config.KindLocal:
		if r.hub == nil {
			return nil, errors.New("no local store configured")
		}
		return r.hub.Open(ctx, p.Target)

	case config.KindWS:
		url := p.URL
		if url == "" {
			url = r.channels.WS.URL
		}
		ws, err := NewWSChannel(WSChannelConfig{URL: url, Room: p.Target, Identity: r.identity, Logger: r.logger})
		if err != nil {
			return nil, err
		}
		r.sockets = append(r.sockets, ws)
		return ws, nil

	case config.KindTelegram:
		chatID, err := strconv.ParseInt(p.Target, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", p.Target, err)
		}
		if r.telegram == nil {
			tc := r.channels.Telegram
			if tc.Token == "" {
				return nil, errors.New("channels.telegram.token is not set")
			}
			bot := NewTelegramBot(TelegramConfig{
				Token:       tc.Token,
				AllowFrom:   tc.AllowFrom,
				ParseMode:   tc.ParseMode,
				HistorySize: tc.HistorySize,
				Logger:      r.logger,
			})
			if err := bot.Connect(r.ctx); err != nil {
				return nil, err
			}
			r.telegram = bot
		}
		return r.telegram.Chat(chatID), nil

	case config.KindDiscord:
		if r.discord == nil {
			dc := r.channels.Discord
			if dc.Token == "" {
				return nil, errors.New("channels.discord.token is not set")
			}
			bot := NewDiscordBot(DiscordConfig{Token: dc.Token, GuildID: dc.GuildID, HistoryLimit: dc.HistoryLimit, Logger: r.logger})
			if err := bot.Connect(r.ctx); err != nil {
				return nil, err
			}
			r.discord = bot
		}
		return r.discord.Channel(p.Target), nil

	case config.KindSlack:
		if r.slack == nil {
			sc := r.channels.Slack
			if sc.BotToken == "" || sc.AppToken == "" {
				return nil, errors.New("channels.slack.botToken and appToken are required")
			}
			bot := NewSlackBot(SlackConfig{BotToken: sc.BotToken, AppToken: sc.AppToken, HistoryLimit: sc.HistoryLimit, Logger: r.logger})
			if err := bot.Connect(r.ctx); err != nil {
				return nil, err
			}
			r.slack = bot
		}
		return r.slack.Channel(p.Target), nil
	}
	return nil, fmt.Errorf("unknown kind %q", p.Kind)
}

// Close stops bot connections and closes WebSocket channels.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	var errs []error
	for _, ws := range r.sockets {
		if err := ws.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
