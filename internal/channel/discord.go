package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

const discordMaxMsgLen = 2000

// DiscordConfig configures a Discord bot connection.
type DiscordConfig struct {
	Token        string
	GuildID      string // optional: ignore other guilds
	HistoryLimit int
	Logger       *slog.Logger
}

// DiscordBot holds one gateway session shared by all Discord channels.
type DiscordBot struct {
	token        string
	guildID      string
	historyLimit int
	logger       *slog.Logger

	session *discordgo.Session

	mu       sync.Mutex
	channels map[string]*DiscordChannel
}

func NewDiscordBot(cfg DiscordConfig) *DiscordBot {
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > 100 {
		cfg.HistoryLimit = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DiscordBot{
		token:        cfg.Token,
		guildID:      cfg.GuildID,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.With("component", "discord"),
		channels:     make(map[string]*DiscordChannel),
	}
}

// Connect opens the gateway session. It is closed when ctx is cancelled.
func (d *DiscordBot) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}
		d.mu.Lock()
		ch, ok := d.channels[m.ChannelID]
		d.mu.Unlock()
		if !ok {
			return
		}
		ch.listeners.Dispatch(domain.EventMessageAdded, convertDiscordMessage(m.Message))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.session = session
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	go func() {
		<-ctx.Done()
		d.logger.Info("discord bot disconnecting")
		session.Close()
	}()
	return nil
}

// Channel returns the channel for channelID.
func (d *DiscordBot) Channel(channelID string) *DiscordChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.channels[channelID]; ok {
		return c
	}
	c := &DiscordChannel{bot: d, id: channelID, listeners: bus.NewListeners(d.logger)}
	d.channels[channelID] = c
	return c
}

func convertDiscordMessage(m *discordgo.Message) domain.Message {
	out := domain.Message{
		SID:         m.ID,
		ContentType: domain.ContentTypeText,
		Body:        m.Content,
		Timestamp:   m.Timestamp,
	}
	// Snowflakes grow with time, so they order messages within a channel.
	if id, err := strconv.ParseInt(m.ID, 10, 64); err == nil {
		out.Index = id
	}
	if m.Author != nil {
		out.Author = m.Author.Username
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		out.ContentType = att.ContentType
		out.Media = &domain.Media{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
			URL:         att.URL,
		}
	}
	return out
}

// DiscordChannel is one Discord text channel.
type DiscordChannel struct {
	bot       *DiscordBot
	id        string
	listeners *bus.Listeners
}

func (c *DiscordChannel) Name() string { return c.id }

func (c *DiscordChannel) Self() string {
	if c.bot.session == nil || c.bot.session.State == nil || c.bot.session.State.User == nil {
		return ""
	}
	return c.bot.session.State.User.Username
}

func (c *DiscordChannel) GetMessages(ctx context.Context) (domain.Page, error) {
	if c.bot.session == nil {
		return domain.Page{}, fmt.Errorf("discord: %w", ErrClosed)
	}
	msgs, err := c.bot.session.ChannelMessages(c.id, c.bot.historyLimit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return domain.Page{}, fmt.Errorf("discord history: %w", err)
	}
	items := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, convertDiscordMessage(m))
	}
	// Discord returns newest first.
	slices.Reverse(items)
	return domain.Page{Items: items}, nil
}

func (c *DiscordChannel) On(event string, handler domain.MessageHandler) error {
	return subscribe(c.listeners, event, handler)
}

// SendMessage posts payload. The gateway echoes it back as a MessageCreate,
// which is what reaches listeners.
func (c *DiscordChannel) SendMessage(ctx context.Context, payload domain.Payload) error {
	if c.bot.session == nil {
		return fmt.Errorf("discord: %w", ErrClosed)
	}
	switch p := payload.(type) {
	case domain.TextPayload:
		for _, chunk := range splitMessage(p.Text, discordMaxMsgLen) {
			if _, err := c.bot.session.ChannelMessageSend(c.id, chunk, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("discord send: %w", err)
			}
		}
		return nil
	case domain.AttachmentPayload:
		if _, err := c.bot.session.ChannelFileSend(c.id, p.Media.Name, bytes.NewReader(p.Media.Data), discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send file: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
}
