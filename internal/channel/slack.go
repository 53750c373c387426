package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

const slackMaxMsgLen = 4000

// SlackConfig configures a Slack Socket Mode connection.
type SlackConfig struct {
	BotToken     string
	AppToken     string
	HistoryLimit int
	Logger       *slog.Logger
}

// SlackBot holds one Socket Mode connection shared by all Slack channels.
type SlackBot struct {
	botToken     string
	appToken     string
	historyLimit int
	logger       *slog.Logger

	client  *slack.Client
	botUID  string
	botName string

	mu       sync.Mutex
	channels map[string]*SlackChannel
}

func NewSlackBot(cfg SlackConfig) *SlackBot {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SlackBot{
		botToken:     cfg.BotToken,
		appToken:     cfg.AppToken,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.With("component", "slack"),
		channels:     make(map[string]*SlackChannel),
	}
}

// Connect authenticates and runs Socket Mode until ctx is cancelled.
func (s *SlackBot) Connect(ctx context.Context) error {
	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.client = api
	s.botUID = authResp.UserID
	s.botName = authResp.User
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)
			default:
				// Unacknowledged events make Socket Mode reconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	go func() {
		if err := socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("slack socket mode stopped", "err", err)
		}
	}()
	return nil
}

// Channel returns the channel for channelID.
func (s *SlackBot) Channel(channelID string) *SlackChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[channelID]; ok {
		return c
	}
	c := &SlackChannel{bot: s, id: channelID, listeners: bus.NewListeners(s.logger)}
	s.channels[channelID] = c
	return c
}

func (s *SlackBot) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Edits and deletions arrive as subtypes; only new messages are appended.
	switch ev.SubType {
	case "", "bot_message", "file_share":
	default:
		return
	}

	s.mu.Lock()
	ch, ok := s.channels[ev.Channel]
	s.mu.Unlock()
	if !ok {
		return
	}

	author := ev.User
	if author == s.botUID {
		author = s.botName
	} else if ev.Username != "" {
		author = ev.Username
	}
	ch.listeners.Dispatch(domain.EventMessageAdded, slackMessage(ev.TimeStamp, author, ev.Text, nil))
}

// slackMessage builds a domain message. Slack timestamps ("1700000000.123456")
// double as message IDs and order messages within a channel.
func slackMessage(ts, author, text string, files []slack.File) domain.Message {
	out := domain.Message{
		SID:         ts,
		Author:      author,
		ContentType: domain.ContentTypeText,
		Body:        text,
	}
	if sec, frac, _ := strings.Cut(ts, "."); sec != "" {
		s, _ := strconv.ParseInt(sec, 10, 64)
		us, _ := strconv.ParseInt(frac, 10, 64)
		out.Index = s*1_000_000 + us
		out.Timestamp = time.Unix(s, us*1000)
	}
	if len(files) > 0 {
		f := files[0]
		out.ContentType = f.Mimetype
		out.Media = &domain.Media{
			Filename:    f.Name,
			ContentType: f.Mimetype,
			Size:        int64(f.Size),
			URL:         f.URLPrivate,
		}
	}
	return out
}

// SlackChannel is one Slack conversation.
type SlackChannel struct {
	bot       *SlackBot
	id        string
	listeners *bus.Listeners
}

func (c *SlackChannel) Name() string { return c.id }

func (c *SlackChannel) Self() string { return c.bot.botName }

func (c *SlackChannel) GetMessages(ctx context.Context) (domain.Page, error) {
	if c.bot.client == nil {
		return domain.Page{}, fmt.Errorf("slack: %w", ErrClosed)
	}
	resp, err := c.bot.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: c.id,
		Limit:     c.bot.historyLimit,
	})
	if err != nil {
		return domain.Page{}, fmt.Errorf("slack history: %w", err)
	}
	items := make([]domain.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		author := m.User
		if m.Username != "" {
			author = m.Username
		}
		if author == c.bot.botUID {
			author = c.bot.botName
		}
		items = append(items, slackMessage(m.Timestamp, author, m.Text, m.Files))
	}
	// conversations.history returns newest first.
	slices.Reverse(items)
	return domain.Page{Items: items}, nil
}

func (c *SlackChannel) On(event string, handler domain.MessageHandler) error {
	return subscribe(c.listeners, event, handler)
}

// SendMessage posts payload. Slack echoes it as a message event, which is
// what reaches listeners.
func (c *SlackChannel) SendMessage(ctx context.Context, payload domain.Payload) error {
	if c.bot.client == nil {
		return fmt.Errorf("slack: %w", ErrClosed)
	}
	switch p := payload.(type) {
	case domain.TextPayload:
		for _, chunk := range splitMessage(p.Text, slackMaxMsgLen) {
			if _, _, err := c.bot.client.PostMessageContext(ctx, c.id, slack.MsgOptionText(chunk, false)); err != nil {
				return fmt.Errorf("slack send: %w", err)
			}
		}
		return nil
	case domain.AttachmentPayload:
		_, err := c.bot.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:   bytes.NewReader(p.Media.Data),
			Filename: p.Media.Name,
			FileSize: len(p.Media.Data),
			Channel:  c.id,
		})
		if err != nil {
			return fmt.Errorf("slack upload: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
}
