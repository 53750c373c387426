package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// TelegramConfig configures a Telegram bot connection.
type TelegramConfig struct {
	Token       string
	AllowFrom   []string // user IDs; empty allows everyone
	ParseMode   string
	HistorySize int
	Logger      *slog.Logger
}

// TelegramBot runs one long-poll loop and fans updates out to chats.
type TelegramBot struct {
	token       string
	allowFrom   []int64
	parseMode   string
	historySize int
	logger      *slog.Logger

	bot *tgbotapi.BotAPI

	mu    sync.Mutex
	chats map[int64]*TelegramChat
}

func NewTelegramBot(cfg TelegramConfig) *TelegramBot {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TelegramBot{
		token:       cfg.Token,
		allowFrom:   allowed,
		parseMode:   cfg.ParseMode,
		historySize: cfg.HistorySize,
		logger:      cfg.Logger.With("component", "telegram"),
		chats:       make(map[int64]*TelegramChat),
	}
}

// Connect authenticates the bot and starts polling until ctx is cancelled.
func (t *TelegramBot) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.logger.Info("telegram polling stopping")
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(update)
			}
		}
	}()
	return nil
}

// Chat returns the channel for chatID.
func (t *TelegramBot) Chat(chatID int64) *TelegramChat {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.chats[chatID]; ok {
		return c
	}
	c := &TelegramChat{
		bot:       t,
		chatID:    chatID,
		listeners: bus.NewListeners(t.logger),
	}
	t.chats[chatID] = c
	return c
}

func (t *TelegramBot) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	t.mu.Lock()
	chat, ok := t.chats[msg.Chat.ID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("telegram message for unwatched chat", "chat_id", msg.Chat.ID)
		return
	}
	chat.observe(convertTelegramMessage(msg))
}

func (t *TelegramBot) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	return slices.Contains(t.allowFrom, userID)
}

func convertTelegramMessage(msg *tgbotapi.Message) domain.Message {
	out := domain.Message{
		SID:         strconv.Itoa(msg.MessageID),
		ContentType: domain.ContentTypeText,
		Body:        msg.Text,
		Timestamp:   time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		out.Author = strings.TrimSpace(msg.From.UserName)
		if out.Author == "" {
			out.Author = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
	}
	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > photo.Width*photo.Height {
				photo = p
			}
		}
		out.ContentType = "image/jpeg"
		out.Body = msg.Caption
		out.Media = &domain.Media{Filename: photo.FileID + ".jpg", ContentType: "image/jpeg", Size: int64(photo.FileSize)}
	case msg.Document != nil:
		out.ContentType = msg.Document.MimeType
		out.Body = msg.Caption
		out.Media = &domain.Media{Filename: msg.Document.FileName, ContentType: msg.Document.MimeType, Size: int64(msg.Document.FileSize)}
	}
	return out
}

// TelegramChat is one Telegram chat. The Bot API offers no history call, so
// its page is the messages observed since the bot connected.
type TelegramChat struct {
	bot       *TelegramBot
	chatID    int64
	listeners *bus.Listeners

	mu        sync.Mutex
	history   []domain.Message
	nextIndex int64
}

func (c *TelegramChat) Name() string { return strconv.FormatInt(c.chatID, 10) }

func (c *TelegramChat) Self() string {
	if c.bot.bot == nil {
		return ""
	}
	return c.bot.bot.Self.UserName
}

func (c *TelegramChat) GetMessages(ctx context.Context) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return domain.Page{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Page{Items: slices.Clone(c.history)}, nil
}

func (c *TelegramChat) On(event string, handler domain.MessageHandler) error {
	return subscribe(c.listeners, event, handler)
}

func (c *TelegramChat) SendMessage(ctx context.Context, payload domain.Payload) error {
	if c.bot.bot == nil {
		return fmt.Errorf("telegram: %w", ErrClosed)
	}
	switch p := payload.(type) {
	case domain.TextPayload:
		for _, chunk := range splitMessage(p.Text, telegramMaxMsgLen) {
			sent, err := c.sendChunk(ctx, chunk)
			if err != nil {
				return err
			}
			c.observe(convertTelegramMessage(&sent))
		}
		return nil
	case domain.AttachmentPayload:
		sent, err := c.sendFile(p)
		if err != nil {
			return err
		}
		c.observe(convertTelegramMessage(&sent))
		return nil
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
}

// observe records msg in the bounded history and pushes it to listeners.
func (c *TelegramChat) observe(msg domain.Message) {
	c.mu.Lock()
	msg.Index = c.nextIndex
	c.nextIndex++
	c.history = append(c.history, msg)
	if over := len(c.history) - c.bot.historySize; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
	c.mu.Unlock()
	c.listeners.Dispatch(domain.EventMessageAdded, msg)
}

func (c *TelegramChat) sendFile(p domain.AttachmentPayload) (tgbotapi.Message, error) {
	file := tgbotapi.FileBytes{Name: p.Media.Name, Bytes: p.Media.Data}
	var cfg tgbotapi.Chattable
	if strings.HasPrefix(p.ContentType, "image/") {
		cfg = tgbotapi.NewPhoto(c.chatID, file)
	} else {
		cfg = tgbotapi.NewDocument(c.chatID, file)
	}
	sent, err := c.bot.bot.Send(cfg)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram send file: %w", err)
	}
	return sent, nil
}

// sendChunk sends a single chunk: configured parse mode first, plain text
// after a parse error, with backoff on rate limits and transient errors.
func (c *TelegramChat) sendChunk(ctx context.Context, text string) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(c.chatID, text)
		if attempt == 0 && c.bot.parseMode != "" {
			msg.ParseMode = c.bot.parseMode
		}

		sent, err := c.bot.bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		errStr := err.Error()

		var backoff time.Duration
		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			backoff = time.Duration(attempt+1) * 3 * time.Second
			c.bot.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			c.bot.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		default:
			backoff = time.Duration(attempt+1) * time.Second
			c.bot.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}
