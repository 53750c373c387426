package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatchannel/internal/config"
	"chatchannel/internal/domain"
	"chatchannel/internal/session"
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBackup_RoundTrip(t *testing.T) {
	src := t.TempDir()
	from := backupPaths{
		config:  filepath.Join(src, "config.json"),
		db:      filepath.Join(src, "rooms.db"),
		presets: filepath.Join(src, "channels"),
	}
	writeFile(t, from.config, `{"general":{}}`)
	writeFile(t, from.db, "db")
	writeFile(t, from.db+"-wal", "wal")
	writeFile(t, filepath.Join(from.presets, "lobby.yaml"), "name: lobby\n")
	writeFile(t, filepath.Join(from.presets, "notes.txt"), "ignored")

	files := collectBackupFiles(from)
	if len(files) != 4 {
		t.Fatalf("expected 4 files, got %+v", files)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := writeArchive(archive, files); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	to := backupPaths{
		config:  filepath.Join(dst, "cfg", "config.json"),
		db:      filepath.Join(dst, "data", "rooms.db"),
		presets: filepath.Join(dst, "presets"),
	}
	restored, err := extractArchive(archive, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 4 {
		t.Fatalf("expected 4 restored files, got %v", restored)
	}
	for path, want := range map[string]string{
		to.config:                              `{"general":{}}`,
		to.db:                                  "db",
		to.db + "-wal":                         "wal",
		filepath.Join(to.presets, "lobby.yaml"): "name: lobby\n",
	} {
		data, err := os.ReadFile(path)
		if err != nil || string(data) != want {
			t.Errorf("%s: got %q, %v", path, data, err)
		}
	}
}

func TestRestoreTarget_RejectsEscapes(t *testing.T) {
	p := backupPaths{config: "/c/config.json", db: "/d/rooms.db", presets: "/p"}
	for _, name := range []string{"../etc/passwd", "other/rooms.db", "channels/../../x.yaml", "random.bin"} {
		if got := restoreTarget(name, p); got != "" {
			t.Errorf("%s should be skipped, got %s", name, got)
		}
	}
	if got := restoreTarget("channels/lobby.yaml", p); got != filepath.Join("/p", "lobby.yaml") {
		t.Errorf("unexpected preset target %s", got)
	}
}

func TestMissingCredentials(t *testing.T) {
	cfg := config.Defaults()
	if msg := missingCredentials(cfg, config.ChannelPreset{Name: "tg", Kind: config.KindTelegram, Target: "1"}); msg == "" {
		t.Error("telegram without token should be reported")
	}
	if msg := missingCredentials(cfg, config.ChannelPreset{Name: "lobby", Kind: config.KindLocal, Target: "lobby"}); msg != "" {
		t.Errorf("local preset needs nothing, got %q", msg)
	}
	cfg.Channels.Slack.BotToken = "xoxb"
	if msg := missingCredentials(cfg, config.ChannelPreset{Name: "sl", Kind: config.KindSlack, Target: "C1"}); msg == "" {
		t.Error("slack without app token should be reported")
	}
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	got := formatMessage(domain.Message{Index: 3, Author: "bob", Body: "hi", Timestamp: ts})
	if got != "#3 2024-05-01 09:30 bob: hi" {
		t.Errorf("unexpected text line %q", got)
	}
	got = formatMessage(domain.Message{Index: 4, Author: "bob", Media: &domain.Media{Filename: "a.png", ContentType: "image/png"}})
	if !strings.HasSuffix(got, "[image/png] a.png") {
		t.Errorf("unexpected media line %q", got)
	}
}

func TestSetupLogger_File(t *testing.T) {
	saved := logger
	defer func() { logger = saved }()

	cfg := config.Defaults()
	cfg.General.LogLevel = "debug"
	cfg.General.LogFile = filepath.Join(t.TempDir(), "logs", "chat.log")
	closeLog, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello", "k", "v")
	closeLog()

	data, err := os.ReadFile(cfg.General.LogFile)
	if err != nil || !strings.Contains(string(data), "msg=hello") {
		t.Fatalf("log file missing entry: %q, %v", data, err)
	}
}

// cannedChannel serves a fixed page and records sends.
type cannedChannel struct {
	page    []domain.Message
	loadErr error
	sendErr error
	sent    []domain.Payload
}

func (c *cannedChannel) Name() string { return "canned" }

func (c *cannedChannel) GetMessages(context.Context) (domain.Page, error) {
	return domain.Page{Items: c.page}, c.loadErr
}

func (c *cannedChannel) On(string, domain.MessageHandler) error { return nil }

func (c *cannedChannel) SendMessage(_ context.Context, p domain.Payload) error {
	c.sent = append(c.sent, p)
	return c.sendErr
}

func TestOneShot_History(t *testing.T) {
	ch := &cannedChannel{page: []domain.Message{{Index: 0, Author: "bob", Body: "hi"}}}
	state, err := oneShot(t.Context(), ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Loading != session.Ready || len(state.Messages) != 1 || state.Messages[0].Body != "hi" {
		t.Fatalf("unexpected state: %+v", state)
	}

	ch = &cannedChannel{loadErr: errors.New("offline")}
	if _, err := oneShot(t.Context(), ch, nil); err == nil || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestOneShot_SendGoesThroughController(t *testing.T) {
	ch := &cannedChannel{}
	_, err := oneShot(t.Context(), ch, func(ctrl *session.Controller) error {
		ctrl.UpdateDraft("hello")
		return ctrl.SubmitDraft()
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != (domain.TextPayload{Text: "hello"}) {
		t.Fatalf("unexpected sends: %+v", ch.sent)
	}

	failing := &cannedChannel{sendErr: errors.New("rate limited"), loadErr: errors.New("no history")}
	_, err = oneShot(t.Context(), failing, func(ctrl *session.Controller) error {
		ctrl.UpdateDraft("hello")
		return ctrl.SubmitDraft()
	})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected send error, got %v", err)
	}

	_, err = oneShot(t.Context(), &cannedChannel{}, func(ctrl *session.Controller) error {
		return ctrl.SubmitAttachment(nil)
	})
	if !errors.Is(err, session.ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
}
