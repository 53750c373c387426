package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"chatchannel/internal/attach"
	"chatchannel/internal/bus"
	"chatchannel/internal/channel"
	"chatchannel/internal/config"
	"chatchannel/internal/domain"
	"chatchannel/internal/session"
	"chatchannel/internal/store"
	"chatchannel/internal/ui"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatchannel",
		Short: "chatchannel: terminal chat over local rooms, WebSocket, Telegram, Discord and Slack",
		Long: `chatchannel opens one conversation at a time from a set of channel presets
and keeps its message list in sync with the channel.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatchannel/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(presetsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist yet. An invalid file is an error.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		return config.Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the package logger according to cfg. Logs go to
// logFile when set, otherwise to fallback. The returned func closes the file.
func setupLogger(cfg *config.Config, fallback io.Writer) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	out := fallback
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return closeFn, nil
}

// app holds what every channel-facing command needs.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	hub      *channel.Hub
	registry *channel.Registry
	dropzone *attach.Dropzone
}

func openApp(cfg *config.Config) (*app, error) {
	presets, err := config.LoadPresets(cfg.General.PresetsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	hub := channel.NewHub(channel.HubConfig{
		Store:    st,
		Identity: cfg.General.Identity,
		PageSize: cfg.Store.PageSize,
		MediaDir: filepath.Join(filepath.Dir(cfg.Store.DBPath), "media"),
		Logger:   logger,
	})
	reg := channel.NewRegistry(channel.RegistryConfig{
		Hub:      hub,
		Channels: cfg.Channels,
		Identity: cfg.General.Identity,
		Presets:  presets,
		Logger:   logger,
	})
	return &app{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		registry: reg,
		dropzone: attach.New(cfg.Attachments.Accept, cfg.Attachments.MaxBytes, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		logger.Warn("closing channels", "err", err)
	}
	a.store.Close()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and example channel presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := config.Defaults()

			if _, err := os.Stat(cfgPath); err == nil && !force {
				logger.Info("config already exists, keeping it", "path", cfgPath)
				if existing, err := config.Load(cfgPath); err == nil {
					cfg = existing
				}
			} else if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			for _, p := range config.ExamplePresets() {
				path := filepath.Join(cfg.General.PresetsDir, p.Name+".yaml")
				if _, err := os.Stat(path); err == nil && !force {
					continue
				}
				if err := config.SavePreset(cfg.General.PresetsDir, p); err != nil {
					return fmt.Errorf("save preset %s: %w", p.Name, err)
				}
			}
			logger.Info("initialized", "config", cfgPath, "presets", cfg.General.PresetsDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config and presets")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [preset]",
		Short: "Open the interactive chat",
		Long: `Opens the terminal chat. Switch channels with /switch <preset>, send files
with /attach <path>, retry a failed load with ctrl+r and quit with ctrl+c.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The TUI owns the terminal, so logs default to a file.
	if cfg.General.LogFile == "" {
		cfg.General.LogFile = filepath.Join(filepath.Dir(cfg.Store.DBPath), "chat.log")
	}
	closeLog, err := setupLogger(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	events := bus.NewEventBus(logger)
	ctrl := session.New(session.Config{Events: events, Logger: logger})
	// Deferred after a.Close, so it runs first: queued sends reach the channel
	// before the store and sockets go away.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pending sends abandoned", "err", err)
		}
		logger.Info("chat ended", "bound", ctrl.BoundChannels())
	}()

	initial := ""
	if len(args) == 1 {
		initial = args[0]
	} else if presets := a.registry.Presets(); len(presets) > 0 {
		initial = presets[0].Name
	}

	model := ui.New(ui.Config{
		Controller: ctrl,
		Resolver:   a.registry,
		Dropzone:   a.dropzone,
		Identity:   cfg.General.Identity,
		Initial:    initial,
		Logger:     logger,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	stopBridge := ui.Bridge(events, p.Send)
	defer stopBridge()

	logger.Info("chat started", "preset", initial, "identity", cfg.General.Identity)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket room server",
		Long:  "Serves the local rooms over WebSocket so remote \"ws\" presets can join them. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			hub := channel.NewHub(channel.HubConfig{
				Store:    st,
				Identity: cfg.General.Identity,
				PageSize: cfg.Store.PageSize,
				MediaDir: filepath.Join(filepath.Dir(cfg.Store.DBPath), "media"),
				Logger:   logger,
			})
			metricsPath := ""
			if cfg.Server.Metrics {
				metricsPath = cfg.Server.MetricsPath
			}
			srv := channel.NewWSServer(channel.WSServerConfig{
				Hub:         hub,
				Path:        cfg.Server.Path,
				MetricsPath: metricsPath,
				ReadLimit:   cfg.Server.ReadLimit,
				Logger:      logger,
			})

			if addr == "" {
				addr = cfg.Server.Addr()
			}
			err = srv.Start(ctx, addr)
			logger.Info("server stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.host:server.port)")
	return cmd
}

func historyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <preset>",
		Short: "Print a channel's initial page of messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ch, err := a.registry.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			state, err := oneShot(ctx, ch, nil)
			if err != nil {
				return err
			}

			if asJSON {
				data, _ := json.MarshalIndent(state.Messages, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for _, m := range state.Messages {
				fmt.Println(formatMessage(m))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	return cmd
}

const shutdownTimeout = 10 * time.Second

// oneShot selects ch on a fresh controller, runs act against it and waits for
// the page fetch and any sends to finish. Send failures and, when act is nil,
// a failed page load are returned as errors.
func oneShot(ctx context.Context, ch domain.Channel, act func(*session.Controller) error) (session.State, error) {
	events := bus.NewEventBus(logger)
	var mu sync.Mutex
	var sendErrs []error
	events.On(bus.EventSendFailed, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		sendErrs = append(sendErrs, fmt.Errorf("send: %v", ev.Payload["err"]))
	})
	var loadErr error
	events.On(bus.EventLoadFailed, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		loadErr = fmt.Errorf("couldn't fetch messages: %v", ev.Payload["err"])
	})

	ctrl := session.New(session.Config{Events: events, Logger: logger})
	ctrl.SetActiveChannel(ch)
	var actErr error
	if act != nil {
		actErr = act(ctrl)
	}
	if err := ctrl.Shutdown(ctx); err != nil {
		return session.State{}, err
	}
	if actErr != nil {
		return session.State{}, actErr
	}

	state := ctrl.Snapshot()
	mu.Lock()
	defer mu.Unlock()
	if len(sendErrs) > 0 {
		return state, errors.Join(sendErrs...)
	}
	if act == nil && state.Loading == session.Failed {
		return state, loadErr
	}
	return state, nil
}

func formatMessage(m domain.Message) string {
	body := m.Body
	if m.HasMedia() {
		body = fmt.Sprintf("[%s] %s", m.Media.ContentType, m.Media.Filename)
	}
	ts := ""
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("2006-01-02 15:04") + " "
	}
	return fmt.Sprintf("#%d %s%s: %s", m.Index, ts, m.Author, body)
}

func sendCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <preset> [text...]",
		Short: "Send one message or file to a channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if file == "" && strings.TrimSpace(text) == "" {
				return errors.New("nothing to send: give text or --file")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ch, err := a.registry.Lookup(ctx, args[0])
			if err != nil {
				return err
			}

			var files []domain.File
			if file != "" {
				if files, err = a.dropzone.Drop(file); err != nil {
					return err
				}
			}
			_, err = oneShot(ctx, ch, func(ctrl *session.Controller) error {
				if file != "" {
					err := ctrl.SubmitAttachment(files)
					if errors.Is(err, session.ErrNoFiles) {
						return fmt.Errorf("%s is not an accepted attachment (%s)", file, cfg.Attachments.Accept)
					}
					return err
				}
				ctrl.UpdateDraft(text)
				return ctrl.SubmitDraft()
			})
			if err != nil {
				return err
			}
			logger.Info("message sent", "preset", args[0], "channel", ch.Name())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "send a file instead of text")
	return cmd
}

func presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List channel presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			presets, err := config.LoadPresets(cfg.General.PresetsDir, logger)
			if err != nil {
				return err
			}
			if len(presets) == 0 {
				fmt.Printf("No presets in %s. Run 'chatchannel init' to create examples.\n", cfg.General.PresetsDir)
				return nil
			}
			for _, p := range presets {
				fmt.Printf("%-20s %-9s %-20s %s\n", p.Name, p.Kind, p.Target, p.Description)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.identity)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. store.pageSize 100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flat := config.ListPaths(config.Sanitize(cfg))
			data, _ := json.MarshalIndent(flat, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
