package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatchannel/internal/config"
	"chatchannel/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatchannel setup",
		Long: `Verifies that the configuration, room database, channel presets and
server port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatchannel doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatchannel init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Store.DBPath)
			}

			presets, err := config.LoadPresets(cfg.General.PresetsDir, logger)
			switch {
			case err != nil:
				r.fail("Presets", err.Error())
			case len(presets) == 0:
				r.warn("Presets", "none found in "+cfg.General.PresetsDir)
			default:
				r.pass("Presets", fmt.Sprintf("%d in %s", len(presets), cfg.General.PresetsDir))
			}
			for _, p := range presets {
				if msg := missingCredentials(cfg, p); msg != "" {
					r.warn("Preset: "+p.Name, msg)
				}
			}

			if err := checkPort(cfg.Server.Addr()); err != nil {
				r.warn("Server port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("Server port", cfg.Server.Addr()+" available")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running chatchannel.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nchatchannel should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed!\n")
	}
	return nil
}

// missingCredentials describes what a preset still needs from the config.
func missingCredentials(cfg *config.Config, p config.ChannelPreset) string {
	switch p.Kind {
	case config.KindTelegram:
		if cfg.Channels.Telegram.Token == "" {
			return "channels.telegram.token is not set"
		}
	case config.KindDiscord:
		if cfg.Channels.Discord.Token == "" {
			return "channels.discord.token is not set"
		}
	case config.KindSlack:
		if cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "" {
			return "channels.slack.botToken and appToken are required"
		}
	case config.KindWS:
		if p.URL == "" && cfg.Channels.WS.URL == "" {
			return "no url and channels.ws.url is not set"
		}
	}
	return ""
}

// checkDatabase opens the store, which also applies pending migrations.
func checkDatabase(dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := st.ListRooms(ctx); err != nil {
		return fmt.Errorf("cannot read rooms: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
