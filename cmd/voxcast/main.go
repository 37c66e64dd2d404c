// Command voxcast bridges a Discord voice channel to an Icecast mount.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcast/internal/app"
	"github.com/MrWong99/voxcast/internal/bridge"
	"github.com/MrWong99/voxcast/internal/config"
	discordbot "github.com/MrWong99/voxcast/internal/discord"
	"github.com/MrWong99/voxcast/internal/observe"
	"github.com/MrWong99/voxcast/pkg/audio/cue"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

var (
	configPath string
	envPath    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "voxcast",
	Short:         "Stream a Discord voice channel to Icecast",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the voice channel and serve stream commands",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if code := run(cmd.Context()); code != 0 {
			return fmt.Errorf("exited with status %d", code)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadEnvFile(envPath, cmd.Flags().Changed("env")); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (icecast %s:%d%s, voice channel %s)\n",
			configPath, cfg.Icecast.Server, cfg.Icecast.Port, cfg.Icecast.MountPoint, cfg.Discord.VoiceChannelID)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voxcast %s\n", version)
	},
}

// configPathEnv overrides the default --config value. It is read from the
// process environment only, before any dotenv file is loaded.
const configPathEnv = "VOXCAST_CONFIG_FILE"

func defaultConfigPath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	return "voxcast.yaml"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file (env "+configPathEnv+")")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file loaded before the config is parsed")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "force debug logging")

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voxcast: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context) int {
	if parent == nil {
		parent = context.Background()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnvFile(envPath, rootCmd.PersistentFlags().Changed("env")); err != nil {
		fmt.Fprintf(os.Stderr, "voxcast: %v\n", err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcast: config file %q not found; copy configs/example.yaml to get started\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levels := new(slog.LevelVar)
	levels.Set(cfg.Server.LogLevel.Slog())
	if verbose {
		levels.Set(slog.LevelDebug)
	}
	slog.SetDefault(newLogger(levels))
	slog.Info("voxcast starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", levels.Level(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:            cfg.Discord.Token,
		GuildID:          cfg.Discord.GuildID,
		ControllerRoleID: cfg.Discord.ControllerRoleID,
		SlashCommands:    cfg.Discord.SlashCommands,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	conf, err := discordbot.NewConference(discordbot.ConferenceConfig{
		Platform:       bot.Platform(),
		Sender:         bot.Session(),
		VoiceChannelID: cfg.Discord.VoiceChannelID,
		TextChannelID:  cfg.Discord.TextChannelID,
		Permissions:    bot.Permissions(),
		Cues:           &cue.Cache{},
	})
	if err != nil {
		slog.Error("failed to create conference", "err", err)
		_ = bot.Close()
		return 1
	}
	bot.OnMessage(conf.HandleMessageCreate)

	application, err := app.New(ctx, cfg, &app.Platform{
		Voice:        conf,
		GatewayReady: bot.Ready,
	},
		app.WithLevelVar(levels),
		app.WithHotReload(configPath, 0),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}

	bot.Router().RegisterCommand(
		discordbot.StreamCommandDefinition([]string{bridge.CmdConnect, bridge.CmdDisconnect, bridge.CmdStatus}),
		discordbot.StreamHandler(application.Engine().Execute, bot.Permissions()),
	)

	// Start the Discord bot interaction loop in a separate goroutine.
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
		}
	}()

	slog.Info("bridge ready, press Ctrl+C to shut down",
		"voice_channel", cfg.Discord.VoiceChannelID,
		"text_channel", conf.TextChannelID(),
		"mount", cfg.Icecast.MountPoint,
	)
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	// Stop the stream and leave voice before the gateway goes away.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger creates a text slog.Logger on stderr whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
