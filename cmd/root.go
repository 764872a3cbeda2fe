package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/strand/internal/config"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/paths"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:     "strand",
	Short:   "A multi-session streaming conversation engine",
	Long:    `Strand runs concurrent AI conversations: per-session turn streams, queued follow-ups, warm keep-alive sessions, and a persistent conversation catalog.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/strand/config.yaml)")
	rootCmd.PersistentFlags().String("db", "",
		"path to the conversation database")
	rootCmd.PersistentFlags().Bool("debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("auto_refresh", defaults.AutoRefresh)
	viper.SetDefault("transport.kind", defaults.Transport.Kind)
	viper.SetDefault("transport.command", defaults.Transport.Command)
	viper.SetDefault("tabs.grace_window_ms", defaults.Tabs.GraceWindowMS)
	viper.SetDefault("metadata.cache_ttl_seconds", defaults.Metadata.CacheTTLSeconds)
	viper.SetDefault("notifications.enabled", defaults.Notifications.Enabled)
	viper.SetDefault("notifications.on_error", defaults.Notifications.OnError)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("flags", defaults.Flags)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .strand/config.yaml (current directory)
		// 2. ~/.config/strand/config.yaml (user config)
		if _, err := os.Stat(paths.ProjectConfigPath); err == nil {
			viper.SetConfigFile(paths.ProjectConfigPath)
		} else {
			viper.AddConfigPath(paths.UserConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at
		// ~/.config/strand/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if defaultPath := paths.UserConfigPath(); defaultPath != "" {
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func initLogging() {
	logPath := paths.LogPath()
	if logPath == "" {
		return
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return
	}
	logCleanup = cleanup
	if viper.GetBool("debug") {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}
}

// Execute runs the root command
func Execute() error {
	defer func() {
		if logCleanup != nil {
			logCleanup()
		}
	}()
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
