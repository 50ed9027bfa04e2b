package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/ReverendTrivium/RedactedBot-sub001/mutebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = mutebot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "mutebot [flags]",
	Short: "Discord bot for temporary, self-expiring mutes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(cfg, viper.DecodeHook(decodeHook()))
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// levelKeys are the settings holding log level names
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", mutebot.DefaultDatabase)
	viper.SetDefault("database_type", mutebot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		mutebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		mutebot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", mutebot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", mutebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", mutebot.DefaultShutdownTimeout)

	// Mutes
	viper.SetDefault("mutes.recover_concurrency", mutebot.DefaultRecoverConcurrency)
	viper.SetDefault("mutes.recover_rate", mutebot.DefaultRecoverRate)
	viper.SetDefault("mutes.recover_burst", mutebot.DefaultRecoverBurst)
	viper.SetDefault("mutes.max_duration", 0)
	viper.SetDefault("mutes.unmute_retry_delay", mutebot.DefaultUnmuteRetryDelay)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.mute_role_id", "")
	viper.SetDefault(
		"discord.log_level",
		mutebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		mutebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		mutebot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.error_message", mutebot.DefaultDiscordErrorMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", mutebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.debug", false)
	viper.SetDefault("api.log_level", mutebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", mutebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		mutebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", mutebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", mutebot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", mutebot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		mutebot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		mutebot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		mutebot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", mutebot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		mutebot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(mutebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = mutebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// string slices and log levels are converted by decodeHook when
	// unmarshalling, so only check the levels parse
	for _, key := range levelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env)",
	)
}
