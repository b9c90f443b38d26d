/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the group-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	ObjectStoreBaseURL string `mapstructure:"OBJECT_STORE_BASE_URL"`
	ObjectStoreAPIKey  string `mapstructure:"OBJECT_STORE_API_KEY"`
	ObjectStoreBucket  string `mapstructure:"OBJECT_STORE_BUCKET"`

	ChainRPCURL    string `mapstructure:"CHAIN_RPC_URL"`
	ChainRPCAPIKey string `mapstructure:"CHAIN_RPC_API_KEY"`

	AdminAPIKey      string `mapstructure:"ADMIN_API_KEY"`
	SessionJWTSecret string `mapstructure:"SESSION_JWT_SECRET"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	GroupEventExchange string `mapstructure:"GROUP_EVENT_EXCHANGE"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	JoinRateLimitPerMinute         int `mapstructure:"JOIN_RATE_LIMIT_PER_MINUTE"`
	InviteLookupRateLimitPerMinute int `mapstructure:"INVITE_LOOKUP_RATE_LIMIT_PER_MINUTE"`

	CreateTimeoutSeconds       int    `mapstructure:"CREATE_TIMEOUT_SECONDS"`
	UpdateTimeoutSeconds       int    `mapstructure:"UPDATE_TIMEOUT_SECONDS"`
	ConfirmationTimeoutSeconds int    `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`
	ConfirmationPollIntervalMS int    `mapstructure:"CONFIRMATION_POLL_INTERVAL_MS"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`

	MaxGroupMembers int `mapstructure:"MAX_GROUP_MEMBERS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("OBJECT_STORE_BUCKET", "squadsave-groups")
	viper.SetDefault("GROUP_EVENT_EXCHANGE", "squadsave.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "squadsave:rate_limit")
	viper.SetDefault("JOIN_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("INVITE_LOOKUP_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("CREATE_TIMEOUT_SECONDS", 10)
	viper.SetDefault("UPDATE_TIMEOUT_SECONDS", 5)
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 60)
	viper.SetDefault("CONFIRMATION_POLL_INTERVAL_MS", 1500)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 2m")
	viper.SetDefault("MAX_GROUP_MEMBERS", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("OBJECT_STORE_BASE_URL")
	_ = viper.BindEnv("OBJECT_STORE_API_KEY")
	_ = viper.BindEnv("OBJECT_STORE_BUCKET")
	_ = viper.BindEnv("CHAIN_RPC_URL")
	_ = viper.BindEnv("CHAIN_RPC_API_KEY")
	_ = viper.BindEnv("ADMIN_API_KEY")
	_ = viper.BindEnv("SESSION_JWT_SECRET")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GROUP_EVENT_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("JOIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("INVITE_LOOKUP_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CREATE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("UPDATE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_POLL_INTERVAL_MS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("MAX_GROUP_MEMBERS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}

	config.ObjectStoreBaseURL = strings.TrimRight(strings.TrimSpace(config.ObjectStoreBaseURL), "/")
	config.ChainRPCURL = strings.TrimRight(strings.TrimSpace(config.ChainRPCURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "squadsave:rate_limit"
	}

	if config.CreateTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive create timeout; using default\" value=%d", config.CreateTimeoutSeconds)
		config.CreateTimeoutSeconds = 10
	}
	if config.UpdateTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive update timeout; using default\" value=%d", config.UpdateTimeoutSeconds)
		config.UpdateTimeoutSeconds = 5
	}
	if config.ConfirmationTimeoutSeconds <= 0 {
		config.ConfirmationTimeoutSeconds = 60
	}
	if config.ConfirmationPollIntervalMS <= 0 {
		config.ConfirmationPollIntervalMS = 1500
	}
	if config.MaxGroupMembers <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive member cap; using default\" value=%d", config.MaxGroupMembers)
		config.MaxGroupMembers = 10
	}
	if config.JoinRateLimitPerMinute < 0 {
		config.JoinRateLimitPerMinute = 0
	}
	if config.InviteLookupRateLimitPerMinute < 0 {
		config.InviteLookupRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "@every 2m"
	}

	return
}
