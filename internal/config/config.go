// Package config loads relaynote settings from .relaynote.yaml, .env files
// and RELAYNOTE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	KeyDataDSN          = "data_dsn"
	KeyRemoteDSN        = "remote_dsn"
	KeyRemoteToken      = "remote_token"
	KeyUserID           = "user_id"
	KeyDeviceID         = "device_id"
	KeyPushDebounce     = "push_debounce"
	KeyEchoWindow       = "echo_window"
	KeyHistoryCapacity  = "history_capacity"
	KeySettingsDebounce = "settings_debounce"
	KeyHTTPAddr         = "http_addr"
	KeyAPIToken         = "api_token"
	KeyJWTSecret        = "jwt_secret"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyLogFile          = "log_file"
	KeySyncInterval     = "sync_interval"
	KeySyncTimeout      = "sync_timeout"
)

const (
	minPushDebounce = 500 * time.Millisecond
	maxPushDebounce = 1500 * time.Millisecond
	minEchoWindow   = time.Second
	maxEchoWindow   = 3 * time.Second
)

type Config struct {
	DataDSN          string
	RemoteDSN        string
	RemoteToken      string
	UserID           string
	DeviceID         string
	PushDebounce     time.Duration
	EchoWindow       time.Duration
	HistoryCapacity  int
	SettingsDebounce time.Duration
	HTTPAddr         string
	APIToken         string
	JWTSecret        string
	LogLevel         string
	LogFormat        string
	LogFile          string
	SyncInterval     time.Duration
	SyncTimeout      time.Duration
	// File is the config file that was read, if any.
	File string
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataDSN, "diskv://~/.relaynote/data")
	v.SetDefault(KeyRemoteDSN, "memory://")
	v.SetDefault(KeyPushDebounce, "800ms")
	v.SetDefault(KeyEchoWindow, "2s")
	v.SetDefault(KeyHistoryCapacity, 50)
	v.SetDefault(KeySettingsDebounce, "2s")
	v.SetDefault(KeyHTTPAddr, "127.0.0.1:7420")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeySyncInterval, "0s")
	v.SetDefault(KeySyncTimeout, "15s")
}

// Load reads the configuration into v. Missing config and .env files are
// not errors.
func Load(v *viper.Viper) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	SetDefaults(v)
	v.SetConfigName(".relaynote")
	v.SetEnvPrefix("RELAYNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if override := os.Getenv("RELAYNOTE_CONFIG_PATH"); override != "" {
		v.AddConfigPath(override)
	}
	v.AddConfigPath("./")
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper resolves and clamps the values already present in v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DataDSN:          strings.TrimSpace(v.GetString(KeyDataDSN)),
		RemoteDSN:        strings.TrimSpace(v.GetString(KeyRemoteDSN)),
		RemoteToken:      v.GetString(KeyRemoteToken),
		UserID:           strings.TrimSpace(v.GetString(KeyUserID)),
		DeviceID:         strings.TrimSpace(v.GetString(KeyDeviceID)),
		PushDebounce:     clamp(v.GetDuration(KeyPushDebounce), minPushDebounce, maxPushDebounce),
		EchoWindow:       clamp(v.GetDuration(KeyEchoWindow), minEchoWindow, maxEchoWindow),
		HistoryCapacity:  v.GetInt(KeyHistoryCapacity),
		SettingsDebounce: v.GetDuration(KeySettingsDebounce),
		HTTPAddr:         strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		APIToken:         v.GetString(KeyAPIToken),
		JWTSecret:        v.GetString(KeyJWTSecret),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		LogFile:          strings.TrimSpace(v.GetString(KeyLogFile)),
		SyncInterval:     v.GetDuration(KeySyncInterval),
		SyncTimeout:      v.GetDuration(KeySyncTimeout),
		File:             v.ConfigFileUsed(),
	}
	if cfg.DataDSN == "" {
		return cfg, errors.New("config: data_dsn is required")
	}
	if cfg.RemoteDSN == "" {
		return cfg, errors.New("config: remote_dsn is required")
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 50
	}
	if cfg.SettingsDebounce <= 0 {
		cfg.SettingsDebounce = 2 * time.Second
	}
	if cfg.SyncInterval < 0 {
		cfg.SyncInterval = 0
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 15 * time.Second
	}
	if cfg.LogFile != "" {
		path, err := homedir.Expand(cfg.LogFile)
		if err != nil {
			return cfg, fmt.Errorf("config: log_file: %w", err)
		}
		cfg.LogFile = path
	}
	return cfg, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
