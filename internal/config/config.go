package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Dedup    DedupConfig    `json:"dedup" yaml:"dedup"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel" envconfig:"LARKGATE_LOG_LEVEL"`
	BindAddr string `json:"bindAddr" yaml:"bindAddr" envconfig:"LARKGATE_BIND_ADDR"`
	BusSize  int    `json:"busSize" yaml:"busSize"`
}

type ChannelsConfig struct {
	Lark     LarkChannelConfig `json:"lark" yaml:"lark"`
	Telegram TelegramConfig    `json:"telegram" yaml:"telegram"`
}

// LarkChannelConfig holds the per-account credential map. Accounts are owned
// by external configuration; the gateway only reads them.
type LarkChannelConfig struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Accounts map[string]LarkAccount `json:"accounts" yaml:"accounts"`
}

// LarkAccount is one Lark/Feishu app identity.
type LarkAccount struct {
	AppID             string `json:"appId" yaml:"appId" validate:"required_with=AppSecret"`
	AppSecret         string `json:"appSecret" yaml:"appSecret"`
	EncryptKey        string `json:"encryptKey,omitempty" yaml:"encryptKey,omitempty" validate:"omitempty,len=32"`
	VerificationToken string `json:"verificationToken,omitempty" yaml:"verificationToken,omitempty"`
	Enabled           *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// RequireMention: in group chats only react when the bot is @-mentioned.
	// Unset defaults to true.
	RequireMention *bool `json:"requireMention,omitempty" yaml:"requireMention,omitempty"`
	// DMPolicy: "open" accepts any direct chat, "allowlist" only AllowFrom.
	DMPolicy  string   `json:"dmPolicy,omitempty" yaml:"dmPolicy,omitempty" validate:"omitempty,oneof=open allowlist"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	TextLimit int      `json:"textLimit,omitempty" yaml:"textLimit,omitempty" validate:"omitempty,gt=0"`
	// HumanDelayMs is an artificial pause before each reply turn.
	HumanDelayMs int `json:"humanDelayMs,omitempty" yaml:"humanDelayMs,omitempty" validate:"omitempty,gte=0"`
}

// IsEnabled reports whether the account should be started.
func (a LarkAccount) IsEnabled() bool {
	return (a.Enabled == nil || *a.Enabled) && a.AppID != "" && a.AppSecret != ""
}

// MentionRequired reports the group-chat mention gate, defaulting to true.
func (a LarkAccount) MentionRequired() bool {
	return a.RequireMention == nil || *a.RequireMention
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token" envconfig:"LARKGATE_TELEGRAM_TOKEN"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type AgentConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	APIBase string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" envconfig:"LARKGATE_AGENT_API_KEY"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

type DedupConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".larkgate"
	}
	return filepath.Join(home, ".larkgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, env-expands, parses (JSON or YAML by extension), applies
// environment overrides, and validates the config file.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	// Environment variables beat file values for deploy-sensitive settings.
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.Dedup.DBPath = expandPath(cfg.Dedup.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process("", &cfg.General); err != nil {
		return err
	}
	if err := envconfig.Process("", &cfg.Channels.Telegram); err != nil {
		return err
	}
	return envconfig.Process("", &cfg.Agent)
}

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New()

// Validate checks structural constraints (32-char encrypt keys, known DM
// policies) across all configured accounts.
func Validate(cfg *Config) error {
	for id, account := range cfg.Channels.Lark.Accounts {
		if err := validate.Struct(account); err != nil {
			return fmt.Errorf("lark account %q: %w", id, err)
		}
	}
	if cfg.General.BusSize < 0 {
		return fmt.Errorf("general.busSize must be >= 0")
	}
	return nil
}

// Sanitize returns a deep copy with secrets masked, for status display.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for id, account := range copy.Channels.Lark.Accounts {
		account.AppSecret = maskString(account.AppSecret)
		if account.EncryptKey != "" {
			account.EncryptKey = "***"
		}
		if account.VerificationToken != "" {
			account.VerificationToken = "***"
		}
		copy.Channels.Lark.Accounts[id] = account
	}
	if copy.Channels.Telegram.Token != "" {
		copy.Channels.Telegram.Token = maskString(copy.Channels.Telegram.Token)
	}
	if copy.Agent.APIKey != "" {
		copy.Agent.APIKey = maskString(copy.Agent.APIKey)
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
