package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_JSONWithDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"general": {"logLevel": "debug"},
		"channels": {
			"lark": {
				"enabled": true,
				"accounts": {
					"default": {"appId": "cli_test_app", "appSecret": "secret"}
				}
			}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.General.LogLevel)
	require.Equal(t, ":9180", cfg.General.BindAddr, "unset fields keep defaults")
	require.Equal(t, 100, cfg.General.BusSize)

	account := cfg.Channels.Lark.Accounts["default"]
	require.Equal(t, "cli_test_app", account.AppID)
	require.True(t, account.IsEnabled())
	require.True(t, account.MentionRequired())
}

func TestLoad_YAMLByExtension(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
general:
  bindAddr: ":8080"
channels:
  lark:
    enabled: true
    accounts:
      main:
        appId: cli_yaml_app
        appSecret: s3cret
        dmPolicy: open
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.General.BindAddr)
	require.Equal(t, "open", cfg.Channels.Lark.Accounts["main"].DMPolicy)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LARK_APP_ID", "cli_from_env")

	path := writeConfig(t, "config.json", `{
		"channels": {"lark": {"accounts": {"default": {
			"appId": "${TEST_LARK_APP_ID}",
			"appSecret": "${TEST_LARK_MISSING:-fallback_secret}"
		}}}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	account := cfg.Channels.Lark.Accounts["default"]
	require.Equal(t, "cli_from_env", account.AppID)
	require.Equal(t, "fallback_secret", account.AppSecret)
}

func TestExpandEnvVars_KeepsUnresolvedReferences(t *testing.T) {
	out := ExpandEnvVars("id: ${DEFINITELY_NOT_SET_ANYWHERE}")
	require.Equal(t, "id: ${DEFINITELY_NOT_SET_ANYWHERE}", out)
}

func TestLoad_EnvOverridesBeatFile(t *testing.T) {
	t.Setenv("LARKGATE_LOG_LEVEL", "error")

	path := writeConfig(t, "config.json", `{"general": {"logLevel": "debug"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "error", cfg.General.LogLevel)
}

func TestLoad_RejectsBadEncryptKeyLength(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"channels": {"lark": {"accounts": {"default": {
			"appId": "cli_test_app",
			"appSecret": "secret",
			"encryptKey": "tooshort"
		}}}}
	}`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "default")
}

func TestLoad_AcceptsExact32CharEncryptKey(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"channels": {"lark": {"accounts": {"default": {
			"appId": "cli_test_app",
			"appSecret": "secret",
			"encryptKey": "12345678901234567890123456789012"
		}}}}
	}`)

	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoad_RejectsUnknownDMPolicy(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"channels": {"lark": {"accounts": {"default": {
			"appId": "cli_test_app",
			"appSecret": "secret",
			"dmPolicy": "everyone"
		}}}}
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoad_MalformedJSONFails(t *testing.T) {
	path := writeConfig(t, "config.json", `{not json`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.Channels.Lark.Accounts["default"] = LarkAccount{
		AppID: "cli_test_app", AppSecret: "secret", TextLimit: 2000,
	}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2000, loaded.Channels.Lark.Accounts["default"].TextLimit)
}

func TestLarkAccount_IsEnabled(t *testing.T) {
	no := false
	require.True(t, LarkAccount{AppID: "a", AppSecret: "s"}.IsEnabled())
	require.False(t, LarkAccount{AppID: "a", AppSecret: "s", Enabled: &no}.IsEnabled())
	require.False(t, LarkAccount{AppID: "a"}.IsEnabled(), "missing secret disables")
	require.False(t, LarkAccount{}.IsEnabled())
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Lark.Accounts["default"] = LarkAccount{
		AppID:             "cli_test_app",
		AppSecret:         "supersecretvalue1234",
		EncryptKey:        "12345678901234567890123456789012",
		VerificationToken: "verif_token",
	}
	cfg.Agent.APIKey = "sk-veryveryverysecret"

	clean := Sanitize(cfg)

	account := clean.Channels.Lark.Accounts["default"]
	require.Equal(t, "supe****1234", account.AppSecret)
	require.Equal(t, "***", account.EncryptKey)
	require.Equal(t, "***", account.VerificationToken)
	require.Equal(t, "sk-v****cret", clean.Agent.APIKey)

	// Original untouched.
	require.Equal(t, "supersecretvalue1234", cfg.Channels.Lark.Accounts["default"].AppSecret)
}
