package config

import "path/filepath"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			BindAddr: ":9180",
			BusSize:  100,
		},
		Channels: ChannelsConfig{
			Lark: LarkChannelConfig{
				Enabled:  true,
				Accounts: map[string]LarkAccount{},
			},
		},
		Agent: AgentConfig{
			Enabled: false,
			Model:   "gpt-4o-mini",
		},
		Dedup: DedupConfig{
			Enabled: true,
			DBPath:  filepath.Join(DefaultConfigDir(), "events.db"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
