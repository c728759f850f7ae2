// Package config implements the layered settings loader (spec A1):
// built-in defaults, then an optional config file, then environment
// variables, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the fixed prefix settings-by-environment-variable use,
// e.g. HWBRIDGE_POPUP=true.
const EnvPrefix = "HWBRIDGE"

// Settings is the recognized options set (spec §6 "Settings" plus the A1/
// A3 domain-detail additions).
type Settings struct {
	Debug              bool          `mapstructure:"debug"`
	Popup              bool          `mapstructure:"popup"`
	InteractionTimeout time.Duration `mapstructure:"interaction_timeout"`
	TrustedHost        bool          `mapstructure:"trusted_host"`
	TransportReconnect bool          `mapstructure:"transport_reconnect"`
	WebUSB             bool          `mapstructure:"webusb"`
	AllowManagement    bool          `mapstructure:"allow_management"`

	ListenAddr string `mapstructure:"listen_addr"`
	CallerPath string `mapstructure:"caller_path"`
	PopupPath  string `mapstructure:"popup_path"`

	BridgeEndpoint string `mapstructure:"bridge_endpoint"`
}

// EffectiveInteractionTimeout implements "disabled timeout when !popup".
func (s Settings) EffectiveInteractionTimeout() time.Duration {
	if !s.Popup {
		return 0
	}
	return s.InteractionTimeout
}

func defaults() Settings {
	return Settings{
		Debug:              false,
		Popup:              true,
		InteractionTimeout: 5 * time.Minute,
		TrustedHost:        false,
		TransportReconnect: true,
		WebUSB:             false,
		AllowManagement:    false,
		ListenAddr:         ":21325",
		CallerPath:         "/caller",
		PopupPath:          "/popup",
	}
}

// Load assembles Settings from defaults, then configFile if non-empty (a
// missing file is not an error; a present-but-malformed one is), then
// HWBRIDGE_-prefixed environment variables.
func Load(configFile string) (Settings, error) {
	v := viper.New()
	d := defaults()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("popup", d.Popup)
	v.SetDefault("interaction_timeout", d.InteractionTimeout)
	v.SetDefault("trusted_host", d.TrustedHost)
	v.SetDefault("transport_reconnect", d.TransportReconnect)
	v.SetDefault("webusb", d.WebUSB)
	v.SetDefault("allow_management", d.AllowManagement)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("caller_path", d.CallerPath)
	v.SetDefault("popup_path", d.PopupPath)
	v.SetDefault("bridge_endpoint", d.BridgeEndpoint)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("config: reading %s: %w", configFile, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}
