// Package config binds the OMX_* environment variables into a validated
// Config struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the process-wide tunable surface, one field per OMX_*
// environment variable.
type Config struct {
	Verbose            bool          `mapstructure:"verbose" validate:"-"`
	DebugSignal        int           `mapstructure:"debug_signal" validate:"gte=0"`
	DisableSelf        bool          `mapstructure:"disable_self"`
	DisableShared      bool          `mapstructure:"disable_shared"`
	SharedRndvThresh   int           `mapstructure:"shared_rndv_threshold" validate:"gte=0"`
	ResendsMax         int           `mapstructure:"resends_max" validate:"gte=0"`
	ZombieSend         bool          `mapstructure:"zombie_send"`
	NotAckedMax        int           `mapstructure:"notacked_max" validate:"gt=0"`
	WaitSpin           bool          `mapstructure:"waitspin"`
	WaitIntr           bool          `mapstructure:"waitintr"`
	RCacheSize         int           `mapstructure:"rcache" validate:"gte=0"`
	ProcessBinding     string        `mapstructure:"process_binding"`
	Ctxids             int           `mapstructure:"ctxids" validate:"gte=0"`
	AnyEndpoint        bool          `mapstructure:"any_endpoint"`
	AbortSleeps        bool          `mapstructure:"abort_sleeps"`
	ResendDelay        time.Duration `mapstructure:"resend_delay" validate:"gt=0"`
	RetransmitDelay    time.Duration `mapstructure:"retransmit_delay" validate:"gt=0"`
	AckDelay           time.Duration `mapstructure:"ack_delay" validate:"gt=0"`
	PullResendTimeout  time.Duration `mapstructure:"pull_resend_timeout" validate:"gt=0"`
	ConnectRetryDelay  time.Duration `mapstructure:"connect_retry_delay" validate:"gt=0"`
}

// Defaults returns the Config equivalent of an unset environment, matching
// the constants in defaults.go.
func Defaults() Config {
	return Config{
		DebugSignal:       0,
		SharedRndvThresh:  SmallMax,
		ResendsMax:        DefaultResendsMax,
		NotAckedMax:       NotAckedMax,
		RCacheSize:        64,
		Ctxids:            DefaultCtxidBits,
		ResendDelay:       DefaultResendDelay,
		RetransmitDelay:   DefaultRetransmitDelay,
		AckDelay:          DefaultAckDelay,
		PullResendTimeout: DefaultPullResendTimeout,
		ConnectRetryDelay: DefaultConnectRetryDelay,
	}
}

// Load reads OMX_* environment variables over the defaults and validates
// the result. Grounded on the reference pack's viper+mapstructure+validator
// config layer (marmos91-dittofs/pkg/config).
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OMX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := Defaults()
	raw := map[string]any{
		"verbose":               defaults.Verbose,
		"debug_signal":          defaults.DebugSignal,
		"disable_self":          defaults.DisableSelf,
		"disable_shared":        defaults.DisableShared,
		"shared_rndv_threshold": defaults.SharedRndvThresh,
		"resends_max":           defaults.ResendsMax,
		"zombie_send":           defaults.ZombieSend,
		"notacked_max":          defaults.NotAckedMax,
		"waitspin":              defaults.WaitSpin,
		"waitintr":              defaults.WaitIntr,
		"rcache":                defaults.RCacheSize,
		"process_binding":       defaults.ProcessBinding,
		"ctxids":                defaults.Ctxids,
		"any_endpoint":          defaults.AnyEndpoint,
		"abort_sleeps":          defaults.AbortSleeps,
		"resend_delay":          defaults.ResendDelay,
		"retransmit_delay":      defaults.RetransmitDelay,
		"ack_delay":             defaults.AckDelay,
		"pull_resend_timeout":   defaults.PullResendTimeout,
		"connect_retry_delay":   defaults.ConnectRetryDelay,
	}
	for key, val := range raw {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
