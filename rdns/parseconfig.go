/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Default knobs. The recursor timeout, attempts, recursion limit and
// query budget can be overridden in the [recursor] section of the config
// file; the other values have no config key.
const (
	DefaultUpstreamTimeout   = 2 * time.Second
	DefaultRecursorTimeout   = 1500 * time.Millisecond
	DefaultQueryDeadline     = 5 * time.Second
	DefaultAttempts          = 3
	DefaultRecursionLimit    = 16
	DefaultQueryBudget       = 64
	DefaultClientMaxInflight = 256
	DefaultTCPIdleTimeout    = 5 * time.Second
)

func setConfigDefaults() {
	viper.SetDefault("cache.answer_cache_size", 100000)
	viper.SetDefault("cache.negative_cache_size", 20000)
	viper.SetDefault("cache.min_ttl", 0)
	viper.SetDefault("cache.max_ttl", 86400)
	viper.SetDefault("cache.negative_ttl", 60)
	viper.SetDefault("cache.prefetch_threshold_secs", 10)
	viper.SetDefault("cache.stale_window_secs", 30)
	viper.SetDefault("cache.negative.probe_ttl_secs", 60)
	viper.SetDefault("cache.negative.min_ttl", 5)
	viper.SetDefault("cache.negative.max_ttl", 300)
	viper.SetDefault("recursor.timeout_ms", 1500)
	viper.SetDefault("recursor.attempts", DefaultAttempts)
	viper.SetDefault("recursor.recursion_limit", DefaultRecursionLimit)
	viper.SetDefault("recursor.query_budget", DefaultQueryBudget)
}

// ParseConfig reads the TOML config file into conf. It is fatal for the
// file to be missing or malformed (the caller exits with status 2).
func ParseConfig(conf *Config, reload bool) error {
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	viper.SetConfigFile(cfgfile)
	viper.SetConfigType("toml")
	viper.AutomaticEnv()

	setConfigDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("could not load config %s: %v", cfgfile, err)
	}
	if Globals.Verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&conf); err != nil {
		return fmt.Errorf("error unmarshalling config into struct: %v", err)
	}

	if len(conf.Upstreams) == 0 && len(conf.Roots) == 0 && conf.HintsFile == "" {
		// Iterative mode with neither roots nor a hints file still works:
		// the compiled-in hints apply. Nothing to do here, but make the
		// mode decision visible once at startup.
		if !reload && Globals.Verbose {
			fmt.Fprintln(os.Stderr, "No upstreams and no roots configured; iterating from compiled-in root hints")
		}
	}

	if err := ValidateConfig(nil, cfgfile); err != nil {
		return err
	}

	conf.ServerConfigTime = time.Now()
	return nil
}

func (conf *Config) ReloadConfig() (string, error) {
	err := ParseConfig(conf, true)
	if err != nil {
		return "", err
	}
	return "Config reloaded.", nil
}

// Derived accessors with defaults applied.

func (conf *Config) RecursorTimeout() time.Duration {
	if conf.Recursor.TimeoutMs > 0 {
		return time.Duration(conf.Recursor.TimeoutMs) * time.Millisecond
	}
	return DefaultRecursorTimeout
}

func (conf *Config) RecursorAttempts() int {
	if conf.Recursor.Attempts > 0 {
		return conf.Recursor.Attempts
	}
	return DefaultAttempts
}

func (conf *Config) RecursionLimit() int {
	if conf.Recursor.RecursionLimit > 0 {
		return conf.Recursor.RecursionLimit
	}
	return DefaultRecursionLimit
}

func (conf *Config) QueryBudget() int {
	if conf.Recursor.QueryBudget > 0 {
		return conf.Recursor.QueryBudget
	}
	return DefaultQueryBudget
}

// boolOrDefault resolves the tri-state pointers used by the negative
// cache section, where absence means "enabled".
func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
