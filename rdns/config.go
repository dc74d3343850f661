/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const DefaultCfgFile = "/etc/rdnsd/rdnsd.toml"

type Config struct {
	AppName          string
	AppVersion       string
	AppDate          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time

	ListenUDP string   `mapstructure:"listen_udp" validate:"required"`
	ListenTCP string   `mapstructure:"listen_tcp" validate:"required"`
	Upstreams []string `mapstructure:"upstreams"`
	Roots     []string `mapstructure:"roots"`
	ZonesDir  string   `mapstructure:"zones_dir"`
	HintsFile string   `mapstructure:"hints_file"`

	Cache    CacheConf    `mapstructure:"cache"`
	Filters  FiltersConf  `mapstructure:"filters"`
	Recursor RecursorConf `mapstructure:"recursor"`
	Stubs    []StubConf   `mapstructure:"stubs"`
	Api      ApiConf      `mapstructure:"api"`
	Log      LogConf      `mapstructure:"log"`

	Internal InternalConf `mapstructure:"-"`
}

type CacheConf struct {
	AnswerCacheSize       int   `mapstructure:"answer_cache_size"`
	NegativeCacheSize     int   `mapstructure:"negative_cache_size"`
	AnswerCacheMaxBytes   int64 `mapstructure:"answer_cache_max_bytes"`
	NegativeCacheMaxBytes int64 `mapstructure:"negative_cache_max_bytes"`

	MinTTL      uint32 `mapstructure:"min_ttl"`
	MaxTTL      uint32 `mapstructure:"max_ttl"`
	NegativeTTL uint32 `mapstructure:"negative_ttl"`

	PrefetchThresholdSecs uint32 `mapstructure:"prefetch_threshold_secs"`
	StaleWindowSecs       uint32 `mapstructure:"stale_window_secs"`

	Negative NegativeConf `mapstructure:"negative"`
}

type NegativeConf struct {
	Enabled       *bool  `mapstructure:"enabled"`
	CacheNxdomain *bool  `mapstructure:"cache_nxdomain"`
	CacheNodata   *bool  `mapstructure:"cache_nodata"`
	TwoHit        *bool  `mapstructure:"two_hit"`
	TwoHitNodata  bool   `mapstructure:"two_hit_nodata"`
	ProbeTTLSecs  uint32 `mapstructure:"probe_ttl_secs"`
	MinTTL        uint32 `mapstructure:"min_ttl"`
	MaxTTL        uint32 `mapstructure:"max_ttl"`
}

type FiltersConf struct {
	BlocklistDomains []string `mapstructure:"blocklist_domains"`
	AllowlistDomains []string `mapstructure:"allowlist_domains"`
	DenyNets         []string `mapstructure:"deny_nets"`
	AllowNets        []string `mapstructure:"allow_nets"`
}

type RecursorConf struct {
	TimeoutMs      int  `mapstructure:"timeout_ms"`
	Attempts       int  `mapstructure:"attempts"`
	RecursionLimit int  `mapstructure:"recursion_limit"` // max CNAME chase depth
	QueryBudget    int  `mapstructure:"query_budget"`    // max outbound queries per client query
	Verbose        bool `mapstructure:"verbose"`
	Debug          bool `mapstructure:"debug"`
}

type StubConf struct {
	Zone    string   `mapstructure:"zone" validate:"required"`
	Servers []string `mapstructure:"servers" validate:"required,min=1"`
}

type ApiConf struct {
	Address string `mapstructure:"address"`
}

type LogConf struct {
	File string `mapstructure:"file"`
}

// InternalConf holds runtime state assembled at startup, never read from
// the config file.
type InternalConf struct {
	CfgFile         string
	AllowOtherTypes bool
	Dispatcher      *Dispatcher
	APIStopCh       chan struct{}
}

// ForwarderMode reports whether the presence of upstreams selects
// forwarder mode (otherwise the engine iterates from the roots).
func (conf *Config) ForwarderMode() bool {
	return len(conf.Upstreams) > 0
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			return fmt.Errorf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			return fmt.Errorf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)
	configsections["toplevel"] = config
	for i, stub := range config.Stubs {
		configsections["stub:"+stub.Zone] = config.Stubs[i]
	}

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		return fmt.Errorf("config %q is missing required attributes: %v", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		if Globals.Debug {
			log.Printf("%s: validating config for %s section", strings.ToUpper(config.AppName), k)
		}
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("%s: config %s, section %s: %v",
				strings.ToUpper(config.AppName), cfgfile, k, err)
		}
	}
	return nil
}
