/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kvarn/rdnsd/rdns/cache"
)

// MainInit assembles the engine from a parsed configuration: caches,
// filters, local zones, the mode-specific resolver and the dispatcher.
// Listeners are started separately so tests can drive the dispatcher
// without sockets.
func MainInit(ctx context.Context, conf *Config) (*Dispatcher, error) {
	conf.ServerBootTime = time.Now()

	filters, err := NewFilters(conf.Filters)
	if err != nil {
		return nil, fmt.Errorf("filter config: %v", err)
	}

	zones, err := LoadZoneDir(conf.ZonesDir)
	if err != nil {
		return nil, fmt.Errorf("zone overrides: %v", err)
	}

	answers := NewAnswerCacheFromConfig(conf)
	negatives := NewNegativeCacheFromConfig(conf)
	deleg := cache.NewDelegationCache(log.Default(), Globals.Verbose, Globals.Debug)
	flight := &cache.Flight{}
	stats := NewStats()

	var fwd *Forwarder
	var rec *Recursor
	if conf.ForwarderMode() {
		log.Printf("Mode: FORWARDER (upstreams=%v)", conf.Upstreams)
		fwd, err = NewForwarder(conf.Upstreams, nil, filters, stats)
		if err != nil {
			return nil, err
		}
	} else {
		log.Printf("Mode: ITERATIVE (roots=%d, hints_file=%q)", len(conf.Roots), conf.HintsFile)
		if len(conf.Roots) > 0 {
			if err := deleg.PrimeWithRootAddrs(conf.Roots); err != nil {
				return nil, err
			}
		} else {
			if err := deleg.PrimeWithHints(conf.HintsFile); err != nil {
				return nil, err
			}
		}
		for _, stub := range conf.Stubs {
			deleg.AddStub(stub.Zone, stub.Servers)
		}
		rec = NewRecursor(conf, deleg, answers, flight, nil, filters, stats)
	}

	d := NewDispatcher(ctx, conf, zones, filters, answers, negatives, deleg, flight, fwd, rec, stats)
	conf.Internal.Dispatcher = d
	return d, nil
}

// MainStartThreads starts the listener pair and the management API.
func MainStartThreads(ctx context.Context, conf *Config, d *Dispatcher) error {
	if err := DnsEngine(ctx, conf, d.Handler()); err != nil {
		return err
	}
	if err := APIdispatcher(ctx, conf, d); err != nil {
		return err
	}
	return nil
}

func NewAnswerCacheFromConfig(conf *Config) *cache.AnswerCacheT {
	opts := cache.AnswerCacheOptions{
		MinTTL:            time.Duration(conf.Cache.MinTTL) * time.Second,
		MaxTTL:            time.Duration(conf.Cache.MaxTTL) * time.Second,
		PrefetchThreshold: time.Duration(conf.Cache.PrefetchThresholdSecs) * time.Second,
		StaleWindow:       time.Duration(conf.Cache.StaleWindowSecs) * time.Second,
	}
	// Weighted mode wins when a byte budget is configured.
	if conf.Cache.AnswerCacheMaxBytes > 0 {
		opts.MaxBytes = conf.Cache.AnswerCacheMaxBytes
	} else {
		opts.MaxEntries = conf.Cache.AnswerCacheSize
	}
	return cache.NewAnswerCache(opts, log.Default(), Globals.Verbose, Globals.Debug)
}

func NewNegativeCacheFromConfig(conf *Config) *cache.NegativeCacheT {
	neg := conf.Cache.Negative
	opts := cache.NegativeCacheOptions{
		Enabled:       boolOrDefault(neg.Enabled, true),
		CacheNXDOMAIN: boolOrDefault(neg.CacheNxdomain, true),
		CacheNODATA:   boolOrDefault(neg.CacheNodata, true),
		TwoHit:        boolOrDefault(neg.TwoHit, true),
		TwoHitNODATA:  neg.TwoHitNodata,
		ProbeTTL:      time.Duration(neg.ProbeTTLSecs) * time.Second,
		FallbackTTL:   time.Duration(conf.Cache.NegativeTTL) * time.Second,
		MinTTL:        time.Duration(neg.MinTTL) * time.Second,
		MaxTTL:        time.Duration(neg.MaxTTL) * time.Second,
	}
	if conf.Cache.NegativeCacheMaxBytes > 0 {
		opts.MaxBytes = conf.Cache.NegativeCacheMaxBytes
	} else {
		opts.MaxEntries = conf.Cache.NegativeCacheSize
	}
	return cache.NewNegativeCache(opts, log.Default(), Globals.Debug)
}

// Shutdowner signals a fatal engine condition to the main loop, which
// exits with status 1.
func Shutdowner(conf *Config, msg string) {
	log.Printf("%s: shutting down: %s", Globals.App.Name, msg)
	if conf.Internal.APIStopCh != nil {
		conf.Internal.APIStopCh <- struct{}{}
	}
}
