/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// The management API is optional: it only starts when api.address is
// configured (bind it to loopback). It exposes runtime stats and a cache
// flush, nothing that changes resolution policy.

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Printf("WalkRoutes error: %v", err)
	}
}

func SetupAPIRouter(conf *Config, d *Dispatcher) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	sr := r.PathPrefix("/api/v1").Subrouter()

	sr.HandleFunc("/ping", APIping(conf)).Methods("GET", "POST")
	sr.HandleFunc("/stats", APIstats(d)).Methods("GET")
	sr.HandleFunc("/config", APIconfig(conf)).Methods("GET")
	sr.HandleFunc("/cache/flush", APIcacheFlush(d)).Methods("POST")

	return r
}

// APIdispatcher starts the HTTP API server when configured and stops it
// on shutdown.
func APIdispatcher(ctx context.Context, conf *Config, d *Dispatcher) error {
	if conf.Api.Address == "" {
		if Globals.Verbose {
			log.Printf("APIdispatcher: no api.address configured; management API disabled")
		}
		return nil
	}
	router := SetupAPIRouter(conf, d)
	if Globals.Debug {
		WalkRoutes(router, conf.Api.Address)
	}

	server := &http.Server{
		Addr:    conf.Api.Address,
		Handler: router,
	}
	go func() {
		log.Printf("APIdispatcher: serving management API on %s", conf.Api.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("APIdispatcher: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Printf("APIdispatcher: error shutting down API server: %v", err)
		}
	}()
	return nil
}

type PingResponse struct {
	Msg     string
	Time    time.Time
	Version string
}

func APIping(conf *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, PingResponse{
			Msg:     "pong",
			Time:    time.Now(),
			Version: conf.AppVersion,
		})
	}
}

type StatsResponse struct {
	Counters      map[string]uint64
	AnswerEntries int
	BootTime      time.Time
}

func APIstats(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, StatsResponse{
			Counters:      d.Stats.Snapshot(),
			AnswerEntries: d.Answers.Entries.Count(),
			BootTime:      d.Conf.ServerBootTime,
		})
	}
}

type ConfigResponse struct {
	Mode       string
	ListenUDP  string
	ListenTCP  string
	Upstreams  []string
	ZonesDir   string
	ConfigTime time.Time
}

func APIconfig(conf *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := "iterative"
		if conf.ForwarderMode() {
			mode = "forwarder"
		}
		writeJSON(w, ConfigResponse{
			Mode:       mode,
			ListenUDP:  conf.ListenUDP,
			ListenTCP:  conf.ListenTCP,
			Upstreams:  conf.Upstreams,
			ZonesDir:   conf.ZonesDir,
			ConfigTime: conf.ServerConfigTime,
		})
	}
}

type CacheFlushRequest struct {
	Domain         string
	KeepStructural bool
}

type CacheFlushResponse struct {
	Domain  string
	Removed int
	Msg     string
}

func APIcacheFlush(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CacheFlushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
			http.Error(w, "bad request: need {\"Domain\": \"...\"}", http.StatusBadRequest)
			return
		}
		removed := d.Answers.FlushDomain(req.Domain, req.KeepStructural)
		removed += d.Negatives.FlushDomain(req.Domain)
		removed += d.Deleg.FlushDomain(req.Domain)
		writeJSON(w, CacheFlushResponse{
			Domain:  req.Domain,
			Removed: removed,
			Msg:     "flushed",
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("apiserver: error encoding response: %v", err)
	}
}
