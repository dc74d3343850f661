/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// ZoneStore holds the local override records, loaded once at startup from
// TOML files under zones_dir and consulted before cache and network. The
// store is read-only after loading.
type ZoneStore struct {
	records map[string][]dns.RR // owner::type -> records
}

type zoneFileConf struct {
	Origin  string           `mapstructure:"origin"`
	TTL     uint32           `mapstructure:"ttl"`
	Records []zoneRecordConf `mapstructure:"records"`
}

type zoneRecordConf struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	TTL  uint32 `mapstructure:"ttl"`
	Data string `mapstructure:"data"`
}

func NewZoneStore() *ZoneStore {
	return &ZoneStore{records: make(map[string][]dns.RR)}
}

// LoadZoneDir reads every *.toml file under dir. A missing directory is
// not an error; an unparsable file is.
func LoadZoneDir(dir string) (*ZoneStore, error) {
	zs := NewZoneStore()
	if dir == "" {
		return zs, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return zs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading zones_dir %s: %v", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := zs.loadZoneFile(path); err != nil {
			return nil, err
		}
	}
	if Globals.Verbose {
		log.Printf("ZoneStore: loaded %d override owners from %s", len(zs.records), dir)
	}
	return zs, nil
}

func (zs *ZoneStore) loadZoneFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading zone file %s: %v", path, err)
	}
	var zf zoneFileConf
	if err := v.Unmarshal(&zf); err != nil {
		return fmt.Errorf("error parsing zone file %s: %v", path, err)
	}

	origin := zf.Origin
	if origin == "" {
		// Bare record names are qualified against the file name.
		origin = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	origin = dns.Fqdn(origin)

	for _, rec := range zf.Records {
		owner := rec.Name
		if owner == "" || owner == "@" {
			owner = origin
		} else if !strings.HasSuffix(owner, ".") {
			owner = owner + "." + origin
		}
		owner = dns.Fqdn(owner)

		ttl := rec.TTL
		if ttl == 0 {
			ttl = zf.TTL
		}
		if ttl == 0 {
			ttl = 3600
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", owner, ttl, strings.ToUpper(rec.Type), rec.Data))
		if err != nil {
			return fmt.Errorf("zone file %s: bad record %q %s %q: %v", path, rec.Name, rec.Type, rec.Data, err)
		}
		zs.Add(rr)
	}
	return nil
}

func (zs *ZoneStore) Add(rr dns.RR) {
	key := MapKeyForRR(rr)
	zs.records[key] = append(zs.records[key], rr)
}

func MapKeyForRR(rr dns.RR) string {
	return fmt.Sprintf("%s::%d", dns.CanonicalName(rr.Header().Name), rr.Header().Rrtype)
}

// Lookup returns the override records for (qname, qtype), or nil. ANY
// returns everything known for the owner.
func (zs *ZoneStore) Lookup(qname string, qtype uint16) []dns.RR {
	owner := dns.CanonicalName(qname)
	if qtype == dns.TypeANY {
		var out []dns.RR
		for key, rrs := range zs.records {
			if strings.HasPrefix(key, owner+"::") {
				out = append(out, rrs...)
			}
		}
		return out
	}
	return zs.records[fmt.Sprintf("%s::%d", owner, qtype)]
}

func (zs *ZoneStore) Count() int {
	n := 0
	for _, rrs := range zs.records {
		n += len(rrs)
	}
	return n
}
