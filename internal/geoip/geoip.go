// Package geoip resolves visitor countries for display records.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// Locator maps IP addresses to ISO country codes using a MaxMind database
// or, for local runs, a JSON list of CIDR ranges.
type Locator struct {
	db       *geoip2.Reader
	fallback []network
}

type network struct {
	net     *net.IPNet
	country string
}

// Open loads the database at path. A file that is not a MaxMind database
// is read as JSON: [{"net": "10.0.0.0/8", "country": "US"}].
func Open(path string) (*Locator, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &Locator{db: db}, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
	}
	if jerr := json.Unmarshal(data, &entries); jerr != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	l := &Locator{}
	for _, e := range entries {
		_, n, perr := net.ParseCIDR(e.Net)
		if perr != nil {
			return nil, fmt.Errorf("geoip fallback entry %q: %w", e.Net, perr)
		}
		l.fallback = append(l.fallback, network{net: n, country: e.Country})
	}
	return l, nil
}

// Country returns the ISO country code for ip, or "" when it is unknown.
// A nil Locator knows nothing.
func (l *Locator) Country(ip net.IP) string {
	if l == nil || ip == nil {
		return ""
	}
	if l.db != nil {
		if rec, err := l.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
		return ""
	}
	for _, n := range l.fallback {
		if n.net.Contains(ip) {
			return n.country
		}
	}
	return ""
}

// Close releases the database.
func (l *Locator) Close() error {
	if l != nil && l.db != nil {
		return l.db.Close()
	}
	return nil
}
