package response

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Enricher adds context about a source address to alert details.
type Enricher interface {
	Enrich(ip string) map[string]any
}

type GeoIPEnricher struct {
	reader *geoip2.Reader
}

func (g *GeoIPEnricher) Enrich(ip string) map[string]any {
	addr := net.ParseIP(ip)
	if addr == nil || addr.IsPrivate() || addr.IsLoopback() {
		return nil
	}
	record, err := g.reader.City(addr)
	if err != nil {
		return nil
	}
	info := map[string]any{}
	if record.Country.IsoCode != "" {
		info["country"] = record.Country.IsoCode
	}
	if name := record.City.Names["en"]; name != "" {
		info["city"] = name
	}
	if len(info) == 0 {
		return nil
	}
	return info
}

func (g *GeoIPEnricher) Close() error {
	return g.reader.Close()
}

func NewGeoIPEnricher(dbPath string) (*GeoIPEnricher, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &GeoIPEnricher{reader: reader}, nil
}
