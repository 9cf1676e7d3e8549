package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IPs against a GeoLite2-City (or compatible)
// MaxMind database. Falls back to the deterministic heuristic mapping for
// any IP the database can't resolve, so a single miss never surfaces an
// error up the pipeline.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

func newMaxMindResolver(dbPath string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Lookup queries the MaxMind database, falling back to the heuristic
// mapping if the address can't be parsed or isn't found.
func (r *MaxMindResolver) Lookup(ip string) Record {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fallbackLookup(ip)
	}
	city, err := r.reader.City(addr)
	if err != nil {
		return fallbackLookup(ip)
	}
	rec := Record{
		CountryCode: city.Country.IsoCode,
		CountryName: city.Country.Names["en"],
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}
	if rec.CountryCode == "" {
		rec.CountryCode = "XX"
	}
	if rec.CountryName == "" {
		rec.CountryName = "Unknown"
	}
	if len(city.City.Names) > 0 {
		rec.City = city.City.Names["en"]
	}
	return rec
}

// Close releases the underlying database file handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}
