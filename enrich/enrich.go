// Package enrich derives network and device dimensions from raw request
// metadata. Every lookup degrades to "Unknown" rather than failing session
// creation.
package enrich

import (
	"net"

	"github.com/mileusna/useragent"
	"github.com/oschwald/geoip2-golang"
)

const Unknown = "Unknown"

type Enricher struct {
	geo *geoip2.Reader
}

// New opens the GeoLite2 database at path. A missing or unreadable database
// is not an error; the enricher simply reports Unknown locations.
func New(path string) (*Enricher, error) {
	geo, err := geoip2.Open(path)
	if err != nil {
		return &Enricher{}, err
	}
	return &Enricher{geo: geo}, nil
}

func (e *Enricher) Close() error {
	if e.geo != nil {
		return e.geo.Close()
	}
	return nil
}

// Location resolves an IP address to country and city names.
func (e *Enricher) Location(ipAddress string) (country, city string) {
	country, city = Unknown, Unknown
	if e.geo == nil {
		return
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return
	}
	record, err := e.geo.City(ip)
	if err != nil {
		return
	}
	if name, ok := record.Country.Names["en"]; ok && name != "" {
		country = name
	}
	if name, ok := record.City.Names["en"]; ok && name != "" {
		city = name
	}
	return
}

// Device classifies a User-Agent string into the bounded device dimension
// (Desktop/Mobile/Tablet) and a browser name.
func Device(uaString string) (device, browser string) {
	device, browser = Unknown, Unknown
	if uaString == "" {
		return
	}
	ua := useragent.Parse(uaString)
	switch {
	case ua.Tablet:
		device = "Tablet"
	case ua.Mobile:
		device = "Mobile"
	case ua.Desktop:
		device = "Desktop"
	}
	if ua.Name != "" {
		browser = ua.Name
	}
	return
}
