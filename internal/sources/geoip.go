package sources

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// GeoIP resolves sources against a MaxMind database. Country and ASN
// databases are both accepted; fields missing from the database stay empty.
type GeoIP struct {
	reader *maxminddb.Reader
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	ASN uint   `maxminddb:"autonomous_system_number"`
	Org string `maxminddb:"autonomous_system_organization"`
}

func OpenGeoIP(path string) (*GeoIP, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIP{reader: reader}, nil
}

func (g *GeoIP) Lookup(ip net.IP) (Location, error) {
	if g == nil || g.reader == nil {
		return Location{}, errors.New("geoip database not open")
	}
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() {
		return Location{}, nil
	}
	var rec geoRecord
	if err := g.reader.Lookup(ip, &rec); err != nil {
		return Location{}, err
	}
	return Location{
		Country: rec.Country.ISOCode,
		ASN:     rec.ASN,
		Org:     rec.Org,
	}, nil
}

func (g *GeoIP) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
