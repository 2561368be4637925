package netinfo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// LocalResolver answers provider lookups from a MaxMind database on disk.
// It backs the diag command; the measurement path never consults it.
type LocalResolver struct {
	db *maxminddb.Reader
}

type ispRecord struct {
	ISP          string `maxminddb:"isp"`
	Organization string `maxminddb:"organization"`
	ASOrg        string `maxminddb:"autonomous_system_organization"`
}

func OpenLocalResolver(path string) (*LocalResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb %q: %w", path, err)
	}
	return &LocalResolver{db: db}, nil
}

// ResolveISP returns the provider name recorded for ip, preferring the ISP
// field over organization fields.
func (r *LocalResolver) ResolveISP(ip net.IP) (string, error) {
	var rec ispRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return "", fmt.Errorf("mmdb lookup %s: %w", ip, err)
	}
	switch {
	case rec.ISP != "":
		return rec.ISP, nil
	case rec.Organization != "":
		return rec.Organization, nil
	case rec.ASOrg != "":
		return rec.ASOrg, nil
	default:
		return UnknownISP, nil
	}
}

func (r *LocalResolver) Close() error {
	return r.db.Close()
}
