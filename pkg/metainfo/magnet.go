package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	stdurl "net/url"
	"strings"

	"github.com/namvu9/bencode"
	errs "github.com/tovrik/undertow/internal/errors"
)

// ErrUnsupportedScheme is returned for magnet URIs whose
// exact topic is not a BitTorrent (btih) URN or whose
// structure cannot be parsed.
var ErrUnsupportedScheme = errs.New("unsupported magnet scheme")

// LoadMagnet builds a lazy torrent from a magnet URI. The
// result carries the info hash, display name and tracker
// list; the info dictionary itself must be fetched from the
// swarm before the torrent can be downloaded.
func LoadMagnet(url *stdurl.URL) (*Torrent, error) {
	var op errs.Op = "metainfo.LoadMagnet"
	var dict bencode.Dictionary

	hash, err := exactTopic(url)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	trackers, err := trackerList(url)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	if len(trackers) > 0 {
		dict.SetStringKey("announce", trackers[0])
		dict.SetStringKey("announce-list", bencode.List{trackers})
	}

	dict.SetStringKey("info-hash", bencode.Bytes(hash))
	dict.SetStringKey("dn", bencode.Bytes(url.Query().Get("dn")))

	return &Torrent{dict: &dict}, nil
}

// exactTopic extracts the 20-byte info hash from the
// magnet's xt parameter. Hex and base32 encodings both
// occur in the wild.
func exactTopic(url *stdurl.URL) ([]byte, error) {
	xt := strings.Split(url.Query().Get("xt"), ":")
	if len(xt) != 3 || xt[0] != "urn" {
		return nil, fmt.Errorf("%w: malformed exact topic %q", ErrUnsupportedScheme, url.Query().Get("xt"))
	}

	var (
		protocol = xt[1]
		urn      = xt[2]
	)

	if protocol != "btih" {
		return nil, fmt.Errorf("%w: only btih URNs are supported, got %q", ErrUnsupportedScheme, protocol)
	}

	var hash []byte
	var err error
	switch len(urn) {
	case 40:
		hash, err = hex.DecodeString(urn)
	case 32:
		hash, err = base32.StdEncoding.DecodeString(strings.ToUpper(urn))
	default:
		return nil, fmt.Errorf("%w: info hash of length %d", ErrUnsupportedScheme, len(urn))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, err)
	}

	return hash, nil
}

func trackerList(url *stdurl.URL) (bencode.List, error) {
	var trackerTier bencode.List

	for _, tracker := range url.Query()["tr"] {
		trackerTier = append(trackerTier, bencode.Bytes(tracker))
	}

	return trackerTier, nil
}
