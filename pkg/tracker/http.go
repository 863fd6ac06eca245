package tracker

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	errs "github.com/tovrik/undertow/internal/errors"
)

// httpAnnounceRes is the tracker's bencoded answer. Peers
// arrive in the compact format: 6 bytes per peer, 4 for the
// IPv4 address and 2 for the port, big-endian.
type httpAnnounceRes struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

type HTTPTracker struct {
	*url.URL

	client *http.Client

	lastAnnounce time.Time
	interval     time.Duration
	seeders      int
	leechers     int
	peers        int
	err          error
	failures     int
}

func (tr *HTTPTracker) Stat() Stat {
	return Stat{
		Url:          tr.URL,
		Seeders:      tr.seeders,
		Leechers:     tr.leechers,
		Peers:        tr.peers,
		Err:          tr.err,
		NextAnnounce: tr.lastAnnounce.Add(tr.interval),
	}
}

func (tr *HTTPTracker) Err() error {
	return tr.err
}

func (tr *HTTPTracker) ShouldAnnounce() bool {
	return !time.Now().Before(tr.lastAnnounce.Add(tr.interval))
}

func (tr *HTTPTracker) Announce(req Request) (*Response, error) {
	var op errs.Op = "tracker.HTTPTracker.Announce"

	res, err := tr.client.Get(tr.announceURL(req))
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(fmt.Errorf("%w: %s", ErrTrackerUnreachable, err), op, errs.Network)
	}
	defer res.Body.Close()

	var decoded httpAnnounceRes
	err = bencode.Unmarshal(res.Body, &decoded)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(err, op)
	}

	if decoded.FailureReason != "" {
		err := errs.New(decoded.FailureReason)
		tr.scheduleRetry(err)
		return nil, errs.Wrap(err, op)
	}

	peers, err := unmarshalCompactPeers([]byte(decoded.Peers))
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(err, op)
	}

	tr.lastAnnounce = time.Now()
	tr.interval = time.Duration(decoded.Interval) * time.Second
	tr.seeders = decoded.Complete
	tr.leechers = decoded.Incomplete
	tr.peers = len(peers)
	tr.err = nil
	tr.failures = 0

	return &Response{
		Action:    actionAnnounce,
		Interval:  uint32(decoded.Interval),
		NSeeders:  uint32(decoded.Complete),
		NLeechers: uint32(decoded.Incomplete),
		Peers:     peers,
	}, nil
}

func (tr *HTTPTracker) announceURL(req Request) string {
	u := *tr.URL

	params := url.Values{
		"info_hash":  []string{string(req.Hash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatUint(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatUint(req.Downloaded, 10)},
		"left":       []string{strconv.FormatUint(req.Left, 10)},
		"compact":    []string{"1"},
	}

	switch req.Event {
	case EventStarted:
		params.Set("event", "started")
	case EventStopped:
		params.Set("event", "stopped")
	case EventCompleted:
		params.Set("event", "completed")
	}

	u.RawQuery = params.Encode()
	return u.String()
}

func (tr *HTTPTracker) scheduleRetry(e error) {
	tr.err = e
	tr.lastAnnounce = time.Now()

	interval := time.Duration(15*math.Pow(2, float64(tr.failures))) * time.Second
	if interval > maxRetryInterval {
		interval = maxRetryInterval
	}

	tr.interval = interval
	tr.failures++
}

func unmarshalCompactPeers(data []byte) ([]PeerInfo, error) {
	if len(data)%6 != 0 {
		return nil, errs.Newf("compact peer list length %d is not a multiple of 6", len(data))
	}

	var out []PeerInfo
	for offset := 0; offset < len(data); offset += 6 {
		out = append(out, PeerInfo{
			IP:   net.IP(data[offset : offset+4]),
			Port: binary.BigEndian.Uint16(data[offset+4 : offset+6]),
		})
	}

	return out, nil
}

func NewHTTPTracker(url *url.URL) *HTTPTracker {
	return &HTTPTracker{
		URL:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}
