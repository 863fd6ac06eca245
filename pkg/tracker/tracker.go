package tracker

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Announce events, per the tracker protocol
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
)

// A Tracker announces the client's participation in a
// torrent and answers with a list of candidate peers.
// Implementations keep their own announce schedule; callers
// should respect ShouldAnnounce.
type Tracker interface {
	Announce(Request) (*Response, error)
	ShouldAnnounce() bool
	Err() error
	Stat() Stat
}

type Stat struct {
	Url          *url.URL
	Seeders      int
	Leechers     int
	Peers        int
	NextAnnounce time.Time
	Err          error
}

// PeerInfo is one candidate peer address from an announce
// response
type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) Addr() net.Addr {
	return &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
}

// Request carries the announce parameters shared by the UDP
/// and HTTP transports. Field order matters: the UDP
// transport writes this struct to the wire directly.
type Request struct {
	Hash   [20]byte
	PeerID [20]byte

	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      uint32
	IP         uint32 // Default: 0
	Key        uint32
	Want       int32 // Default: -1
	Port       uint16
}

type Response struct {
	Action    uint32
	TxID      uint32
	Interval  uint32
	NLeechers uint32
	NSeeders  uint32
	Peers     []PeerInfo
}

func NewRequest(hash [20]byte, port uint16, peerID [20]byte) Request {
	return Request{
		Want:   -1,
		PeerID: peerID,
		Hash:   hash,
		Port:   port,
	}
}

// Group fans an announce out to every tracker of one
// BEP-12 tier
type Group struct {
	trackers []Tracker
}

func (g *Group) Len() int {
	return len(g.trackers)
}

func (g *Group) Stat() []Stat {
	var out []Stat
	for _, tr := range g.trackers {
		out = append(out, tr.Stat())
	}

	return out
}

// Announce asks every tracker in the group that is due for
// an announce, and merges the responses into a single set
// keyed by address. Individual tracker failures are logged
// and skipped; the caller only sees the merged result.
func (g *Group) Announce(ctx context.Context, req Request) map[string]PeerInfo {
	out := make(map[string]PeerInfo)

	var wg sync.WaitGroup
	var resCh = make(chan *Response, len(g.trackers))

	for _, tr := range g.trackers {
		wg.Add(1)
		go func(tr Tracker) {
			defer wg.Done()

			if !tr.ShouldAnnounce() {
				return
			}

			res, err := tr.Announce(req)
			if err != nil {
				log.Debug().Err(err).Msg("announce failed")
				return
			}

			select {
			case resCh <- res:
			case <-ctx.Done():
			}
		}(tr)
	}

	wg.Wait()
	close(resCh)

	for res := range resCh {
		for _, peer := range res.Peers {
			out[peer.Addr().String()] = peer
		}
	}

	return out
}

// NewGroup builds a tracker group from announce URLs.
// Unrecognized schemes are skipped.
func NewGroup(addrs []string) *Group {
	var trackers []Tracker

	for _, addr := range addrs {
		u, err := url.Parse(addr)
		if err != nil {
			continue
		}

		switch u.Scheme {
		case "udp":
			trackers = append(trackers, NewUDPTracker(u))
		case "http", "https":
			trackers = append(trackers, NewHTTPTracker(u))
		}
	}

	return &Group{trackers: trackers}
}
