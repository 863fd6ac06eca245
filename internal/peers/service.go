package peers

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/pkg/metainfo"
	"github.com/tovrik/undertow/pkg/tracker"
)

type InfoHash = [20]byte

// ErrNoPeers is returned when the retry budget has been spent
// and discovery still has no candidates to offer. The caller
// may keep calling Discover; a later announce or DHT response
// clears the condition.
var ErrNoPeers = errs.New("no peers found")

const (
	defaultCooldown    = 5 * time.Minute
	defaultRetryBudget = 3
	maxDialBackoff     = time.Hour
)

// A Service hands out candidate peer addresses for registered
// torrents. Candidates come from the torrent's tracker tiers
// and, when enabled, the DHT; each address is offered at most
// once per cooldown window.
type Service interface {
	Register(t *metainfo.Torrent)
	Unregister(InfoHash)

	// Discover returns up to limit candidates that are not
	// cooling down and not backing off. The stream restarts
	// itself: an exhausted queue triggers a re-announce.
	Discover(ctx context.Context, hash InfoHash, limit int) ([]tracker.PeerInfo, error)

	// MarkBad records a failed dial; the address backs off
	// exponentially. MarkGood clears the backoff.
	MarkBad(hash InfoHash, addr string)
	MarkGood(hash InfoHash, addr string)

	Stat(hash InfoHash) []tracker.Stat
}

// announcer is the slice of tracker.Group that discovery
// needs. Tests substitute their own.
type announcer interface {
	Announce(context.Context, tracker.Request) map[string]tracker.PeerInfo
	Stat() []tracker.Stat
	Len() int
}

type dialBackoff struct {
	failures int
	until    time.Time
}

type swarm struct {
	tiers []announcer

	queue   []tracker.PeerInfo
	known   map[string]bool      // addresses currently queued
	seen    map[string]time.Time // addresses handed out
	backoff map[string]*dialBackoff

	// consecutive discovery rounds that produced nothing
	dry int
}

func (sw *swarm) enqueue(p tracker.PeerInfo) bool {
	addr := p.Addr().String()
	if sw.known[addr] {
		return false
	}

	sw.known[addr] = true
	sw.queue = append(sw.queue, p)
	return true
}

type peerService struct {
	port        uint16
	peerID      [20]byte
	cooldown    time.Duration
	retryBudget int

	mu     sync.Mutex
	swarms map[InfoHash]*swarm
	node   *dhtNode
}

func (s *peerService) Register(t *metainfo.Torrent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := t.InfoHash()
	if _, ok := s.swarms[hash]; ok {
		return
	}

	sw := &swarm{
		known:   make(map[string]bool),
		seen:    make(map[string]time.Time),
		backoff: make(map[string]*dialBackoff),
	}

	for _, tier := range t.AnnounceList() {
		g := tracker.NewGroup(tier)
		if g.Len() > 0 {
			sw.tiers = append(sw.tiers, g)
		}
	}

	s.swarms[hash] = sw

	if s.node != nil {
		s.node.Request(hash)
	}

	log.Info().
		Str("torrent", t.HexHash()).
		Int("tiers", len(sw.tiers)).
		Msg("registered torrent with peer service")
}

func (s *peerService) Unregister(hash InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.swarms, hash)
}

func (s *peerService) Discover(ctx context.Context, hash InfoHash, limit int) ([]tracker.PeerInfo, error) {
	var op errs.Op = "peers.Discover"

	s.mu.Lock()
	sw, ok := s.swarms[hash]
	if !ok {
		s.mu.Unlock()
		return nil, errs.Wrap(errs.Newf("unknown torrent %x", hash), op, errs.NotFound)
	}

	out := s.take(sw, limit)
	if len(out) >= limit {
		sw.dry = 0
		s.mu.Unlock()
		return out, nil
	}

	tiers := sw.tiers
	s.mu.Unlock()

	// The queue could not satisfy the request; run an
	// announce round. Tiers are tried in order and the first
	// one that yields candidates wins.
	req := tracker.NewRequest(hash, s.port, s.peerID)
	req.Left = math.MaxUint64

	found := make(map[string]tracker.PeerInfo)
	for _, tier := range tiers {
		for addr, p := range tier.Announce(ctx, req) {
			found[addr] = p
		}

		if len(found) > 0 {
			break
		}
	}

	if s.node != nil {
		s.node.Request(hash)
	}

	if err := ctx.Err(); err != nil {
		return out, errs.Wrap(err, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range found {
		sw.enqueue(p)
	}

	out = append(out, s.take(sw, limit-len(out))...)

	if len(out) > 0 {
		sw.dry = 0
		return out, nil
	}

	sw.dry++

	if s.trackersDown(sw) {
		return nil, errs.Wrap(tracker.ErrTrackerUnreachable, op, errs.Network)
	}

	if sw.dry >= s.retryBudget {
		return nil, errs.Wrap(ErrNoPeers, op, errs.Network)
	}

	return nil, nil
}

// take pops candidates off the swarm's queue. Addresses inside
// the cooldown window are dropped; addresses backing off stay
// queued for a later call.
func (s *peerService) take(sw *swarm, limit int) []tracker.PeerInfo {
	if limit <= 0 {
		return nil
	}

	now := time.Now()

	var out []tracker.PeerInfo
	var rest []tracker.PeerInfo

	for _, p := range sw.queue {
		addr := p.Addr().String()

		if len(out) >= limit {
			rest = append(rest, p)
			continue
		}

		if last, ok := sw.seen[addr]; ok && now.Sub(last) < s.cooldown {
			delete(sw.known, addr)
			continue
		}

		if b, ok := sw.backoff[addr]; ok && now.Before(b.until) {
			rest = append(rest, p)
			continue
		}

		delete(sw.known, addr)
		sw.seen[addr] = now
		out = append(out, p)
	}

	sw.queue = rest
	return out
}

// trackersDown reports whether every tracker of every tier is
// in a failed state. Swarms without trackers rely on the DHT
// and are never considered down.
func (s *peerService) trackersDown(sw *swarm) bool {
	var n int
	for _, tier := range sw.tiers {
		for _, stat := range tier.Stat() {
			n++
			if stat.Err == nil {
				return false
			}
		}
	}

	return n > 0
}

func (s *peerService) MarkBad(hash InfoHash, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swarms[hash]
	if !ok {
		return
	}

	b, ok := sw.backoff[addr]
	if !ok {
		b = &dialBackoff{}
		sw.backoff[addr] = b
	}

	wait := time.Duration(15*math.Pow(2, float64(b.failures))) * time.Second
	if wait > maxDialBackoff {
		wait = maxDialBackoff
	}

	b.until = time.Now().Add(wait)
	b.failures++

	// Let it be rediscovered once the backoff expires
	delete(sw.seen, addr)
}

func (s *peerService) MarkGood(hash InfoHash, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swarms[hash]
	if !ok {
		return
	}

	delete(sw.backoff, addr)
}

func (s *peerService) Stat(hash InfoHash) []tracker.Stat {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swarms[hash]
	if !ok {
		return nil
	}

	var out []tracker.Stat
	for _, tier := range sw.tiers {
		out = append(out, tier.Stat()...)
	}

	return out
}

// addCandidate feeds a DHT result into the swarm's queue
func (s *peerService) addCandidate(hash InfoHash, p tracker.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.swarms[hash]
	if !ok {
		return
	}

	if sw.enqueue(p) {
		log.Debug().
			Str("addr", p.Addr().String()).
			Msg("DHT peer queued")
	}
}

type Config struct {
	Port   uint16
	PeerID [20]byte

	// Cooldown is how long an address is withheld after
	// having been handed out. Default 5 minutes.
	Cooldown time.Duration

	// RetryBudget is the number of consecutive empty
	// discovery rounds tolerated before Discover reports
	// ErrNoPeers. Default 3.
	RetryBudget int

	UseDHT bool
}

func NewService(cfg Config) (Service, error) {
	s := &peerService{
		port:        cfg.Port,
		peerID:      cfg.PeerID,
		cooldown:    cfg.Cooldown,
		retryBudget: cfg.RetryBudget,
		swarms:      make(map[InfoHash]*swarm),
	}

	if s.cooldown == 0 {
		s.cooldown = defaultCooldown
	}

	if s.retryBudget == 0 {
		s.retryBudget = defaultRetryBudget
	}

	if cfg.UseDHT {
		node, err := newDHTNode(s.addCandidate)
		if err != nil {
			return nil, errs.Wrap(err, errs.Op("peers.NewService"), errs.Network)
		}

		s.node = node
	}

	return s, nil
}
