package peers

import (
	"context"
	"net"
	"testing"
	"time"

	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/pkg/tracker"
)

// fakeTier answers every announce with a fixed set of peers
type fakeTier struct {
	peers []tracker.PeerInfo
	err   error
	calls int
}

func (f *fakeTier) Announce(ctx context.Context, req tracker.Request) map[string]tracker.PeerInfo {
	f.calls++

	out := make(map[string]tracker.PeerInfo)
	for _, p := range f.peers {
		out[p.Addr().String()] = p
	}

	return out
}

func (f *fakeTier) Stat() []tracker.Stat {
	return []tracker.Stat{{Err: f.err}}
}

func (f *fakeTier) Len() int { return 1 }

func testService(cooldown time.Duration, tiers ...announcer) (*peerService, InfoHash) {
	var hash InfoHash
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")

	s := &peerService{
		cooldown:    cooldown,
		retryBudget: 2,
		swarms:      make(map[InfoHash]*swarm),
	}

	s.swarms[hash] = &swarm{
		tiers:   tiers,
		known:   make(map[string]bool),
		seen:    make(map[string]time.Time),
		backoff: make(map[string]*dialBackoff),
	}

	return s, hash
}

func peerInfo(ip string, port uint16) tracker.PeerInfo {
	return tracker.PeerInfo{IP: net.ParseIP(ip), Port: port}
}

func TestDiscoverDedup(t *testing.T) {
	tier := &fakeTier{peers: []tracker.PeerInfo{
		peerInfo("10.0.0.1", 6881),
		peerInfo("10.0.0.2", 6881),
	}}

	s, hash := testService(5*time.Minute, tier)

	got, err := s.Discover(context.Background(), hash, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("want %d candidates got %d", 2, len(got))
	}

	// Same addresses announce again; they are cooling down
	// and must not be handed out a second time
	got, err = s.Discover(context.Background(), hash, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 0 {
		t.Errorf("want %d candidates inside cooldown got %d", 0, len(got))
	}
}

func TestDiscoverCooldownExpiry(t *testing.T) {
	tier := &fakeTier{peers: []tracker.PeerInfo{peerInfo("10.0.0.1", 6881)}}
	s, hash := testService(time.Millisecond, tier)

	got, _ := s.Discover(context.Background(), hash, 10)
	if len(got) != 1 {
		t.Fatalf("want %d candidate got %d", 1, len(got))
	}

	time.Sleep(5 * time.Millisecond)

	got, err := s.Discover(context.Background(), hash, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Errorf("want candidate again after cooldown, got %d", len(got))
	}
}

func TestMarkBadBackoff(t *testing.T) {
	p := peerInfo("10.0.0.1", 6881)
	tier := &fakeTier{peers: []tracker.PeerInfo{p}}
	s, hash := testService(time.Millisecond, tier)

	got, _ := s.Discover(context.Background(), hash, 10)
	if len(got) != 1 {
		t.Fatalf("want %d candidate got %d", 1, len(got))
	}

	s.MarkBad(hash, p.Addr().String())
	time.Sleep(5 * time.Millisecond)

	got, _ = s.Discover(context.Background(), hash, 10)
	if len(got) != 0 {
		t.Errorf("want %d candidates while backing off got %d", 0, len(got))
	}

	s.MarkGood(hash, p.Addr().String())

	got, err := s.Discover(context.Background(), hash, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Errorf("want candidate after MarkGood, got %d", len(got))
	}
}

func TestDiscoverNoPeers(t *testing.T) {
	tier := &fakeTier{}
	s, hash := testService(5*time.Minute, tier)

	// retryBudget is 2: first empty round is tolerated
	if _, err := s.Discover(context.Background(), hash, 10); err != nil {
		t.Fatalf("round 1: unexpected error %v", err)
	}

	_, err := s.Discover(context.Background(), hash, 10)
	if !errs.Is(ErrNoPeers, err) {
		t.Errorf("round 2: want ErrNoPeers got %v", err)
	}
}

func TestDiscoverTrackersDown(t *testing.T) {
	tier := &fakeTier{err: errs.New("connection refused")}
	s, hash := testService(5*time.Minute, tier)

	_, err := s.Discover(context.Background(), hash, 10)
	if !errs.Is(tracker.ErrTrackerUnreachable, err) {
		t.Errorf("want ErrTrackerUnreachable got %v", err)
	}
}

func TestDiscoverUnknownTorrent(t *testing.T) {
	s, _ := testService(5 * time.Minute)

	_, err := s.Discover(context.Background(), InfoHash{1, 2, 3}, 10)
	if !errs.IsKind(errs.NotFound, err) {
		t.Errorf("want NotFound kind got %v", err)
	}
}
