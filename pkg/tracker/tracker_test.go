package tracker

import (
	"encoding/binary"
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestUnmarshalAnnounceResponse(t *testing.T) {
	var data []byte

	header := make([]byte, 20)
	binary.BigEndian.PutUint32(header[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(header[4:8], 1337)
	binary.BigEndian.PutUint32(header[8:12], 1800)
	binary.BigEndian.PutUint32(header[12:16], 3)
	binary.BigEndian.PutUint32(header[16:20], 7)
	data = append(data, header...)

	// Two compact peers
	data = append(data, 127, 0, 0, 1, 0x1a, 0xe1)
	data = append(data, 10, 0, 0, 2, 0x1a, 0xe2)

	var res Response
	if err := unmarshalResponse(data, &res); err != nil {
		t.Fatal(err)
	}

	if res.TxID != 1337 {
		t.Errorf("TxID: want %d got %d", 1337, res.TxID)
	}

	if res.Interval != 1800 {
		t.Errorf("Interval: want %d got %d", 1800, res.Interval)
	}

	if res.NLeechers != 3 || res.NSeeders != 7 {
		t.Errorf("counts: want (3, 7) got (%d, %d)", res.NLeechers, res.NSeeders)
	}

	if len(res.Peers) != 2 {
		t.Fatalf("peers: want %d got %d", 2, len(res.Peers))
	}

	if got := res.Peers[0].Addr().String(); got != "127.0.0.1:6881" {
		t.Errorf("peer 0: want %s got %s", "127.0.0.1:6881", got)
	}

	if got := res.Peers[1].Addr().String(); got != "10.0.0.2:6882" {
		t.Errorf("peer 1: want %s got %s", "10.0.0.2:6882", got)
	}
}

func TestUnmarshalErrorResponse(t *testing.T) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], actionError)
	binary.BigEndian.PutUint32(data[4:8], 42)
	data = append(data, []byte("torrent not registered")...)

	var res Response
	err := unmarshalResponse(data, &res)
	if err == nil {
		t.Fatal("want error, got none")
	}

	if got := err.Error(); got != "torrent not registered" {
		t.Errorf("want %q got %q", "torrent not registered", got)
	}
}

func TestUnmarshalCompactPeers(t *testing.T) {
	_, err := unmarshalCompactPeers([]byte{1, 2, 3, 4})
	if err == nil {
		t.Errorf("want error for truncated peer list, got none")
	}

	peers, err := unmarshalCompactPeers([]byte{192, 168, 0, 1, 0x1a, 0xe1})
	if err != nil {
		t.Fatal(err)
	}

	if len(peers) != 1 {
		t.Fatalf("want %d peer got %d", 1, len(peers))
	}

	if got := peers[0].Addr().String(); got != "192.168.0.1:6881" {
		t.Errorf("want %s got %s", "192.168.0.1:6881", got)
	}
}

func TestScheduleRetryBackoff(t *testing.T) {
	u, _ := url.Parse("udp://tracker.local:1337")
	tr := NewUDPTracker(u)

	var prev time.Duration
	for i := 0; i < 5; i++ {
		tr.scheduleRetry(errTest)

		if tr.interval <= prev {
			t.Errorf("attempt %d: want interval > %s got %s", i, prev, tr.interval)
		}

		prev = tr.interval
	}

	if tr.ShouldAnnounce() {
		t.Errorf("want ShouldAnnounce() == false while backing off")
	}

	// Back-off never exceeds the cap
	for i := 0; i < 20; i++ {
		tr.scheduleRetry(errTest)
	}

	if tr.interval > maxRetryInterval {
		t.Errorf("want interval <= %s got %s", maxRetryInterval, tr.interval)
	}
}

var errTest = errors.New("test error")

func TestNewGroupSchemes(t *testing.T) {
	g := NewGroup([]string{
		"udp://tracker.local:1337",
		"http://tracker.local/announce",
		"wss://tracker.local", // unsupported, skipped
		"://bad",
	})

	if got := g.Len(); got != 2 {
		t.Errorf("want %d trackers got %d", 2, got)
	}
}
