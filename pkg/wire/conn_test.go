package wire_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tovrik/undertow/pkg/wire"
)

var testHash = [20]byte{1, 3, 3, 7}

// fakePeer speaks just enough of the protocol to exercise
// Conn: it answers the handshake and then echoes nothing
// until told to.
func fakePeer(t *testing.T, ln net.Listener, numPieces int) chan net.Conn {
	t.Helper()

	out := make(chan net.Conn, 1)

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}

		var hs wire.HandshakeMessage
		if err := wire.UnmarshalHandshake(nc, &hs); err != nil {
			nc.Close()
			return
		}

		reply := wire.HandshakeMessage{
			InfoHash: hs.InfoHash,
			PeerID:   [20]byte{9, 9, 9},
		}
		nc.Write(reply.Bytes())

		out <- nc
	}()

	return out
}

func dialTestConn(t *testing.T, cfg wire.Config) (*wire.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	remoteCh := fakePeer(t, ln, cfg.NumPieces)

	conn, err := wire.Dial(context.Background(), ln.Addr(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	remote := <-remoteCh
	t.Cleanup(func() { remote.Close() })

	return conn, remote
}

func TestDialHandshake(t *testing.T) {
	conn, _ := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		PeerID:    [20]byte{1, 2, 3},
		NumPieces: 8,
	})

	if got := conn.State(); got != wire.StateActive {
		t.Errorf("state after handshake: want %s got %s", wire.StateActive, got)
	}

	if conn.ID[0] != 9 {
		t.Errorf("want remote peer id recorded, got %v", conn.ID)
	}
}

func TestBacklogCap(t *testing.T) {
	conn, _ := dialTestConn(t, wire.Config{
		InfoHash:   testHash,
		NumPieces:  8,
		MaxBacklog: 2,
	})

	if err := conn.RequestBlock(0, 0, 16384); err != nil {
		t.Fatal(err)
	}
	if err := conn.RequestBlock(0, 16384, 16384); err != nil {
		t.Fatal(err)
	}

	err := conn.RequestBlock(0, 32768, 16384)
	if err == nil {
		t.Fatalf("want backlog error on request %d, got none", 3)
	}

	if got := conn.Backlog(); got != 2 {
		t.Errorf("backlog: want %d got %d", 2, got)
	}
}

func TestChokeReleasesRequests(t *testing.T) {
	conn, remote := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	released := make(chan []wire.RequestMessage, 1)
	conn.OnRelease(func(reqs []wire.RequestMessage) {
		released <- reqs
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Listen(ctx)

	if err := conn.RequestBlock(3, 0, 16384); err != nil {
		t.Fatal(err)
	}

	remote.Write(wire.ChokeMessage{}.Bytes())

	select {
	case reqs := <-released:
		if len(reqs) != 1 || reqs[0].Index != 3 {
			t.Errorf("released: want request for piece %d got %v", 3, reqs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for released requests")
	}

	// drain the choke message itself
	<-conn.Msg

	if got := conn.State(); got != wire.StateChoked {
		t.Errorf("state after choke: want %s got %s", wire.StateChoked, got)
	}

	err := conn.RequestBlock(3, 0, 16384)
	if err == nil {
		t.Errorf("want request error while choked, got none")
	}

	remote.Write(wire.UnchokeMessage{}.Bytes())
	<-conn.Msg

	if got := conn.State(); got != wire.StateActive {
		t.Errorf("state after unchoke: want %s got %s", wire.StateActive, got)
	}
}

func TestCloseReleasesRequests(t *testing.T) {
	conn, _ := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	released := make(chan []wire.RequestMessage, 1)
	conn.OnRelease(func(reqs []wire.RequestMessage) {
		released <- reqs
	})

	if err := conn.RequestBlock(1, 0, 16384); err != nil {
		t.Fatal(err)
	}
	if err := conn.RequestBlock(2, 0, 16384); err != nil {
		t.Fatal(err)
	}

	conn.Close()

	select {
	case reqs := <-released:
		if len(reqs) != 2 {
			t.Errorf("released: want %d requests got %d", 2, len(reqs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for released requests")
	}

	if got := conn.State(); got != wire.StateClosing {
		t.Errorf("state after close: want %s got %s", wire.StateClosing, got)
	}
}

func TestBitFieldValidation(t *testing.T) {
	for _, tc := range []struct {
		name      string
		numPieces int
		field     []byte
		wantClose bool
	}{
		{"exact length", 8, []byte{0b10100000}, false},
		{"spare bits zero", 6, []byte{0b10100000}, false},
		{"too long", 8, []byte{0b10100000, 0x00}, true},
		{"too short", 16, []byte{0b10100000}, true},
		{"spare bits set", 6, []byte{0b10100111}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conn, remote := dialTestConn(t, wire.Config{
				InfoHash:  testHash,
				NumPieces: tc.numPieces,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go conn.Listen(ctx)

			remote.Write(wire.BitFieldMessage{BitField: tc.field}.Bytes())

			if tc.wantClose {
				deadline := time.Now().Add(2 * time.Second)
				for !conn.Closed() {
					if time.Now().After(deadline) {
						t.Fatal("timed out waiting for the connection to close")
					}
					time.Sleep(5 * time.Millisecond)
				}

				if got := conn.State(); got != wire.StateClosing {
					t.Errorf("state: want %s got %s", wire.StateClosing, got)
				}
				return
			}

			select {
			case <-conn.Msg:
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for the bitfield message")
			}

			if !conn.HasPiece(0) {
				t.Errorf("want piece %d in the have-set", 0)
			}
		})
	}
}

func TestRemoteInterestTracking(t *testing.T) {
	conn, remote := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Listen(ctx)

	if conn.Interested() {
		t.Errorf("want no interest before the message arrives")
	}

	remote.Write(wire.InterestedMessage{}.Bytes())
	<-conn.Msg

	if !conn.Interested() {
		t.Errorf("want interest after the interested message")
	}

	remote.Write(wire.NotInterestedMessage{}.Bytes())
	<-conn.Msg

	if conn.Interested() {
		t.Errorf("want no interest after the not-interested message")
	}
}

func TestChokeAccounting(t *testing.T) {
	conn, _ := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	if !conn.Choking() {
		t.Errorf("want a fresh connection to choke the remote")
	}

	if err := conn.Send(wire.UnchokeMessage{}); err != nil {
		t.Fatal(err)
	}
	if conn.Choking() {
		t.Errorf("want choking false after sending unchoke")
	}

	if err := conn.Send(wire.ChokeMessage{}); err != nil {
		t.Fatal(err)
	}
	if !conn.Choking() {
		t.Errorf("want choking true after sending choke")
	}
}

func TestUploadAccounting(t *testing.T) {
	conn, _ := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	data := make([]byte, 16384)
	if err := conn.Send(wire.PieceMessage{Index: 0, Offset: 0, Data: data}); err != nil {
		t.Fatal(err)
	}

	if got := conn.Uploaded(); got != int64(len(data)) {
		t.Errorf("uploaded: want %d got %d", len(data), got)
	}
}

func TestRemoteHaveSet(t *testing.T) {
	conn, remote := dialTestConn(t, wire.Config{
		InfoHash:  testHash,
		NumPieces: 8,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Listen(ctx)

	remote.Write(wire.BitFieldMessage{BitField: []byte{0b10100000}}.Bytes())
	<-conn.Msg

	if !conn.HasPiece(0) || conn.HasPiece(1) || !conn.HasPiece(2) {
		t.Errorf("bitfield: want pieces 0 and 2 only")
	}

	remote.Write(wire.HaveMessage{Index: 5}.Bytes())
	<-conn.Msg

	if !conn.HasPiece(5) {
		t.Errorf("want piece %d after have message", 5)
	}
}
