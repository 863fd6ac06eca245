package wire_test

import (
	"bytes"
	"testing"

	"github.com/tovrik/undertow/pkg/wire"
)

func TestHandshakeMessage(t *testing.T) {
	msg := wire.HandshakeMessage{
		InfoHash: [20]byte{1, 2, 3, 4},
		PeerID:   [20]byte{4, 3, 2, 1},
		Reserved: [8]byte{1, 3, 3, 7},
	}

	res := msg.Bytes()

	if len(res) != 68 {
		t.Fatalf("len(handshake) want %d got %d", 68, len(res))
	}

	if res[0] != 19 {
		t.Errorf("pstrlen want %d got %d", 19, res[0])
	}

	if got := string(res[1:20]); got != "BitTorrent protocol" {
		t.Errorf("pstr want %q got %q", "BitTorrent protocol", got)
	}

	if !bytes.Equal(res[20:28], msg.Reserved[:]) {
		t.Errorf("reserved want %v got %v", msg.Reserved, res[20:28])
	}

	if !bytes.Equal(res[28:48], msg.InfoHash[:]) {
		t.Errorf("info hash want %v got %v", msg.InfoHash, res[28:48])
	}

	if !bytes.Equal(res[48:68], msg.PeerID[:]) {
		t.Errorf("peer id want %v got %v", msg.PeerID, res[48:68])
	}

	var parsed wire.HandshakeMessage
	if err := wire.UnmarshalHandshake(bytes.NewReader(res), &parsed); err != nil {
		t.Fatal(err)
	}

	if parsed.InfoHash != msg.InfoHash || parsed.PeerID != msg.PeerID {
		t.Errorf("round trip: want %v got %v", msg, parsed)
	}
}

func TestMessageEncoding(t *testing.T) {
	for i, test := range []struct {
		msg       wire.Message
		wantBytes []byte
	}{
		{
			msg:       wire.KeepAliveMessage{},
			wantBytes: []byte{0, 0, 0, 0},
		},
		{
			msg:       wire.ChokeMessage{},
			wantBytes: []byte{0, 0, 0, 1, 0},
		},
		{
			msg:       wire.UnchokeMessage{},
			wantBytes: []byte{0, 0, 0, 1, 1},
		},
		{
			msg:       wire.InterestedMessage{},
			wantBytes: []byte{0, 0, 0, 1, 2},
		},
		{
			msg:       wire.NotInterestedMessage{},
			wantBytes: []byte{0, 0, 0, 1, 3},
		},
		{
			msg:       wire.HaveMessage{Index: 5},
			wantBytes: []byte{0, 0, 0, 5, 4, 0, 0, 0, 5},
		},
		{
			msg: wire.BitFieldMessage{
				BitField: []byte{1, 134, 155, 155, 0},
			},
			wantBytes: []byte{0, 0, 0, 6, 5, 1, 134, 155, 155, 0},
		},
		{
			msg: wire.RequestMessage{
				Index:  0,
				Offset: 1,
				Length: 134,
			},
			wantBytes: []byte{0, 0, 0, 13, 6, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 134},
		},
		{
			msg: wire.PieceMessage{
				Index:  0,
				Offset: 1,
				Data:   []byte{1, 2, 3, 4, 5},
			},
			wantBytes: []byte{0, 0, 0, 14, 7, 0, 0, 0, 0, 0, 0, 0, 1, 1, 2, 3, 4, 5},
		},
		{
			msg: wire.CancelMessage{
				Index:  0,
				Offset: 1,
				Length: 134,
			},
			wantBytes: []byte{0, 0, 0, 13, 8, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 134},
		},
	} {
		data := test.msg.Bytes()

		if !bytes.Equal(data, test.wantBytes) {
			t.Errorf("%d: want %v got %v", i, test.wantBytes, data)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for i, msg := range []wire.Message{
		wire.KeepAliveMessage{},
		wire.ChokeMessage{},
		wire.UnchokeMessage{},
		wire.InterestedMessage{},
		wire.NotInterestedMessage{},
		wire.HaveMessage{Index: 42},
		wire.BitFieldMessage{BitField: []byte{0xff, 0x80}},
		wire.RequestMessage{Index: 1, Offset: 16384, Length: 16384},
		wire.PieceMessage{Index: 1, Offset: 16384, Data: []byte("block data")},
		wire.CancelMessage{Index: 1, Offset: 16384, Length: 16384},
	} {
		got, err := wire.UnmarshalMessage(bytes.NewReader(msg.Bytes()))
		if err != nil {
			t.Fatalf("%d: %s", i, err)
		}

		if !bytes.Equal(got.Bytes(), msg.Bytes()) {
			t.Errorf("%d: want %v got %v", i, msg.Bytes(), got.Bytes())
		}
	}
}

func TestRejectOversizedMessage(t *testing.T) {
	// Length prefix far beyond one block
	data := []byte{0x00, 0xff, 0xff, 0xff, 7}

	_, err := wire.UnmarshalMessage(bytes.NewReader(data))
	if err == nil {
		t.Errorf("want error for oversized message, got none")
	}
}
