package pieces_test

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/namvu9/bencode"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/internal/pieces"
	"github.com/tovrik/undertow/pkg/bits"
	"github.com/tovrik/undertow/pkg/metainfo"
)

func hashPieces(data []byte, pieceLength int) []byte {
	var out []byte
	for offset := 0; offset < len(data); offset += pieceLength {
		end := offset + pieceLength
		if end > len(data) {
			end = len(data)
		}

		hash := sha1.Sum(data[offset:end])
		out = append(out, hash[:]...)
	}

	return out
}

// testTorrent builds a single-file torrent whose piece hashes
// match the given payload
func testTorrent(t *testing.T, pieceLength int, data []byte) *metainfo.Torrent {
	t.Helper()

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes("data.bin"))
	info.SetStringKey("piece length", bencode.Integer(pieceLength))
	info.SetStringKey("pieces", bencode.Bytes(hashPieces(data, pieceLength)))
	info.SetStringKey("length", bencode.Integer(len(data)))

	var dict bencode.Dictionary
	dict.SetStringKey("announce", bencode.Bytes("udp://tracker.local:1337"))
	dict.SetStringKey("info", &info)

	raw, err := bencode.Marshal(&dict)
	if err != nil {
		t.Fatal(err)
	}

	tor, err := metainfo.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	return tor
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}

	return out
}

func newLedger(t *testing.T, pieceLength int, data []byte) *pieces.Ledger {
	t.Helper()

	l, err := pieces.NewLedger(testTorrent(t, pieceLength, data))
	if err != nil {
		t.Fatal(err)
	}

	return l
}

func haveSet(n int, indices ...int) bits.BitField {
	bf := bits.NewBitField(n)
	for _, i := range indices {
		bf.Set(i)
	}

	return bf
}

func TestRarestFirst(t *testing.T) {
	data := pattern(16)
	l := newLedger(t, 4, data)

	// Pieces 2 and 3 are held by two peers, 0 and 1 by one
	l.AddAvailability(bits.Ones(4))
	l.AddAvailability(haveSet(4, 2, 3))

	got := l.NextRequests(bits.Ones(4), 2)
	if len(got) != 2 {
		t.Fatalf("want %d requests got %d", 2, len(got))
	}

	if got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("want rarest pieces [0 1] got [%d %d]", got[0].Index, got[1].Index)
	}
}

func TestFinishPartialFirst(t *testing.T) {
	data := pattern(2 * 32768)
	l := newLedger(t, 32768, data)

	// Piece 1 has its first block already
	if _, err := l.AddBlock(1, 0, data[32768:32768+16384]); err != nil {
		t.Fatal(err)
	}

	got := l.NextRequests(bits.Ones(2), 1)
	if len(got) != 1 {
		t.Fatalf("want %d request got %d", 1, len(got))
	}

	if got[0].Index != 1 || got[0].Offset != 16384 {
		t.Errorf("want remaining block (1, 16384) got (%d, %d)", got[0].Index, got[0].Offset)
	}
}

func TestAddBlockIdempotent(t *testing.T) {
	data := pattern(2 * 32768)
	l := newLedger(t, 32768, data)

	if _, err := l.AddBlock(0, 0, data[:16384]); err != nil {
		t.Fatal(err)
	}

	piece, err := l.AddBlock(0, 16384, data[16384:32768])
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(piece, data[:32768]) {
		t.Errorf("want assembled piece returned on completion")
	}

	// Duplicates of a verified piece's blocks are ignored
	piece, err = l.AddBlock(0, 0, data[:16384])
	if err != nil {
		t.Fatal(err)
	}

	if piece != nil {
		t.Errorf("want nil piece for duplicate block")
	}

	if got := l.Stat().VerifiedCount; got != 1 {
		t.Errorf("want %d verified piece got %d", 1, got)
	}
}

func TestCorruptPieceRerequested(t *testing.T) {
	data := pattern(4)
	l := newLedger(t, 4, data)

	_, err := l.AddBlock(0, 0, []byte{9, 9, 9, 9})
	if !errs.Is(pieces.ErrPieceCorrupt, err) {
		t.Fatalf("want ErrPieceCorrupt got %v", err)
	}

	if got := l.Stat().Corruptions; got != 1 {
		t.Errorf("want %d corruption got %d", 1, got)
	}

	// The piece went back to missing and is requestable again
	got := l.NextRequests(bits.Ones(1), 1)
	if len(got) != 1 || got[0].Index != 0 {
		t.Fatalf("want piece 0 requestable again, got %v", got)
	}

	// The correct data verifies
	piece, err := l.AddBlock(0, 0, data)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(piece, data) {
		t.Errorf("want piece to verify with correct data")
	}
}

func TestReleaseRequeues(t *testing.T) {
	data := pattern(4)
	l := newLedger(t, 4, data)

	first := l.NextRequests(bits.Ones(1), 1)
	if len(first) != 1 {
		t.Fatalf("want %d request got %d", 1, len(first))
	}

	// In flight: nothing left to hand out
	if got := l.NextRequests(bits.Ones(1), 1); len(got) != 1 {
		// end-game duplicate is permitted here
		t.Logf("end-game duplicate: %v", got)
	}

	l.Release(first)

	got := l.NextRequests(bits.Ones(1), 1)
	if len(got) != 1 || got[0] != first[0] {
		t.Errorf("want released request %v handed out again, got %v", first, got)
	}
}

func TestEndgameDuplicates(t *testing.T) {
	data := pattern(4)
	l := newLedger(t, 4, data)

	if got := l.NextRequests(bits.Ones(1), 5); len(got) != 1 {
		t.Fatalf("want %d request got %d", 1, len(got))
	}

	// Every missing block is in flight; one duplicate allowed
	if got := l.NextRequests(bits.Ones(1), 5); len(got) != 1 {
		t.Fatalf("want %d duplicate request got %d", 1, len(got))
	}

	if got := l.NextRequests(bits.Ones(1), 5); len(got) != 0 {
		t.Errorf("want no third duplicate, got %d", len(got))
	}
}

func TestSetFilesScopesSelection(t *testing.T) {
	// Piece length 4; files of 6, 3 and 3 bytes. File 0 spans
	// pieces 0-1, file 1 straddles 1-2, file 2 sits in piece 2.
	data := pattern(12)

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes("multi"))
	info.SetStringKey("piece length", bencode.Integer(4))
	info.SetStringKey("pieces", bencode.Bytes(hashPieces(data, 4)))

	var fileList bencode.List
	for i, length := range []int{6, 3, 3} {
		var f bencode.Dictionary
		f.SetStringKey("length", bencode.Integer(length))
		f.SetStringKey("path", bencode.List{bencode.Bytes(string(rune('a' + i)))})
		fileList = append(fileList, &f)
	}
	info.SetStringKey("files", fileList)

	var dict bencode.Dictionary
	dict.SetStringKey("announce", bencode.Bytes("udp://tracker.local:1337"))
	dict.SetStringKey("info", &info)

	raw, err := bencode.Marshal(&dict)
	if err != nil {
		t.Fatal(err)
	}

	tor, err := metainfo.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	l, err := pieces.NewLedger(tor)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name string
		ids  []int
		want []uint32
	}{
		{"first file", []int{0}, []uint32{0, 1}},
		{"straddling file", []int{1}, []uint32{1, 2}},
		{"last file", []int{2}, []uint32{2}},
		{"everything", nil, []uint32{0, 1, 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := l.SetFiles(tc.ids); err != nil {
				t.Fatal(err)
			}

			reqs := l.NextRequests(bits.Ones(3), 10)
			defer l.Release(reqs)

			var got []uint32
			for _, req := range reqs {
				got = append(got, req.Index)
			}

			if len(got) != len(tc.want) {
				t.Fatalf("want pieces %v got %v", tc.want, got)
			}

			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("want pieces %v got %v", tc.want, got)
				}
			}
		})
	}

	if err := l.SetFiles([]int{7}); !errs.IsKind(errs.BadArgument, err) {
		t.Errorf("want BadArgument for unknown file id, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	data := pattern(8)
	l := newLedger(t, 4, data)

	if l.Complete() {
		t.Fatal("want Complete() == false before any pieces verify")
	}

	for i := 0; i < 2; i++ {
		if _, err := l.AddBlock(i, 0, data[i*4:(i+1)*4]); err != nil {
			t.Fatal(err)
		}
	}

	if !l.Complete() {
		t.Error("want Complete() == true with every piece verified")
	}

	if got := l.NextRequests(bits.Ones(2), 5); len(got) != 0 {
		t.Errorf("want no requests after completion, got %d", len(got))
	}
}
