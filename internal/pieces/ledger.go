package pieces

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/pkg/bits"
	"github.com/tovrik/undertow/pkg/metainfo"
	"github.com/tovrik/undertow/pkg/wire"
)

// BlockSize is the request granularity of the peer protocol
const BlockSize = 16 * 1024

// ErrPieceCorrupt is returned by AddBlock when a completed
// piece fails its SHA-1 check. The piece's blocks have been
// discarded and will be requested again; the error is
// informational, not fatal.
var ErrPieceCorrupt = errs.New("piece failed verification")

type status int

const (
	statusMissing status = iota
	statusInProgress
	statusVerified
)

// piece is the block ledger of one in-progress piece
type piece struct {
	received bits.BitField
	pending  []int // in-flight request count per block
	blocks   [][]byte
	have     int
}

// A Ledger tracks every piece of one torrent: which blocks
// have been received, which are in flight, which pieces have
// verified, and how common each piece is in the swarm. All
// methods are safe for concurrent use; a single mutex
// serializes mutation.
type Ledger struct {
	mu sync.Mutex

	t *metainfo.Torrent

	pieces       []*piece
	verified     bits.BitField
	included     bits.BitField
	availability []int
	corruptions  int
}

func NewLedger(t *metainfo.Torrent) (*Ledger, error) {
	if t.Lazy() {
		return nil, errs.Wrap(errs.New("torrent metadata not resolved"), errs.Op("pieces.NewLedger"), errs.BadArgument)
	}

	n := t.NumPieces()

	return &Ledger{
		t:            t,
		pieces:       make([]*piece, n),
		verified:     bits.NewBitField(n),
		included:     bits.Ones(n),
		availability: make([]int, n),
	}, nil
}

func (l *Ledger) numBlocks(index int) int {
	size := int(l.t.PieceSize(index))
	return (size + BlockSize - 1) / BlockSize
}

func (l *Ledger) blockLength(index, block int) int {
	size := int(l.t.PieceSize(index))
	if length := size - block*BlockSize; length < BlockSize {
		return length
	}

	return BlockSize
}

func (l *Ledger) piece(index int) *piece {
	if l.pieces[index] == nil {
		n := l.numBlocks(index)
		l.pieces[index] = &piece{
			received: bits.NewBitField(n),
			pending:  make([]int, n),
			blocks:   make([][]byte, n),
		}
	}

	return l.pieces[index]
}

// AddAvailability counts the pieces of a newly connected
// peer's have-set. RemoveAvailability reverses it when the
// peer goes away.
func (l *Ledger) AddAvailability(have bits.BitField) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.availability {
		if have.Get(i) {
			l.availability[i]++
		}
	}
}

func (l *Ledger) RemoveAvailability(have bits.BitField) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.availability {
		if have.Get(i) && l.availability[i] > 0 {
			l.availability[i]--
		}
	}
}

// Have records a single have message
func (l *Ledger) Have(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index >= 0 && index < len(l.availability) {
		l.availability[index]++
	}
}

// NextRequests picks up to n block requests that the given
// peer can serve. Partially complete pieces are finished
// first, most complete first; fresh pieces are picked rarest
// first. Ties break toward the lowest index. When every
// missing block is already in flight the ledger enters
// end-game mode and hands out duplicate requests.
func (l *Ledger) NextRequests(peerHave bits.BitField, n int) []wire.RequestMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := l.candidates(peerHave)

	var out []wire.RequestMessage
	for _, index := range candidates {
		if len(out) >= n {
			return out
		}

		p := l.piece(index)
		for b := 0; b < l.numBlocks(index) && len(out) < n; b++ {
			if p.received.Get(b) || p.pending[b] > 0 {
				continue
			}

			p.pending[b]++
			out = append(out, l.request(index, b))
		}
	}

	if len(out) > 0 || !l.endgame() {
		return out
	}

	// End-game: everything is in flight somewhere; race the
	// stragglers with duplicate requests, at most one extra
	for _, index := range candidates {
		if len(out) >= n {
			break
		}

		p := l.piece(index)
		for b := 0; b < l.numBlocks(index) && len(out) < n; b++ {
			if p.received.Get(b) || p.pending[b] != 1 {
				continue
			}

			p.pending[b]++
			out = append(out, l.request(index, b))
		}
	}

	return out
}

func (l *Ledger) request(index, block int) wire.RequestMessage {
	return wire.RequestMessage{
		Index:  uint32(index),
		Offset: uint32(block * BlockSize),
		Length: uint32(l.blockLength(index, block)),
	}
}

// candidates lists the indices worth requesting from a peer,
// in selection order
func (l *Ledger) candidates(peerHave bits.BitField) []int {
	var partial, fresh []int

	for i := 0; i < len(l.pieces); i++ {
		if l.verified.Get(i) || !l.included.Get(i) || !peerHave.Get(i) {
			continue
		}

		if p := l.pieces[i]; p != nil && p.have > 0 {
			partial = append(partial, i)
		} else {
			fresh = append(fresh, i)
		}
	}

	sort.SliceStable(partial, func(a, b int) bool {
		pa, pb := l.pieces[partial[a]], l.pieces[partial[b]]
		if pa.have != pb.have {
			return pa.have > pb.have
		}

		return partial[a] < partial[b]
	})

	sort.SliceStable(fresh, func(a, b int) bool {
		av, bv := l.availability[fresh[a]], l.availability[fresh[b]]
		if av != bv {
			return av < bv
		}

		return fresh[a] < fresh[b]
	})

	return append(partial, fresh...)
}

// endgame reports whether every block still missing from the
// included set is in flight
func (l *Ledger) endgame() bool {
	for i := 0; i < len(l.pieces); i++ {
		if l.verified.Get(i) || !l.included.Get(i) {
			continue
		}

		p := l.pieces[i]
		if p == nil {
			return false
		}

		for b := 0; b < l.numBlocks(i); b++ {
			if !p.received.Get(b) && p.pending[b] == 0 {
				return false
			}
		}
	}

	return true
}

// AddBlock records a received block. It is idempotent:
// duplicates of already received blocks are ignored. When the
// block completes its piece the piece is verified against the
// metainfo hash; on a match AddBlock returns the assembled
// piece for storage, on a mismatch every block of the piece
// is discarded and ErrPieceCorrupt is returned.
func (l *Ledger) AddBlock(index int, offset int, data []byte) ([]byte, error) {
	var op errs.Op = "pieces.AddBlock"

	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.pieces) {
		return nil, errs.Wrap(errs.Newf("piece index %d out of range", index), op, errs.BadArgument)
	}

	if offset%BlockSize != 0 {
		return nil, errs.Wrap(errs.Newf("offset %d is not block-aligned", offset), op, errs.BadArgument)
	}

	block := offset / BlockSize
	if block >= l.numBlocks(index) || len(data) != l.blockLength(index, block) {
		return nil, errs.Wrap(errs.Newf("bad block %d/%d of length %d", index, offset, len(data)), op, errs.BadArgument)
	}

	if l.verified.Get(index) {
		return nil, nil
	}

	p := l.piece(index)
	if p.received.Get(block) {
		return nil, nil
	}

	p.blocks[block] = append([]byte(nil), data...)
	p.received.Set(block)
	p.pending[block] = 0
	p.have++

	if p.have < l.numBlocks(index) {
		return nil, nil
	}

	var assembled []byte
	for _, b := range p.blocks {
		assembled = append(assembled, b...)
	}

	if !l.t.VerifyPiece(index, assembled) {
		l.pieces[index] = nil
		l.corruptions++

		log.Warn().
			Str("torrent", l.t.HexHash()).
			Int("piece", index).
			Msg("piece failed verification")

		return nil, errs.Wrap(ErrPieceCorrupt, op)
	}

	l.pieces[index] = nil
	l.verified.Set(index)

	return assembled, nil
}

// Release returns the in-flight requests of a dead or choked
// connection to the pool
func (l *Ledger) Release(reqs []wire.RequestMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, req := range reqs {
		index := int(req.Index)
		if index < 0 || index >= len(l.pieces) || l.pieces[index] == nil {
			continue
		}

		p := l.pieces[index]
		block := int(req.Offset) / BlockSize

		if block < len(p.pending) && p.pending[block] > 0 {
			p.pending[block]--
		}
	}
}

// MarkVerified records a piece that verified outside the
// ledger, e.g. against data already on disk
func (l *Ledger) MarkVerified(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.pieces) {
		return errs.Wrap(errs.Newf("piece index %d out of range", index), errs.Op("pieces.MarkVerified"), errs.BadArgument)
	}

	l.pieces[index] = nil
	return l.verified.Set(index)
}

// SetFiles scopes piece selection to the given file indices.
// Pieces straddling a boundary into an unselected file stay
// included. An empty selection selects everything.
func (l *Ledger) SetFiles(ids []int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := l.t.Files()

	if len(ids) == 0 {
		l.included = bits.Ones(len(l.pieces))
		return nil
	}

	included := bits.NewBitField(len(l.pieces))
	for _, id := range ids {
		if id < 0 || id >= len(files) {
			return errs.Wrap(errs.Newf("no file with index %d", id), errs.Op("pieces.SetFiles"), errs.BadArgument)
		}

		f := files[id]
		for i := f.FirstPiece; i <= f.LastPiece; i++ {
			included.Set(i)
		}
	}

	l.included = included
	return nil
}

// Wants reports whether the peer with the given have-set has
// any piece still missing from the included scope
func (l *Ledger) Wants(have bits.BitField) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < len(l.pieces); i++ {
		if l.included.Get(i) && !l.verified.Get(i) && have.Get(i) {
			return true
		}
	}

	return false
}

// Complete reports whether every included piece has verified
func (l *Ledger) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < len(l.pieces); i++ {
		if l.included.Get(i) && !l.verified.Get(i) {
			return false
		}
	}

	return true
}

// Bitfield returns a copy of the verified set, suitable for a
// bitfield message
func (l *Ledger) Bitfield() bits.BitField {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append(bits.BitField(nil), l.verified...)
}

func (l *Ledger) Verified(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return index >= 0 && index < len(l.pieces) && l.verified.Get(index)
}

type Stat struct {
	Pieces        int
	VerifiedCount int
	InProgress    int
	Corruptions   int

	// Bytes within the selected file scope
	VerifiedBytes metainfo.Size
	TotalBytes    metainfo.Size
}

func (l *Ledger) Stat() Stat {
	l.mu.Lock()
	defer l.mu.Unlock()

	stat := Stat{
		Pieces:      len(l.pieces),
		Corruptions: l.corruptions,
	}

	for i := 0; i < len(l.pieces); i++ {
		if l.pieces[i] != nil && l.pieces[i].have > 0 {
			stat.InProgress++
		}

		if !l.included.Get(i) {
			continue
		}

		stat.TotalBytes += l.t.PieceSize(i)

		if l.verified.Get(i) {
			stat.VerifiedCount++
			stat.VerifiedBytes += l.t.PieceSize(i)
		}
	}

	return stat
}
