package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/internal/peers"
	"github.com/tovrik/undertow/internal/pieces"
	"github.com/tovrik/undertow/internal/storage"
	"github.com/tovrik/undertow/pkg/bits"
	"github.com/tovrik/undertow/pkg/metainfo"
	"github.com/tovrik/undertow/pkg/wire"
)

const (
	maxBacklog    = 10
	maxUnchoked   = 4
	heartbeatRate = time.Second
)

// A Download drives one torrent from metadata to completion:
// it keeps a swarm of peer connections topped up, schedules
// block requests through the piece ledger, persists verified
// pieces and serves remote requests out of storage.
type Download struct {
	t      *metainfo.Torrent
	ledger *pieces.Ledger
	writer *storage.Writer
	peers  peers.Service

	peerID   [20]byte
	maxPeers int

	mu       sync.Mutex
	state    State
	err      error
	conns    map[string]*wire.Conn
	selected []int // file scope; nil selects everything
	uploaded int64 // bytes served on closed connections

	// rate tracking, sampled by Stat
	lastStatAt time.Time
	lastBytes  metainfo.Size

	cancel context.CancelFunc
}

func newDownload(t *metainfo.Torrent, svc peers.Service, peerID [20]byte, downloadDir string, maxPeers int) (*Download, error) {
	ledger, err := pieces.NewLedger(t)
	if err != nil {
		return nil, err
	}

	writer, err := storage.NewWriter(t, downloadDir)
	if err != nil {
		return nil, err
	}

	if maxPeers == 0 {
		maxPeers = 30
	}

	return &Download{
		t:        t,
		ledger:   ledger,
		writer:   writer,
		peers:    svc,
		peerID:   peerID,
		maxPeers: maxPeers,
		conns:    make(map[string]*wire.Conn),
	}, nil
}

func (d *Download) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

func (d *Download) run(ctx context.Context) {
	d.setState(StateInitializing)

	// Count whatever already verifies on disk before issuing
	// a single request; progress never starts below what a
	// previous run achieved
	d.restore()

	if d.ledger.Complete() {
		d.setState(StateCompleted)
	} else {
		d.setState(StateDownloading)
	}

	ticker := time.NewTicker(heartbeatRate)
	defer ticker.Stop()

	var beats int
	for {
		select {
		case <-ctx.Done():
			d.closeConns()
			return
		case <-ticker.C:
			beats++

			d.fillSwarm(ctx)
			d.pump()

			if beats%10 == 0 {
				d.rotateUnchoke()
			}
		}
	}
}

// restore re-hashes the pieces already on disk
func (d *Download) restore() {
	var restored int

	for i := 0; i < d.t.NumPieces(); i++ {
		data, err := d.writer.ReadPiece(i)
		if err != nil {
			continue
		}

		if d.t.VerifyPiece(i, data) {
			d.ledger.MarkVerified(i)
			restored++
		}
	}

	if restored > 0 {
		log.Info().
			Str("torrent", d.t.HexHash()).
			Int("pieces", restored).
			Msg("restored verified pieces from disk")
	}
}

func (d *Download) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Download) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == s {
		return
	}

	log.Debug().
		Str("torrent", d.t.HexHash()).
		Str("from", d.state.String()).
		Str("to", s.String()).
		Msg("state change")

	d.state = s
}

// fail is terminal: the last error is retained and every
// connection dropped
func (d *Download) fail(err error) {
	d.mu.Lock()
	if d.state == StateFailed {
		d.mu.Unlock()
		return
	}

	d.state = StateFailed
	d.err = err
	d.mu.Unlock()

	log.Error().
		Err(err).
		Str("torrent", d.t.HexHash()).
		Msg("download failed")

	d.closeConns()
}

func (d *Download) closeConns() {
	d.mu.Lock()
	var conns []*wire.Conn
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Pause stops the issuing of new requests and releases every
// in-flight reservation back to the ledger. Connections stay
// open; remote peers are still served.
func (d *Download) Pause() error {
	d.mu.Lock()
	if d.state != StateDownloading {
		state := d.state
		d.mu.Unlock()
		return errs.Wrap(errs.Newf("cannot pause a download in state %s", state), errs.Op("session.Pause"), errs.BadArgument)
	}

	d.state = StatePaused

	var conns []*wire.Conn
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.ReleaseRequests()
	}

	log.Info().Str("torrent", d.t.HexHash()).Msg("paused")
	return nil
}

func (d *Download) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StatePaused {
		return errs.Wrap(errs.Newf("cannot resume a download in state %s", d.state), errs.Op("session.Resume"), errs.BadArgument)
	}

	d.state = StateDownloading
	log.Info().Str("torrent", d.t.HexHash()).Msg("resumed")
	return nil
}

// SetFiles re-scopes the download to the given file indices.
// An empty selection selects every file. Completion is
// re-evaluated against the new scope in both directions.
func (d *Download) SetFiles(ids []int) error {
	if err := d.ledger.SetFiles(ids); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.selected = append([]int(nil), ids...)

	switch {
	case d.ledger.Complete() && d.state == StateDownloading:
		d.state = StateCompleted
	case !d.ledger.Complete() && d.state == StateCompleted:
		d.state = StateDownloading
	}

	return nil
}

func (d *Download) stop() {
	if d.cancel != nil {
		d.cancel()
	}

	d.closeConns()
	d.writer.Close()
}

func (d *Download) numConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Download) fillSwarm(ctx context.Context) {
	if d.State() != StateDownloading {
		return
	}

	want := d.maxPeers - d.numConns()
	if want <= 0 {
		return
	}

	candidates, err := d.peers.Discover(ctx, d.t.InfoHash(), want)
	if err != nil {
		log.Debug().
			Err(err).
			Str("torrent", d.t.HexHash()).
			Msg("discovery came up empty")
		return
	}

	for _, p := range candidates {
		go d.dial(ctx, p.Addr())
	}
}

func (d *Download) dial(ctx context.Context, addr net.Addr) {
	hash := d.t.InfoHash()

	c, err := wire.Dial(ctx, addr, wire.Config{
		PeerID:     d.peerID,
		InfoHash:   hash,
		NumPieces:  d.t.NumPieces(),
		MaxBacklog: maxBacklog,
	})
	if err != nil {
		d.peers.MarkBad(hash, addr.String())
		return
	}

	d.peers.MarkGood(hash, addr.String())
	d.addConn(ctx, c)
}

// addConn wires a handshaked connection into the download
func (d *Download) addConn(ctx context.Context, c *wire.Conn) {
	addr := c.RemoteAddr().String()

	d.mu.Lock()
	_, dup := d.conns[addr]
	if dup || d.state == StateFailed || len(d.conns) >= d.maxPeers {
		d.mu.Unlock()
		c.Close()
		return
	}

	d.conns[addr] = c
	d.mu.Unlock()

	done := make(chan struct{})
	c.OnRelease(d.ledger.Release)
	c.OnClose(d.removeConn)
	c.OnClose(func(*wire.Conn) { close(done) })

	c.Send(wire.BitFieldMessage{BitField: d.ledger.Bitfield().Bytes()})

	go c.Listen(ctx)
	go d.serve(ctx, c, done)

	log.Debug().
		Str("torrent", d.t.HexHash()).
		Str("addr", addr).
		Msg("peer connected")
}

func (d *Download) removeConn(c *wire.Conn) {
	addr := c.RemoteAddr().String()

	d.mu.Lock()
	if _, ok := d.conns[addr]; !ok {
		d.mu.Unlock()
		return
	}

	delete(d.conns, addr)
	d.uploaded += c.Uploaded()
	d.mu.Unlock()

	d.ledger.RemoveAvailability(c.HaveSet())
}

// serve consumes one connection's message stream
func (d *Download) serve(ctx context.Context, c *wire.Conn, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case msg := <-c.Msg:
			d.handleMessage(c, msg)
		}
	}
}

func (d *Download) handleMessage(c *wire.Conn, msg wire.Message) {
	switch v := msg.(type) {
	case wire.BitFieldMessage:
		d.ledger.AddAvailability(bits.BitField(v.BitField))
		d.declareInterest(c)
	case wire.HaveMessage:
		d.ledger.Have(int(v.Index))
		d.declareInterest(c)
	case wire.UnchokeMessage:
		d.pumpConn(c)
	case wire.PieceMessage:
		d.handlePiece(c, v)
	case wire.RequestMessage:
		d.handleRequest(c, v)
	}
}

func (d *Download) declareInterest(c *wire.Conn) {
	if d.State() != StateDownloading {
		return
	}

	if d.ledger.Wants(c.HaveSet()) {
		c.Send(wire.InterestedMessage{})
	}
}

func (d *Download) handlePiece(c *wire.Conn, msg wire.PieceMessage) {
	piece, err := d.ledger.AddBlock(int(msg.Index), int(msg.Offset), msg.Data)
	if err != nil {
		// Corruption is recoverable: the blocks are gone and
		// the piece will be requested again
		log.Debug().
			Err(err).
			Str("torrent", d.t.HexHash()).
			Uint32("piece", msg.Index).
			Msg("rejected block")
		return
	}

	// First receipt wins; withdraw end-game duplicates from
	// everyone else
	d.cancelDuplicates(c, msg)

	if piece == nil {
		d.pumpConn(c)
		return
	}

	if err := d.writer.WritePiece(int(msg.Index), piece); err != nil {
		d.fail(err)
		return
	}

	d.broadcast(wire.HaveMessage{Index: msg.Index})

	if d.ledger.Complete() {
		d.complete()
		return
	}

	d.pumpConn(c)
}

func (d *Download) cancelDuplicates(src *wire.Conn, msg wire.PieceMessage) {
	d.mu.Lock()
	var conns []*wire.Conn
	for _, c := range d.conns {
		if c != src {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.CancelBlock(msg.Index, msg.Offset, uint32(len(msg.Data)))
	}
}

func (d *Download) complete() {
	d.mu.Lock()
	if d.state == StateCompleted || d.state == StateFailed {
		d.mu.Unlock()
		return
	}
	d.state = StateCompleted
	d.mu.Unlock()

	log.Info().
		Str("torrent", d.t.HexHash()).
		Str("name", d.t.Name()).
		Msg("download complete")
}

// handleRequest serves a remote peer's block request out of
// storage. Only verified pieces of unchoked peers are served.
func (d *Download) handleRequest(c *wire.Conn, msg wire.RequestMessage) {
	if c.Choking() {
		return
	}

	if msg.Length > pieces.BlockSize {
		// Protocol violation; drop the peer
		c.Close()
		return
	}

	index := int(msg.Index)
	if !d.ledger.Verified(index) {
		return
	}

	data, err := d.writer.ReadPiece(index)
	if err != nil {
		return
	}

	if int(msg.Offset)+int(msg.Length) > len(data) {
		c.Close()
		return
	}

	c.Send(wire.PieceMessage{
		Index:  msg.Index,
		Offset: msg.Offset,
		Data:   data[msg.Offset : msg.Offset+msg.Length],
	})
}

func (d *Download) broadcast(msg wire.Message) {
	d.mu.Lock()
	var conns []*wire.Conn
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Send(msg)
	}
}

// pump tops up the request backlog of every active connection
func (d *Download) pump() {
	d.mu.Lock()
	var conns []*wire.Conn
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		d.pumpConn(c)
	}
}

func (d *Download) pumpConn(c *wire.Conn) {
	if d.State() != StateDownloading {
		return
	}

	if c.State() != wire.StateActive {
		return
	}

	n := maxBacklog - c.Backlog()
	if n <= 0 {
		return
	}

	reqs := d.ledger.NextRequests(c.HaveSet(), n)
	for i, req := range reqs {
		if err := c.RequestBlock(req.Index, req.Offset, req.Length); err != nil {
			d.ledger.Release(reqs[i:])
			return
		}
	}
}

// rotateUnchoke is the optimistic unchoke pass: one choked
// interested peer is unchoked each round, and the unchoked
// set is capped.
func (d *Download) rotateUnchoke() {
	d.mu.Lock()
	var conns []*wire.Conn
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	var unchoked int
	for _, c := range conns {
		if !c.Choking() {
			unchoked++
		}
	}

	for _, c := range conns {
		if unchoked >= maxUnchoked {
			break
		}

		if c.Choking() && c.Interested() {
			c.Send(wire.UnchokeMessage{})
			unchoked++
		}
	}

	for _, c := range conns {
		if unchoked <= maxUnchoked {
			break
		}

		if !c.Choking() && !c.Interested() {
			c.Send(wire.ChokeMessage{})
			unchoked--
		}
	}
}
