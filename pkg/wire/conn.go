package wire

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/pkg/bits"
)

// State identifies where a peer connection is in its
// lifecycle. Transitions are computed by nextState as a
// pure function of (state, event); Conn only ever moves
// through nextState.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive

	// The remote peer has choked us; no requests are issued
	// until it unchokes
	StateChoked

	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateChoked:
		return "choked"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type event int

const (
	evDialed event = iota
	evHandshakeOK
	evChoke
	evUnchoke
	evViolation
	evTimeout
	evClose
)

func nextState(s State, ev event) State {
	if s == StateClosing {
		return StateClosing
	}

	switch ev {
	case evDialed:
		if s == StateConnecting {
			return StateHandshaking
		}
	case evHandshakeOK:
		if s == StateHandshaking {
			return StateActive
		}
	case evChoke:
		if s == StateActive {
			return StateChoked
		}
	case evUnchoke:
		if s == StateChoked {
			return StateActive
		}
	case evViolation, evTimeout, evClose:
		return StateClosing
	}

	return s
}

var (
	// ErrBacklogFull is returned by RequestBlock when the
	// per-connection pipelining cap has been reached
	ErrBacklogFull = errs.New("request backlog full")

	// ErrNotActive is returned when requests are issued on a
	// connection that is choked, still handshaking, or closing
	ErrNotActive = errs.New("connection is not active")
)

type Config struct {
	PeerID   [20]byte
	InfoHash [20]byte

	// Number of pieces in the torrent; sizes the remote
	// have-set before its bitfield arrives
	NumPieces int

	// Pipelining cap: the largest number of block requests
	// kept in flight at once
	MaxBacklog int

	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	KeepAliveInterval time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxBacklog == 0 {
		cfg.MaxBacklog = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Minute
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 2 * time.Minute
	}
}

// Conn is one peer-wire session. It owns the socket after a
// successful handshake: Listen pumps decoded messages onto
// Msg, tracks the remote's have-set and mirrors
// choke/unchoke into the connection state.
type Conn struct {
	net.Conn

	// The remote peer's ID as reported in its handshake
	ID       []byte
	InfoHash [20]byte

	cfg Config

	mu       sync.Mutex
	state    State
	requests []RequestMessage
	closed   bool

	// pieces is the remote's have-set. Mutated only by
	// Listen.
	pieces bits.BitField

	// The remote peer wants pieces we have
	interested bool

	// We are choking the remote peer
	choking bool

	uploaded   int64
	downloaded int64

	lastReceived time.Time
	lastSent     time.Time

	Msg chan Message

	onClose   []func(*Conn)
	onRelease func([]RequestMessage)
}

func newConn(nc net.Conn, cfg Config) *Conn {
	cfg.applyDefaults()

	return &Conn{
		Conn:         nc,
		cfg:          cfg,
		state:        StateConnecting,
		choking:      true,
		pieces:       bits.NewBitField(cfg.NumPieces),
		Msg:          make(chan Message, 32),
		lastReceived: time.Now(),
		lastSent:     time.Now(),
	}
}

// Dial opens, handshakes and activates an outbound peer
// connection
func Dial(ctx context.Context, addr net.Addr, cfg Config) (*Conn, error) {
	var op errs.Op = "wire.Dial"

	cfg.applyDefaults()

	var d net.Dialer
	d.Timeout = cfg.DialTimeout

	nc, err := d.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, errs.Wrap(err, op, errs.Network)
	}

	c := newConn(nc, cfg)
	c.transition(evDialed)

	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, errs.Wrap(err, op)
	}

	c.transition(evHandshakeOK)

	return c, nil
}

// Accept wraps an inbound socket: it reads the remote's
// handshake first and replies with ours. lookup decides
// whether the offered info hash is one the caller serves
// and, if so, how many pieces that torrent has.
func Accept(nc net.Conn, cfg Config, lookup func([20]byte) (int, bool)) (*Conn, error) {
	var op errs.Op = "wire.Accept"

	c := newConn(nc, cfg)
	c.transition(evDialed)

	var msg HandshakeMessage
	nc.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := UnmarshalHandshake(nc, &msg); err != nil {
		return nil, errs.Wrap(err, op)
	}
	nc.SetReadDeadline(time.Time{})

	numPieces, ok := lookup(msg.InfoHash)
	if !ok {
		err := fmt.Errorf("unknown info hash: %x", msg.InfoHash)
		return nil, errs.Wrap(err, op, errs.NotFound)
	}

	c.ID = msg.PeerID[:]
	c.InfoHash = msg.InfoHash
	c.cfg.InfoHash = msg.InfoHash
	c.cfg.NumPieces = numPieces
	c.mu.Lock()
	c.pieces = bits.NewBitField(numPieces)
	c.mu.Unlock()

	out := HandshakeMessage{
		InfoHash: msg.InfoHash,
		PeerID:   c.cfg.PeerID,
	}
	if _, err := c.write(out.Bytes()); err != nil {
		return nil, errs.Wrap(err, op, errs.Network)
	}

	c.transition(evHandshakeOK)

	return c, nil
}

// handshake is the outbound side: write ours, then read and
// validate theirs
func (c *Conn) handshake() error {
	out := HandshakeMessage{
		InfoHash: c.cfg.InfoHash,
		PeerID:   c.cfg.PeerID,
	}

	c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := c.write(out.Bytes()); err != nil {
		return err
	}

	var msg HandshakeMessage
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := UnmarshalHandshake(c.Conn, &msg); err != nil {
		return err
	}
	c.Conn.SetReadDeadline(time.Time{})

	if msg.PStr != pStr {
		return errs.Newf("protocol string: want %q got %q", pStr, msg.PStr)
	}

	if !bytes.Equal(msg.InfoHash[:], c.cfg.InfoHash[:]) {
		return errs.Newf("handshake info hash %x does not match %x", msg.InfoHash, c.cfg.InfoHash)
	}

	c.ID = msg.PeerID[:]
	c.InfoHash = msg.InfoHash

	return nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) transition(ev event) {
	c.mu.Lock()
	c.state = nextState(c.state, ev)
	c.mu.Unlock()
}

// HasPiece reports whether the remote peer claims to have
// the piece at index
func (c *Conn) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pieces.Get(index)
}

// HaveSet returns a copy of the remote's have-set
func (c *Conn) HaveSet() bits.BitField {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(bits.BitField, len(c.pieces))
	copy(out, c.pieces)
	return out
}

// Interested reports whether the remote peer has declared
// interest in our pieces
func (c *Conn) Interested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interested
}

// Choking reports whether we are choking the remote peer
func (c *Conn) Choking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.choking
}

// Uploaded returns the number of piece bytes served to the
// remote peer
func (c *Conn) Uploaded() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploaded
}

// Downloaded returns the number of piece bytes received from
// the remote peer
func (c *Conn) Downloaded() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloaded
}

// Backlog returns the number of in-flight block requests
func (c *Conn) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// RequestBlock queues a block request on the wire. The
// in-flight cap bounds the memory a slow or hostile peer
// can pin.
func (c *Conn) RequestBlock(index, offset, length uint32) error {
	var op errs.Op = "wire.RequestBlock"

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return errs.Wrap(ErrNotActive, op)
	}

	if len(c.requests) >= c.cfg.MaxBacklog {
		c.mu.Unlock()
		return errs.Wrap(ErrBacklogFull, op)
	}

	msg := RequestMessage{Index: index, Offset: offset, Length: length}
	c.requests = append(c.requests, msg)
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.dropRequest(index, offset)
		return errs.Wrap(err, op, errs.Network)
	}

	return nil
}

// CancelBlock withdraws an in-flight request
func (c *Conn) CancelBlock(index, offset, length uint32) error {
	if !c.dropRequest(index, offset) {
		return nil
	}

	return c.Send(CancelMessage{Index: index, Offset: offset, Length: length})
}

func (c *Conn) dropRequest(index, offset uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, req := range c.requests {
		if req.Index == index && req.Offset == offset {
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			return true
		}
	}

	return false
}

// takeRequests empties the in-flight backlog and returns it
func (c *Conn) takeRequests() []RequestMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.requests
	c.requests = nil
	return out
}

// ReleaseRequests empties the in-flight backlog and hands it
// back through the OnRelease hook without closing the
// connection. Used when the caller stops downloading but
// wants to keep the session open.
func (c *Conn) ReleaseRequests() {
	c.release()
}

// OnRelease registers the callback that receives the
// connection's outstanding requests whenever they can no
// longer be served: on choke, on timeout and on close. The
// requests are handed back, never silently dropped.
func (c *Conn) OnRelease(fn func([]RequestMessage)) {
	c.onRelease = fn
}

func (c *Conn) OnClose(fn func(*Conn)) {
	c.onClose = append(c.onClose, fn)
}

func (c *Conn) release() {
	reqs := c.takeRequests()
	if len(reqs) > 0 && c.onRelease != nil {
		c.onRelease(reqs)
	}
}

func (c *Conn) Send(msg Message) error {
	switch msg.(type) {
	case ChokeMessage:
		c.mu.Lock()
		c.choking = true
		c.mu.Unlock()
	case UnchokeMessage:
		c.mu.Lock()
		c.choking = false
		c.mu.Unlock()
	}

	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.write(msg.Bytes())
	if err != nil {
		c.Close()
		return err
	}

	if piece, ok := msg.(PieceMessage); ok {
		c.mu.Lock()
		c.uploaded += int64(len(piece.Data))
		c.mu.Unlock()
	}

	return nil
}

func (c *Conn) write(data []byte) (int, error) {
	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()

	n, err := c.Conn.Write(data)
	if err != nil {
		return n, errs.Wrap(err, errs.Network)
	}

	return n, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = nextState(c.state, evClose)
	c.mu.Unlock()

	c.release()

	for _, fn := range c.onClose {
		fn(c)
	}

	return c.Conn.Close()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Listen decodes messages off the wire until the connection
// closes. Keep-alives are sent on an idle timer; a read
// deadline bounds how long a silent peer is kept around.
func (c *Conn) Listen(ctx context.Context) {
	go c.keepAlive(ctx)

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		default:
		}

		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		msg, err := UnmarshalMessage(c.Conn)
		if err != nil {
			if errs.IsKind(errs.BadArgument, err) {
				c.transition(evViolation)
			} else {
				c.transition(evTimeout)
			}

			c.Close()
			return
		}

		c.mu.Lock()
		c.lastReceived = time.Now()
		c.mu.Unlock()

		switch v := msg.(type) {
		case KeepAliveMessage:
			continue
		case ChokeMessage:
			c.transition(evChoke)
			c.release()
		case UnchokeMessage:
			c.transition(evUnchoke)
		case InterestedMessage:
			c.mu.Lock()
			c.interested = true
			c.mu.Unlock()
		case NotInterestedMessage:
			c.mu.Lock()
			c.interested = false
			c.mu.Unlock()
		case HaveMessage:
			c.mu.Lock()
			c.pieces.Set(int(v.Index))
			c.mu.Unlock()
		case BitFieldMessage:
			if !c.validBitField(v.BitField) {
				c.transition(evViolation)
				c.Close()
				return
			}

			c.mu.Lock()
			c.pieces = bits.BitField(v.BitField)
			c.mu.Unlock()
		case PieceMessage:
			c.mu.Lock()
			c.downloaded += int64(len(v.Data))
			c.mu.Unlock()
			c.dropRequest(v.Index, v.Offset)
		}

		select {
		case c.Msg <- msg:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// validBitField checks a remote bitfield against the torrent's
// piece count: the payload must be exactly ceil(n/8) bytes and
// the spare low bits of the last byte must be zero.
func (c *Conn) validBitField(field []byte) bool {
	n := c.cfg.NumPieces

	if len(field) != (n+7)/8 {
		return false
	}

	if spare := len(field)*8 - n; spare > 0 {
		mask := byte(1<<uint(spare)) - 1
		if field[len(field)-1]&mask != 0 {
			return false
		}
	}

	return true
}

func (c *Conn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Closed() {
				return
			}

			c.mu.Lock()
			idle := time.Since(c.lastSent)
			c.mu.Unlock()

			if idle >= c.cfg.KeepAliveInterval {
				c.Send(KeepAliveMessage{})
			}
		}
	}
}
