package tracker

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	errs "github.com/tovrik/undertow/internal/errors"
)

// UDP tracker actions
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3
)

// Magic constant that opens every UDP tracker exchange
const udpProtocolID = 0x41727101980

const maxRetryInterval = time.Hour

// ErrTrackerUnreachable marks announce failures that are
// worth retrying after a back-off
var ErrTrackerUnreachable = errs.New("tracker unreachable")

type UDPTracker struct {
	*url.URL

	timeout      time.Duration
	lastAnnounce time.Time
	interval     time.Duration
	seeders      int
	leechers     int
	peers        int
	err          error
	failures     int
}

func (tr *UDPTracker) Stat() Stat {
	return Stat{
		Url:          tr.URL,
		Seeders:      tr.seeders,
		Leechers:     tr.leechers,
		Peers:        tr.peers,
		Err:          tr.err,
		NextAnnounce: tr.lastAnnounce.Add(tr.interval),
	}
}

func (tr *UDPTracker) Err() error {
	return tr.err
}

func (tr *UDPTracker) ShouldAnnounce() bool {
	return !time.Now().Before(tr.lastAnnounce.Add(tr.interval))
}

// udpAnnounceReq is the bit-exact announce packet: a
// connection ID and action header followed by the shared
// request fields in wire order.
type udpAnnounceReq struct {
	ConnID uint64
	Action uint32
	TxID   uint32

	Request
}

type connectReq struct {
	ProtocolID uint64
	Action     uint32
	TxID       uint32
}

type connectRes struct {
	Action uint32
	TxID   uint32
	ConnID uint64
}

func (tr *UDPTracker) Announce(req Request) (*Response, error) {
	var op errs.Op = "tracker.UDPTracker.Announce"

	conn, err := net.DialTimeout("udp", tr.URL.Host, tr.timeout)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(fmt.Errorf("%w: %s", ErrTrackerUnreachable, err), op, errs.Network)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(tr.timeout))

	connID, err := tr.connect(conn)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(fmt.Errorf("%w: %s", ErrTrackerUnreachable, err), op, errs.Network)
	}

	ureq := udpAnnounceReq{
		ConnID:  connID,
		Action:  actionAnnounce,
		TxID:    rand.Uint32(),
		Request: req,
	}

	err = binary.Write(conn, binary.BigEndian, ureq)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(fmt.Errorf("%w: %s", ErrTrackerUnreachable, err), op, errs.Network)
	}

	rcvBuf := make([]byte, 1024)
	n, err := conn.Read(rcvBuf)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(fmt.Errorf("%w: %s", ErrTrackerUnreachable, err), op, errs.Network)
	}

	var res Response
	err = unmarshalResponse(rcvBuf[:n], &res)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errs.Wrap(err, op)
	}

	if res.TxID != ureq.TxID {
		err := fmt.Errorf("transaction IDs do not match: want %d got %d", ureq.TxID, res.TxID)
		tr.scheduleRetry(err)
		return nil, errs.Wrap(err, op)
	}

	tr.lastAnnounce = time.Now()
	tr.interval = time.Second * time.Duration(res.Interval)
	tr.leechers = int(res.NLeechers)
	tr.seeders = int(res.NSeeders)
	tr.peers = len(res.Peers)
	tr.err = nil
	tr.failures = 0

	return &res, nil
}

// connect performs the connect handshake and returns the
// connection ID the tracker assigned
func (tr *UDPTracker) connect(conn net.Conn) (uint64, error) {
	req := connectReq{
		Action:     actionConnect,
		ProtocolID: udpProtocolID,
		TxID:       rand.Uint32(),
	}

	err := binary.Write(conn, binary.BigEndian, req)
	if err != nil {
		return 0, err
	}

	var res connectRes
	err = binary.Read(conn, binary.BigEndian, &res)
	if err != nil {
		return 0, err
	}

	if req.TxID != res.TxID {
		return 0, fmt.Errorf("transaction IDs do not match: want %d got %d", req.TxID, res.TxID)
	}

	if res.Action != req.Action {
		return 0, fmt.Errorf("actions do not match: want %d got %d", req.Action, res.Action)
	}

	return res.ConnID, nil
}

// scheduleRetry backs the tracker off exponentially, capped
// at maxRetryInterval
func (tr *UDPTracker) scheduleRetry(e error) {
	tr.err = e
	tr.lastAnnounce = time.Now()

	interval := time.Duration(15*math.Pow(2, float64(tr.failures))) * time.Second
	if interval > maxRetryInterval {
		interval = maxRetryInterval
	}

	tr.interval = interval
	tr.failures++
}

func unmarshalResponse(data []byte, v *Response) error {
	if len(data) < 8 {
		return errs.Newf("invalid tracker response of length %d", len(data))
	}

	v.Action = binary.BigEndian.Uint32(data[:4])
	v.TxID = binary.BigEndian.Uint32(data[4:8])

	if v.Action == actionError {
		return errs.New(string(data[8:]))
	}

	if v.Action != actionAnnounce {
		return errs.Newf("expected action %d but got %d", actionAnnounce, v.Action)
	}

	if len(data) < 20 {
		return errs.Newf("invalid announce response of length %d", len(data))
	}

	v.Interval = binary.BigEndian.Uint32(data[8:12])
	v.NLeechers = binary.BigEndian.Uint32(data[12:16])
	v.NSeeders = binary.BigEndian.Uint32(data[16:20])

	offset := 20
	for len(data[offset:]) >= 6 {
		v.Peers = append(v.Peers, PeerInfo{
			IP:   net.IP(data[offset : offset+4]),
			Port: binary.BigEndian.Uint16(data[offset+4 : offset+6]),
		})

		offset += 6
	}

	return nil
}

func NewUDPTracker(url *url.URL) *UDPTracker {
	return &UDPTracker{
		URL:     url,
		timeout: 3 * time.Second,
	}
}
