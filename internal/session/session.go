package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/internal/peers"
	"github.com/tovrik/undertow/internal/ports"
	"github.com/tovrik/undertow/pkg/metainfo"
	"github.com/tovrik/undertow/pkg/wire"
)

// PeerID identifies this client instance on the wire
var PeerID = [20]byte{'-', 'U', 'W', '0', '0', '0', '1', '-'}

func init() {
	rand.Read(PeerID[8:])
}

type Config struct {
	// BaseDir holds the registered .torrent files; torrents
	// found there are resumed on startup
	BaseDir string

	// DownloadDir receives the downloaded data
	DownloadDir string

	IP   string
	Port uint16

	// MaxConnections caps the swarm of each download
	MaxConnections int

	UseDHT       bool
	ForwardPorts bool
}

// Session owns every active download, keyed by info hash,
// plus the shared services: peer discovery, the inbound
// listener and UPnP forwarding.
type Session struct {
	cfg   Config
	peers peers.Service
	ports ports.Service

	mu        sync.Mutex
	downloads map[[20]byte]*Download

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(cfg Config) (*Session, error) {
	peerService, err := peers.NewService(peers.Config{
		Port:   cfg.Port,
		PeerID: PeerID,
		UseDHT: cfg.UseDHT,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:       cfg,
		peers:     peerService,
		ports:     ports.NewService(),
		downloads: make(map[[20]byte]*Download),
	}, nil
}

// Init starts the inbound listener, forwards the listening
// port and resumes the torrents registered in BaseDir.
func (s *Session) Init(ctx context.Context) error {
	var op errs.Op = "session.Init"

	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, dir := range []string{s.cfg.BaseDir, s.cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errs.Wrap(err, op, errs.IO)
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.IP, s.cfg.Port))
	if err != nil {
		return errs.Wrap(err, op, errs.Network)
	}
	s.listener = listener

	go s.acceptLoop()

	if s.cfg.ForwardPorts {
		go func() {
			if err := s.ports.Forward(s.cfg.Port); err != nil {
				log.Warn().Err(err).Uint16("port", s.cfg.Port).Msg("UPnP forwarding failed")
			}
		}()
	}

	torrents, err := metainfo.LoadDir(s.cfg.BaseDir)
	if err != nil {
		return err
	}

	for _, t := range torrents {
		if _, err := s.Add(t); err != nil {
			log.Warn().Err(err).Str("torrent", t.HexHash()).Msg("could not resume torrent")
		}
	}

	log.Info().
		Str("addr", listener.Addr().String()).
		Int("torrents", len(torrents)).
		Msg("session started")

	return nil
}

func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	var downloads []*Download
	for _, d := range s.downloads {
		downloads = append(downloads, d)
	}
	s.mu.Unlock()

	for _, d := range downloads {
		d.stop()
	}

	s.ports.Clear(s.cfg.Port)
}

func (s *Session) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}

		go s.handleInbound(nc)
	}
}

// handleInbound answers an incoming handshake if the offered
// info hash belongs to one of our downloads
func (s *Session) handleInbound(nc net.Conn) {
	cfg := wire.Config{PeerID: PeerID}

	c, err := wire.Accept(nc, cfg, func(hash [20]byte) (int, bool) {
		d, ok := s.Get(hash)
		if !ok || d.State() == StateFailed {
			return 0, false
		}

		return d.t.NumPieces(), true
	})
	if err != nil {
		nc.Close()
		return
	}

	d, ok := s.Get(c.InfoHash)
	if !ok {
		c.Close()
		return
	}

	d.addConn(s.ctx, c)
}

// Option adjusts a download before it starts
type Option func(*Download) error

// WithFiles limits the download to the given file indices
func WithFiles(ids ...int) Option {
	return func(d *Download) error {
		return d.SetFiles(ids)
	}
}

// Add registers a torrent and starts downloading it. Magnet
// links whose metadata has not been resolved are rejected.
func (s *Session) Add(t *metainfo.Torrent, opts ...Option) (*Download, error) {
	var op errs.Op = "session.Add"

	if t.Lazy() {
		err := errs.New("torrent metadata not resolved; supply a .torrent file or the info dictionary")
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	hash := t.InfoHash()

	s.mu.Lock()
	if d, ok := s.downloads[hash]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	location := path.Join(s.cfg.BaseDir, fmt.Sprintf("%s.torrent", t.HexHash()))
	if _, err := os.Stat(location); os.IsNotExist(err) {
		if err := metainfo.Save(location, t); err != nil {
			return nil, err
		}
	}

	d, err := newDownload(t, s.peers, PeerID, s.cfg.DownloadDir, s.cfg.MaxConnections)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			d.writer.Close()
			return nil, err
		}
	}

	// The duplicate check above ran unlocked; a concurrent Add
	// may have won the race while the download was being built
	s.mu.Lock()
	if existing, ok := s.downloads[hash]; ok {
		s.mu.Unlock()
		d.writer.Close()
		return existing, nil
	}
	s.downloads[hash] = d
	s.mu.Unlock()

	s.peers.Register(t)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	d.start(ctx)

	log.Info().
		Str("torrent", t.HexHash()).
		Str("name", t.Name()).
		Msg("torrent added")

	return d, nil
}

func (s *Session) Get(hash [20]byte) (*Download, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.downloads[hash]
	return d, ok
}

func (s *Session) get(hash [20]byte, op errs.Op) (*Download, error) {
	d, ok := s.Get(hash)
	if !ok {
		return nil, errs.Wrap(errs.Newf("no torrent with hash %x", hash), op, errs.NotFound)
	}

	return d, nil
}

func (s *Session) Pause(hash [20]byte) error {
	d, err := s.get(hash, "session.Pause")
	if err != nil {
		return err
	}

	return d.Pause()
}

func (s *Session) Resume(hash [20]byte) error {
	d, err := s.get(hash, "session.Resume")
	if err != nil {
		return err
	}

	return d.Resume()
}

func (s *Session) SetFiles(hash [20]byte, ids []int) error {
	d, err := s.get(hash, "session.SetFiles")
	if err != nil {
		return err
	}

	return d.SetFiles(ids)
}

func (s *Session) Stat(hash [20]byte) (DownloadStat, error) {
	d, err := s.get(hash, "session.Stat")
	if err != nil {
		return DownloadStat{}, err
	}

	return d.Stat(), nil
}

// StatAll samples every download, ordered by name
func (s *Session) StatAll() []DownloadStat {
	s.mu.Lock()
	var downloads []*Download
	for _, d := range s.downloads {
		downloads = append(downloads, d)
	}
	s.mu.Unlock()

	var out []DownloadStat
	for _, d := range downloads {
		out = append(out, d.Stat())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

// Remove stops a download and unregisters it. The downloaded
// data stays on disk unless deleteData is set.
func (s *Session) Remove(hash [20]byte, deleteData bool) error {
	var op errs.Op = "session.Remove"

	d, err := s.get(hash, op)
	if err != nil {
		return err
	}

	d.stop()
	s.peers.Unregister(hash)

	s.mu.Lock()
	delete(s.downloads, hash)
	s.mu.Unlock()

	location := path.Join(s.cfg.BaseDir, fmt.Sprintf("%s.torrent", d.t.HexHash()))
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(err, op, errs.IO)
	}

	if deleteData {
		for _, f := range d.t.Files() {
			dest := path.Join(s.cfg.DownloadDir, f.FullPath)
			if len(d.t.Files()) > 1 {
				dest = path.Join(s.cfg.DownloadDir, d.t.Name(), f.FullPath)
			}

			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(err, op, errs.IO)
			}
		}
	}

	return nil
}
