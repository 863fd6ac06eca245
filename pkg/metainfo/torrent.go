package metainfo

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/url"
	"path"
	"regexp"

	"github.com/namvu9/bencode"
	errs "github.com/tovrik/undertow/internal/errors"
)

// ErrMalformedMetadata is returned when a torrent's
// required fields (piece length, hash list, file lengths)
// are absent or inconsistent with each other.
var ErrMalformedMetadata = errs.New("malformed metadata")

// Torrent wraps the bencoded dictionary that describes one
// or more files. It is immutable after a successful Load,
// with one exception: a torrent created from a magnet URI
// has no info dictionary until SetInfo supplies one.
type Torrent struct {
	dict *bencode.Dictionary

	files []File
}

// Lazy reports whether the torrent's info dictionary has
// yet to be fetched from the swarm. Torrents loaded from a
// magnet URI are lazy until SetInfo is called.
func (t *Torrent) Lazy() bool {
	_, ok := t.Info()
	return !ok
}

// Info returns the torrent's info dictionary and true if
// the dictionary exists
func (t *Torrent) Info() (*bencode.Dictionary, bool) {
	v, ok := t.dict.GetDict("info")
	if !ok {
		return nil, false
	}

	return v, true
}

// SetInfo installs an info dictionary fetched out-of-band,
// e.g. from peers after a magnet load. The dictionary is
// rejected unless its SHA-1 hash matches the torrent's
// info hash.
func (t *Torrent) SetInfo(info *bencode.Dictionary) error {
	var op errs.Op = "metainfo.SetInfo"

	data, err := bencode.Marshal(info)
	if err != nil {
		return errs.Wrap(err, op, errs.BadArgument)
	}

	refHash := t.InfoHash()
	hash := sha1.Sum(data)

	if !bytes.Equal(refHash[:], hash[:]) {
		err := fmt.Errorf("%w: info dict hash %x does not match %x", ErrMalformedMetadata, hash, refHash)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	t.dict.SetStringKey("info", info)
	t.files = nil

	return t.validate()
}

// Dict returns the torrent's underlying bencoded dictionary
func (t *Torrent) Dict() *bencode.Dictionary {
	return t.dict
}

// Bytes returns the torrent's bencoded form
func (t *Torrent) Bytes() []byte {
	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return []byte{}
	}

	return data
}

// Name returns the name of the torrent if it has one. For
// magnet-derived torrents this is the 'dn' display name.
func (t *Torrent) Name() string {
	info, ok := t.Info()
	if ok {
		name, _ := info.GetString("name")
		return name
	}

	name, _ := t.dict.GetString("dn")
	return name
}

func (t *Torrent) PieceLength() Size {
	info, ok := t.Info()
	if !ok {
		return 0
	}

	pieceLength, _ := info.GetInteger("piece length")

	return Size(pieceLength)
}

// Pieces returns the expected SHA-1 hashes of the pieces
// that constitute the torrent data, one 20-byte hash per
// piece, in piece order.
func (t *Torrent) Pieces() [][]byte {
	info, ok := t.Info()
	if !ok {
		return [][]byte{}
	}

	piecesBytes, ok := info.GetBytes("pieces")
	if !ok {
		return [][]byte{}
	}

	nPieces := len(piecesBytes) / 20
	pieces := make([][]byte, 0, nPieces)
	for i := 0; i < nPieces; i++ {
		pieces = append(pieces, piecesBytes[i*20:(i+1)*20])
	}

	return pieces
}

func (t *Torrent) NumPieces() int {
	return len(t.Pieces())
}

// PieceSize returns the byte length of the piece at index.
// The final piece is usually shorter than the torrent's
// nominal piece length.
func (t *Torrent) PieceSize(index int) Size {
	var (
		pieceLength = t.PieceLength()
		length      = t.Length()
	)

	if index == t.NumPieces()-1 {
		if rem := length % pieceLength; rem != 0 {
			return rem
		}
	}

	return pieceLength
}

// VerifyPiece returns true if the data's SHA-1 hash equals
// the expected hash of the piece at index i
func (t *Torrent) VerifyPiece(i int, piece []byte) bool {
	pieces := t.Pieces()
	if i < 0 || i >= len(pieces) {
		return false
	}

	hash := sha1.Sum(piece)

	return bytes.Equal(hash[:], pieces[i])
}

// InfoHash returns the SHA-1 hash of the bencoded value of
// the torrent's info field. The hash uniquely identifies
// the torrent.
func (t *Torrent) InfoHash() [20]byte {
	var out [20]byte
	b, ok := t.dict.GetBytes("info-hash")
	if ok {
		copy(out[:], b)
		return out
	}

	d, _ := t.Info()
	data, err := bencode.Marshal(d)
	if err != nil {
		return out
	}

	hash := sha1.Sum(data)
	t.dict.SetStringKey("info-hash", bencode.Bytes(hash[:]))
	return hash
}

// HexHash returns the hex-encoded info hash
func (t *Torrent) HexHash() string {
	hash := t.InfoHash()
	return hex.EncodeToString(hash[:])
}

// VerifyInfoDict verifies that the SHA-1 hash of the
// torrent's info dictionary matches the torrent's info hash
func (t *Torrent) VerifyInfoDict() bool {
	info, ok := t.Info()
	if !ok {
		return false
	}

	data, err := bencode.Marshal(info)
	if err != nil {
		return false
	}

	refHash := t.InfoHash()
	hash := sha1.Sum(data)

	return bytes.Equal(refHash[:], hash[:])
}

// AnnounceList returns the torrent's tracker tiers, as
// defined in BEP-12. A torrent with only an 'announce'
// field yields a single one-tracker tier.
func (t *Torrent) AnnounceList() [][]string {
	var out [][]string

	l, ok := t.dict.GetList("announce-list")
	if !ok {
		if announce, ok := t.dict.GetString("announce"); ok {
			return [][]string{{announce}}
		}

		return out
	}

	for _, tier := range l {
		v, ok := tier.ToList()
		if !ok {
			continue
		}

		var trackers []string

		for _, s := range v {
			trackerURL, _ := s.ToBytes()
			trackers = append(trackers, string(trackerURL))
		}

		out = append(out, trackers)
	}

	return out
}

// Length returns the total size, in bytes, of the torrent
// data. For a single-file torrent it equals the size of
// that file.
func (t *Torrent) Length() Size {
	var sum Size

	for _, file := range t.Files() {
		sum += file.Length
	}

	return sum
}

// validate enforces the structural invariants of the info
// dictionary: a positive piece length, a hash list that is
// a multiple of 20 bytes, and exactly enough hashes to
// cover the declared file lengths.
func (t *Torrent) validate() error {
	var op errs.Op = "metainfo.validate"

	info, ok := t.Info()
	if !ok {
		err := fmt.Errorf("%w: no info dictionary", ErrMalformedMetadata)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	pieceLength, ok := info.GetInteger("piece length")
	if !ok || pieceLength <= 0 {
		err := fmt.Errorf("%w: missing or non-positive piece length", ErrMalformedMetadata)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	piecesBytes, ok := info.GetBytes("pieces")
	if !ok {
		err := fmt.Errorf("%w: missing piece hashes", ErrMalformedMetadata)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	if len(piecesBytes)%20 != 0 {
		err := fmt.Errorf("%w: piece hash string length %d is not a multiple of 20", ErrMalformedMetadata, len(piecesBytes))
		return errs.Wrap(err, op, errs.BadArgument)
	}

	length := uint64(t.Length())
	if length == 0 {
		err := fmt.Errorf("%w: torrent declares no file data", ErrMalformedMetadata)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	var (
		nHashes = len(piecesBytes) / 20
		want    = int((length + uint64(pieceLength) - 1) / uint64(pieceLength))
	)
	if nHashes != want {
		err := fmt.Errorf("%w: %d piece hashes cannot cover %d bytes with piece length %d (want %d)", ErrMalformedMetadata, nHashes, length, pieceLength, want)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	return nil
}

// Load reads a torrent from either a magnet URI or a file
// on disk
func Load(location string) (*Torrent, error) {
	var op errs.Op = "metainfo.Load"

	p, err := url.PathUnescape(location)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	u, err := url.Parse(p)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	var t *Torrent
	if u.Scheme == "magnet" {
		t, err = LoadMagnet(u)
		if err != nil {
			return nil, err
		}
	} else {
		t, err = loadFromFile(location)
		if err != nil {
			return nil, err
		}
	}

	// A torrent cannot be identified without a valid info
	// hash
	if t.InfoHash() == [20]byte{} {
		err := fmt.Errorf("%w: %s has no valid info hash", ErrMalformedMetadata, location)
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	return t, nil
}

func loadFromFile(path string) (*Torrent, error) {
	var op errs.Op = "metainfo.loadFromFile"

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.IO)
	}

	return Parse(data)
}

// Parse loads a torrent from raw bencoded bytes
func Parse(data []byte) (*Torrent, error) {
	var op errs.Op = "metainfo.Parse"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		err := fmt.Errorf("%w: %s", ErrMalformedMetadata, err)
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	t := &Torrent{dict: d}
	if err := t.validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Save writes the torrent's bencoded form to path
func Save(path string, t *Torrent) error {
	var op errs.Op = "metainfo.Save"

	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return errs.Wrap(err, op)
	}

	err = ioutil.WriteFile(path, data, 0755)
	if err != nil {
		return errs.Wrap(err, op, errs.IO)
	}

	return nil
}

// LoadDir reads all files with the .torrent extension
// located at base directory 'dir'.
func LoadDir(dir string) ([]*Torrent, error) {
	var op errs.Op = "metainfo.LoadDir"
	var out []*Torrent

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(err, op, errs.IO)
	}

	for _, file := range files {
		name := file.Name()
		match, err := regexp.MatchString(`.+\.torrent$`, name)
		if err != nil || !match {
			continue
		}

		t, err := Load(path.Join(dir, name))
		if err != nil {
			continue
		}

		out = append(out, t)
	}

	return out, nil
}

func New() *Torrent {
	return &Torrent{
		dict: &bencode.Dictionary{},
	}
}
