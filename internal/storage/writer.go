package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	errs "github.com/tovrik/undertow/internal/errors"
	"github.com/tovrik/undertow/pkg/metainfo"
)

// ErrStorageWrite wraps any failure to persist a verified
// piece. Storage errors are not retried; the session treats
// them as fatal.
var ErrStorageWrite = errs.New("storage write failed")

// A Writer owns the destination files of one torrent. Every
// file is opened and truncated to its declared length up
// front, so the filesystem allocates the full span sparsely
// before any data arrives.
//
// WritePiece must only be called with verified pieces; the
// writer does no hashing of its own.
type Writer struct {
	t    *metainfo.Torrent
	root string

	mu    sync.Mutex
	files []*os.File
}

func NewWriter(t *metainfo.Torrent, dir string) (*Writer, error) {
	var op errs.Op = "storage.NewWriter"

	files := t.Files()
	if len(files) == 0 {
		return nil, errs.Wrap(errs.New("torrent has no files"), op, errs.BadArgument)
	}

	root := dir
	if len(files) > 1 {
		root = filepath.Join(dir, t.Name())
	}

	w := &Writer{t: t, root: root}

	for _, f := range files {
		dest := filepath.Join(root, filepath.FromSlash(f.FullPath))

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			w.Close()
			return nil, wrapWrite(err, op)
		}

		fh, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			w.Close()
			return nil, wrapWrite(err, op)
		}

		if err := fh.Truncate(int64(f.Length)); err != nil {
			fh.Close()
			w.Close()
			return nil, wrapWrite(err, op)
		}

		w.files = append(w.files, fh)
	}

	log.Debug().
		Str("torrent", t.HexHash()).
		Str("dir", root).
		Int("files", len(files)).
		Msg("allocated storage")

	return w, nil
}

// WritePiece maps the piece's absolute byte range onto the
// file spans it overlaps and writes each slice at the right
// offset. A piece may straddle any number of file boundaries.
func (w *Writer) WritePiece(index int, data []byte) error {
	var op errs.Op = "storage.WritePiece"

	if metainfo.Size(len(data)) != w.t.PieceSize(index) {
		err := errs.Newf("piece %d: want %d bytes got %d", index, w.t.PieceSize(index), len(data))
		return errs.Wrap(err, op, errs.BadArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	start := metainfo.Size(index) * w.t.PieceLength()
	end := start + metainfo.Size(len(data))

	for i, f := range w.t.Files() {
		lo, hi, ok := overlap(start, end, f)
		if !ok {
			continue
		}

		_, err := w.files[i].WriteAt(data[lo-start:hi-start], int64(lo-f.Offset))
		if err != nil {
			return wrapWrite(err, op)
		}
	}

	return nil
}

// ReadPiece reads a piece back from disk, for serving remote
// requests and for resume verification
func (w *Writer) ReadPiece(index int) ([]byte, error) {
	var op errs.Op = "storage.ReadPiece"

	size := w.t.PieceSize(index)
	if size == 0 {
		return nil, errs.Wrap(errs.Newf("no piece with index %d", index), op, errs.BadArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	data := make([]byte, size)

	start := metainfo.Size(index) * w.t.PieceLength()
	end := start + size

	for i, f := range w.t.Files() {
		lo, hi, ok := overlap(start, end, f)
		if !ok {
			continue
		}

		_, err := w.files[i].ReadAt(data[lo-start:hi-start], int64(lo-f.Offset))
		if err != nil {
			return nil, errs.Wrap(err, op, errs.IO)
		}
	}

	return data, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errors errs.Errors
	for _, fh := range w.files {
		if err := fh.Close(); err != nil {
			errors = append(errors, err)
		}
	}

	w.files = nil

	if len(errors) > 0 {
		return errs.Wrap(errors, errs.Op("storage.Close"), errs.IO)
	}

	return nil
}

// overlap clips the byte range [start, end) against a file's
// span, returning absolute torrent offsets
func overlap(start, end metainfo.Size, f metainfo.File) (lo, hi metainfo.Size, ok bool) {
	fileEnd := f.Offset + f.Length

	if fileEnd <= start || f.Offset >= end {
		return 0, 0, false
	}

	lo, hi = start, end
	if f.Offset > lo {
		lo = f.Offset
	}

	if fileEnd < hi {
		hi = fileEnd
	}

	return lo, hi, true
}

func wrapWrite(err error, op errs.Op) error {
	return errs.Wrap(fmt.Errorf("%w: %s", ErrStorageWrite, err), op, errs.IO)
}
