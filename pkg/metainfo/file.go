package metainfo

import (
	"path"

	"github.com/namvu9/bencode"
)

// A File describes one file of a torrent and where it sits
// in the torrent's byte stream. Pieces are cut across file
// boundaries, so a piece may contain data from more than
// one file; FirstPiece and LastPiece give the inclusive
// range of pieces that overlap this file.
type File struct {
	Name     string
	FullPath string
	Length   Size

	// Byte offset of the file within the torrent data
	Offset Size

	FirstPiece int
	LastPiece  int
}

// Files returns the torrent's file metadata in torrent
// order. The result is cached; torrents are immutable after
// load.
func (t *Torrent) Files() []File {
	if t.files != nil {
		return t.files
	}

	info, ok := t.Info()
	if !ok {
		return nil
	}

	pieceLength := t.PieceLength()
	if pieceLength == 0 {
		return nil
	}

	files, ok := info.GetList("files")

	// Single-file torrent
	if !ok {
		fileLength, _ := info.GetInteger("length")
		name, _ := info.GetString("name")

		t.files = []File{
			{
				Name:       name,
				FullPath:   name,
				Length:     Size(fileLength),
				Offset:     0,
				FirstPiece: 0,
				LastPiece:  lastPieceIndex(0, Size(fileLength), pieceLength),
			},
		}

		return t.files
	}

	var offset Size
	for _, file := range files {
		fDict, ok := file.ToDict()
		if !ok {
			continue
		}

		fileLength, _ := fDict.GetInteger("length")
		segments, _ := fDict.GetList("path")
		p := joinPath(segments)

		t.files = append(t.files, File{
			Name:       path.Base(p),
			FullPath:   p,
			Length:     Size(fileLength),
			Offset:     offset,
			FirstPiece: int(offset / pieceLength),
			LastPiece:  lastPieceIndex(offset, Size(fileLength), pieceLength),
		})

		offset += Size(fileLength)
	}

	return t.files
}

// OverlapsPiece reports whether any of the piece's bytes
// belong to the file
func (f File) OverlapsPiece(index int) bool {
	return index >= f.FirstPiece && index <= f.LastPiece
}

func lastPieceIndex(offset, length, pieceLength Size) int {
	if length == 0 {
		return int(offset / pieceLength)
	}

	return int((offset + length - 1) / pieceLength)
}

func joinPath(segments bencode.List) string {
	var p string

	for _, segment := range segments {
		s, _ := segment.ToBytes()
		p = path.Join(p, string(s))
	}

	return p
}
