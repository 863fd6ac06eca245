package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/tovrik/undertow/pkg/metainfo"
)

type FileStat struct {
	Index      int           `json:"index"`
	Name       string        `json:"name"`
	Included   bool          `json:"included"`
	Size       metainfo.Size `json:"size"`
	Downloaded metainfo.Size `json:"downloaded"`
}

type DownloadStat struct {
	Name  string `json:"name"`
	Hash  string `json:"hash"`
	State string `json:"state"`
	Err   string `json:"error,omitempty"`

	// Bytes within the selected file scope
	Downloaded metainfo.Size `json:"downloaded"`
	Total      metainfo.Size `json:"total"`

	DownloadRate metainfo.Size `json:"downloadRate"`
	Uploaded     metainfo.Size `json:"uploaded"`

	Pieces      int `json:"pieces"`
	Verified    int `json:"verifiedPieces"`
	Corruptions int `json:"corruptions"`

	Peers      int `json:"peers"`
	Interested int `json:"interested"`

	Files []FileStat `json:"files"`
}

func (s DownloadStat) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s (%s)\n", s.Name, s.Hash)

	if s.Err != "" {
		fmt.Fprintf(&sb, "State: %s (%s)\n", s.State, s.Err)
	} else {
		fmt.Fprintf(&sb, "State: %s\n", s.State)
	}

	var percent float64
	if s.Total > 0 {
		percent = float64(s.Downloaded) / float64(s.Total) * 100
	}

	fmt.Fprintf(&sb, "Downloaded: %s / %s (%.1f %%)\n", s.Downloaded, s.Total, percent)
	fmt.Fprintf(&sb, "Download rate: %s/s\n", s.DownloadRate)
	fmt.Fprintf(&sb, "Uploaded: %s\n", s.Uploaded)
	fmt.Fprintf(&sb, "Pieces: %d / %d (%d corrupt)\n", s.Verified, s.Pieces, s.Corruptions)
	fmt.Fprintf(&sb, "Peers: %d (%d interested)\n", s.Peers, s.Interested)

	for _, f := range s.Files {
		if !f.Included {
			continue
		}

		fmt.Fprintf(&sb, "  %s (%s / %s)\n", f.Name, f.Downloaded, f.Size)
	}

	return sb.String()
}

// Stat samples the download's progress. The download rate is
// measured between consecutive calls.
func (d *Download) Stat() DownloadStat {
	ledgerStat := d.ledger.Stat()

	d.mu.Lock()

	stat := DownloadStat{
		Name:        d.t.Name(),
		Hash:        d.t.HexHash(),
		State:       d.state.String(),
		Downloaded:  ledgerStat.VerifiedBytes,
		Total:       ledgerStat.TotalBytes,
		Pieces:      ledgerStat.Pieces,
		Verified:    ledgerStat.VerifiedCount,
		Corruptions: ledgerStat.Corruptions,
		Peers:       len(d.conns),
	}

	if d.err != nil {
		stat.Err = d.err.Error()
	}

	uploaded := d.uploaded
	for _, c := range d.conns {
		uploaded += c.Uploaded()

		if c.Interested() {
			stat.Interested++
		}
	}
	stat.Uploaded = metainfo.Size(uploaded)

	now := time.Now()
	if !d.lastStatAt.IsZero() && now.After(d.lastStatAt) && ledgerStat.VerifiedBytes >= d.lastBytes {
		elapsed := now.Sub(d.lastStatAt).Seconds()
		if elapsed > 0 {
			stat.DownloadRate = metainfo.Size(float64(ledgerStat.VerifiedBytes-d.lastBytes) / elapsed)
		}
	}
	d.lastStatAt = now
	d.lastBytes = ledgerStat.VerifiedBytes

	d.mu.Unlock()

	stat.Files = d.fileStats()

	return stat
}

// fileStats reports per-file progress at piece granularity,
// clipped to each file's byte span
func (d *Download) fileStats() []FileStat {
	var out []FileStat

	d.mu.Lock()
	selected := make(map[int]bool, len(d.selected))
	for _, id := range d.selected {
		selected[id] = true
	}
	d.mu.Unlock()

	pieceLength := d.t.PieceLength()

	for i, f := range d.t.Files() {
		fs := FileStat{
			Index:    i,
			Name:     f.Name,
			Size:     f.Length,
			Included: len(selected) == 0 || selected[i],
		}

		fileEnd := f.Offset + f.Length

		for p := f.FirstPiece; p <= f.LastPiece; p++ {
			if !d.ledger.Verified(p) {
				continue
			}

			start := metainfo.Size(p) * pieceLength
			end := start + d.t.PieceSize(p)

			if start < f.Offset {
				start = f.Offset
			}

			if end > fileEnd {
				end = fileEnd
			}

			if end > start {
				fs.Downloaded += end - start
			}
		}

		out = append(out, fs)
	}

	return out
}
