package metainfo

import "fmt"

// Size is a byte count
type Size uint64

const (
	KiB Size = 1024
	MiB      = 1024 * KiB
	GiB      = 1024 * MiB
)

func (s Size) String() string {
	if s < KiB {
		return fmt.Sprintf("%d B", uint64(s))
	}

	if s < MiB {
		return fmt.Sprintf("%.2f KiB", float64(s)/float64(KiB))
	}

	if s < GiB {
		return fmt.Sprintf("%.2f MiB", float64(s)/float64(MiB))
	}

	return fmt.Sprintf("%.2f GiB", float64(s)/float64(GiB))
}
