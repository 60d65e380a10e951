package watcher

import (
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Signature identifies one on-disk state of a file.
type Signature struct {
	ModTime  time.Time
	Checksum uint64
}

// Same reports whether both signatures describe the same content.
func (s Signature) Same(other Signature) bool {
	return s.Checksum == other.Checksum
}

// Stat reads the current signature of path.
func Stat(path string) (Signature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Signature{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		ModTime:  info.ModTime(),
		Checksum: xxhash.Sum64(data),
	}, nil
}
