package restic

import (
	"fmt"
	"os"

	"rsched/internal/sched"
)

// DirCacheResetter deletes the restic cache directory so the next command
// rebuilds it from the repository.
type DirCacheResetter struct {
	Dir string
}

var _ sched.CacheResetter = DirCacheResetter{}

func (r DirCacheResetter) Reset() error {
	if r.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(r.Dir); err != nil {
		return fmt.Errorf("removing cache %s: %w", r.Dir, err)
	}
	return nil
}
