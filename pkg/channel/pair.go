package channel

import (
	"errors"

	"github.com/srediag/shmchan/pkg/sem"
)

const (
	emptyInitial = 1
	fullInitial  = 0
)

// pair holds the two semaphores of a channel.
type pair struct {
	empty *sem.Semaphore
	full  *sem.Semaphore
}

// openPair opens (or creates) both semaphores. Existing semaphores keep their counts.
func openPair(dir string, n Names) (*pair, error) {
	empty, err := sem.Open(dir, n.Empty, emptyInitial)
	if err != nil {
		return nil, wrap(ErrSync, err)
	}
	full, err := sem.Open(dir, n.Full, fullInitial)
	if err != nil {
		_ = empty.Close()
		return nil, wrap(ErrSync, err)
	}
	return &pair{empty: empty, full: full}, nil
}

func (p *pair) close() error {
	return errors.Join(p.empty.Close(), p.full.Close())
}
