package channel

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	internalshm "github.com/srediag/shmchan/internal/shm"
	"github.com/srediag/shmchan/pkg/sem"
	"github.com/srediag/shmchan/pkg/shm"
)

const (
	emptySuffix = "_sem_empty"
	fullSuffix  = "_sem_full"
)

// Names are the OS object names of one channel.
type Names struct {
	// ID is the channel id the names derive from.
	ID string
	// Segment names the shared memory segment.
	Segment string
	// Empty and Full name the two semaphores. They always derive from ID.
	Empty string
	Full  string
	// FromKeyFile is set when Segment was read from a key file.
	FromKeyFile bool
	// Residual counts non-blank key file lines after the first; they are ignored.
	Residual int
}

// DeriveNames computes the channel names for id. When keyFile names a readable file
// whose first line is not blank, that line (trimmed) names the segment. A missing,
// unreadable or blank key file silently falls back to id.
func DeriveNames(id, keyFile string) (Names, error) {
	if err := validID(id); err != nil {
		return Names{}, err
	}
	n := Names{
		ID:      id,
		Segment: id,
		Empty:   id + emptySuffix,
		Full:    id + fullSuffix,
	}
	if keyFile == "" {
		return n, nil
	}
	first, residual, ok := readKeyFile(keyFile)
	if !ok {
		return n, nil
	}
	if err := internalshm.ValidName(first); err != nil {
		return Names{}, fmt.Errorf("%w: key file %s names segment %q", ErrInvalidArgument, keyFile, first)
	}
	n.Segment = first
	n.FromKeyFile = true
	n.Residual = residual
	return n, nil
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty channel id", ErrInvalidArgument)
	}
	// The longest derived file name is the empty semaphore's.
	if err := internalshm.ValidName(sem.FileName(id + emptySuffix)); err != nil {
		return fmt.Errorf("%w: channel id %q", ErrInvalidArgument, id)
	}
	return nil
}

func readKeyFile(path string) (first string, residual int, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", 0, false
	}
	first = strings.TrimSpace(sc.Text())
	if first == "" {
		return "", 0, false
	}
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			residual++
		}
	}
	return first, residual, true
}

// Remove deletes the segment and both semaphores of a channel from dir. Objects that
// do not exist are skipped. Endpoints still open on the channel keep working on their
// mappings but no longer meet new peers.
func Remove(dir string, n Names) error {
	var errs []error
	if err := shm.Remove(dir, n.Segment); err != nil && !errors.Is(err, shm.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, name := range []string{n.Empty, n.Full} {
		if err := sem.Unlink(dir, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
