package channel

import (
	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/internal/logging"
	internalshm "github.com/srediag/shmchan/internal/shm"
	"github.com/srediag/shmchan/internal/telemetry"
	"github.com/srediag/shmchan/pkg/shm"
)

var defaultLogger = logging.New("shmchan", nil)

// base is the part shared by producer and consumer endpoints.
type base struct {
	role  api.Role
	cfg   Config
	names Names
	dir   string
	key   string
	log   *logging.Logger
	rec   *telemetry.Recorder
	seg   *shm.Segment
	sems  *pair
}

func newBase(role api.Role, config *Config) (*base, error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	names, err := DeriveNames(config.ID, config.KeyFile)
	if err != nil {
		return nil, err
	}
	log := config.Logger
	if log == nil {
		log = defaultLogger
	}
	log = log.Named(string(role) + "/" + config.ID)
	if names.FromKeyFile {
		log.Infof("segment name %q read from key file %s", names.Segment, config.KeyFile)
	}
	if names.Residual > 0 {
		log.Warnf("key file %s: ignoring %d line(s) after the first", config.KeyFile, names.Residual)
	}
	dir := config.Dir
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	b := &base{
		role:  role,
		cfg:   *config,
		names: names,
		dir:   dir,
		key:   registryKey(role, dir, config.ID),
		log:   log,
		rec:   telemetry.NewRecorder(string(role), config.ID, config.Metrics, config.Tracer, config.Meter),
		seg:   shm.New(shm.Options{Name: names.Segment, Dir: dir, Logger: log}),
	}
	return b, nil
}

// open registers the endpoint and opens its semaphores.
func (b *base) open(e api.Endpoint) error {
	if err := register(b.key, e); err != nil {
		return err
	}
	sems, err := openPair(b.dir, b.names)
	if err != nil {
		unregister(b.key)
		return err
	}
	b.sems = sems
	return nil
}

func (b *base) Role() api.Role { return b.role }

func (b *base) ID() string { return b.names.ID }

// Names returns the OS object names the endpoint uses.
func (b *base) Names() Names { return b.names }

// Dir returns the directory holding the channel's files.
func (b *base) Dir() string { return b.dir }

// releaseEmpty gives the slot back after a failed transaction step. The error is
// logged and joined into the caller's error.
func (b *base) releaseEmpty() error {
	if err := b.sems.empty.Release(); err != nil {
		b.log.Errorf("release %s: %v", b.names.Empty, err)
		return wrap(ErrSync, err)
	}
	return nil
}
