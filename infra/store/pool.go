package store

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

var ErrPoolClosed = errors.New("store: pool closed")

type Config struct {
	// Dir is the root under which each named database lives.
	Dir string
	// InMemory keeps every database on an in-memory filesystem.
	InMemory bool
}

// Pool owns the open databases. It is built once at startup and
// handed to the stores; Close tears everything down.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	dbs    map[string]*pebble.DB
	closed bool
}

func NewPool(cfg Config) *Pool {
	if cfg.Dir == "" {
		cfg.Dir = "./data"
	}
	return &Pool{
		cfg: cfg,
		dbs: make(map[string]*pebble.DB),
	}
}

// Get returns the database called name, opening it on first use.
// Repeated calls return the same handle.
func (p *Pool) Get(name string) (*pebble.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if db, ok := p.dbs[name]; ok {
		return db, nil
	}

	opts := &pebble.Options{}
	if p.cfg.InMemory {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(filepath.Join(p.cfg.Dir, name), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	p.dbs[name] = db
	return db, nil
}

// Close closes every database. The pool is unusable afterwards;
// calling Close twice is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var first error
	for name, db := range p.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", name)
		}
	}
	p.dbs = nil
	return first
}
