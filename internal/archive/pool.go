package archive

import (
	"sync"

	"github.com/pictoria/pictoria/internal/models"
)

// Pool hands out exclusive archive readers keyed by archive path. Readers
// are not safe for concurrent use, so each Acquire checks one out; Release
// returns it for reuse up to a bounded number of idle readers per path.
type Pool struct {
	mu      sync.Mutex
	idle    map[string][]Reader
	maxIdle int
	repair  bool
}

func NewPool(maxIdlePerPath int, pathRepair bool) *Pool {
	if maxIdlePerPath < 1 {
		maxIdlePerPath = 1
	}
	return &Pool{
		idle:    map[string][]Reader{},
		maxIdle: maxIdlePerPath,
		repair:  pathRepair,
	}
}

// Acquire returns a reader for the archive, reusing an idle one when
// available.
func (p *Pool) Acquire(filePath string, kind models.CollectionKind) (Reader, error) {
	p.mu.Lock()
	if readers := p.idle[filePath]; len(readers) > 0 {
		r := readers[len(readers)-1]
		p.idle[filePath] = readers[:len(readers)-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	return Open(filePath, kind, p.repair)
}

// Release returns a reader to the pool, closing it when the idle set for
// its path is full.
func (p *Pool) Release(filePath string, r Reader) {
	p.mu.Lock()
	if len(p.idle[filePath]) < p.maxIdle {
		p.idle[filePath] = append(p.idle[filePath], r)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	r.Close()
}

// Invalidate drops all idle readers for a path. Called after a rescan sees
// the archive's signature change.
func (p *Pool) Invalidate(filePath string) {
	p.mu.Lock()
	readers := p.idle[filePath]
	delete(p.idle, filePath)
	p.mu.Unlock()
	for _, r := range readers {
		r.Close()
	}
}

// Close releases every idle reader.
func (p *Pool) Close() {
	p.mu.Lock()
	all := p.idle
	p.idle = map[string][]Reader{}
	p.mu.Unlock()
	for _, readers := range all {
		for _, r := range readers {
			r.Close()
		}
	}
}
