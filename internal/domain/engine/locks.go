package engine

import (
	"sync"

	"github.com/medledger/medledger/internal/domain/identity"
)

// patientLocks hands out one mutex per patient so mutations on different
// patients never contend. Locks are kept for the life of the process; the
// patient population is bounded, so entries are never reclaimed.
type patientLocks struct {
	mu    sync.Mutex
	locks map[identity.ID]*sync.Mutex
}

func newPatientLocks() *patientLocks {
	return &patientLocks{locks: make(map[identity.ID]*sync.Mutex)}
}

func (p *patientLocks) get(patient identity.ID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[patient]
	if !ok {
		l = &sync.Mutex{}
		p.locks[patient] = l
	}
	return l
}
