package response

import (
	"sync"
	"time"
)

type mirrorEntry struct {
	expiresAt time.Time
	persisted bool // the store holds this expiry or a later one
}

// blockMirror is the in-process copy of blocks applied by this instance. It keeps
// a block effective when the shared store cannot be written or read. Persisted
// entries yield to the store once it answers, pending ones stay until they expire.
type blockMirror struct {
	mu     sync.RWMutex
	blocks map[string]mirrorEntry
}

// extend records a pending block unless a later expiry is already known.
func (m *blockMirror) extend(ip string, expiresAt time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.blocks[ip]; ok && !cur.expiresAt.Before(expiresAt) {
		return cur.expiresAt
	}
	m.blocks[ip] = mirrorEntry{expiresAt: expiresAt}
	return expiresAt
}

// confirm marks the block as stored with expiresAt.
func (m *blockMirror) confirm(ip string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.blocks[ip]; ok && cur.expiresAt.After(expiresAt) {
		return
	}
	m.blocks[ip] = mirrorEntry{expiresAt: expiresAt, persisted: true}
}

func (m *blockMirror) expiresAt(ip string, now time.Time) (time.Time, bool) {
	m.mu.RLock()
	entry, ok := m.blocks[ip]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(entry.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.blocks[ip]; ok && !now.Before(cur.expiresAt) {
			delete(m.blocks, ip)
		}
		m.mu.Unlock()
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// forget drops a persisted entry after the store reported no active block.
func (m *blockMirror) forget(ip string) {
	m.mu.Lock()
	if cur, ok := m.blocks[ip]; ok && cur.persisted {
		delete(m.blocks, ip)
	}
	m.mu.Unlock()
}

func (m *blockMirror) remove(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocks[ip]
	delete(m.blocks, ip)
	return ok
}

func newBlockMirror() *blockMirror {
	return &blockMirror{blocks: make(map[string]mirrorEntry)}
}
