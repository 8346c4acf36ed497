package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// indexEntry resolves a local receiver index to its owner. While a
// handshake is in flight the entry carries no session; once keys are
// derived the same index is re-pointed at the installed session.
type indexEntry struct {
	peer    *Peer
	session *Session
}

// IndexTable assigns and resolves the 32-bit local indices carried in
// response and transport headers. Indices are drawn from the CSPRNG so
// off-path attackers cannot guess live ones.
type IndexTable struct {
	mu    sync.RWMutex
	table map[uint32]indexEntry
}

func newIndexTable() *IndexTable {
	return &IndexTable{table: make(map[uint32]indexEntry)}
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// NewIndexForHandshake reserves a fresh index for peer's in-flight
// handshake, retrying on the (rare) collision with any live index.
func (t *IndexTable) NewIndexForHandshake(peer *Peer) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return 0, err
		}
		if index == 0 {
			// zero is the "no index" sentinel
			continue
		}
		t.mu.Lock()
		if _, ok := t.table[index]; !ok {
			t.table[index] = indexEntry{peer: peer}
			t.mu.Unlock()
			return index, nil
		}
		t.mu.Unlock()
	}
}

// SwapToSession re-points index at a freshly installed session.
func (t *IndexTable) SwapToSession(index uint32, session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.table[index]; ok {
		entry.session = session
		t.table[index] = entry
	}
}

// Lookup resolves an index to its peer and, if keys have been
// installed, its session.
func (t *IndexTable) Lookup(index uint32) (*Peer, *Session) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry := t.table[index]
	return entry.peer, entry.session
}

// Delete releases an index. Deleting 0 or an unknown index is a no-op.
func (t *IndexTable) Delete(index uint32) {
	if index == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, index)
}
