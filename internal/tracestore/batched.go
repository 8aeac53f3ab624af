package tracestore

import "sync"

// BatchedStore buffers sources and events in memory using fake (negative)
// IDs. Events may reference buffered sources by their fake ID; CommitBatch
// rewrites them.
//
// Thread safety: the mutex protects fake ID allocation and slice appends.
type BatchedStore struct {
	store *Store
	mu    sync.Mutex

	Sources []Source
	Events  []Event

	// sourceIDs dedupes sources within the batch by session and name.
	sourceIDs  map[[2]string]int64
	nextFakeID int64 // starts at -1, decrements
}

// Compile-time check: *BatchedStore satisfies EventWriter.
var _ EventWriter = (*BatchedStore)(nil)

// NewBatchedStore creates a BatchedStore committed to s.
func NewBatchedStore(s *Store) *BatchedStore {
	return &BatchedStore{
		store:      s,
		sourceIDs:  make(map[[2]string]int64),
		nextFakeID: -1,
	}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

func (b *BatchedStore) InsertSource(src *Source) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := [2]string{src.SessionID, src.Name}
	if id, ok := b.sourceIDs[key]; ok {
		src.ID = id
		return id, nil
	}
	fakeID := b.allocFakeID()
	src.ID = fakeID
	b.sourceIDs[key] = fakeID
	b.Sources = append(b.Sources, *src)
	return fakeID, nil
}

func (b *BatchedStore) InsertEvent(ev *Event) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	ev.ID = fakeID
	b.Events = append(b.Events, *ev)
	return fakeID, nil
}

// Len returns the number of buffered events.
func (b *BatchedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Events)
}

// Commit writes the buffer to the store and empties it.
func (b *BatchedStore) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.CommitBatch(b); err != nil {
		return err
	}
	b.Sources, b.Events = nil, nil
	b.sourceIDs = make(map[[2]string]int64)
	return nil
}
