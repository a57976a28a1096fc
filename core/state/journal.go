package state

// journalEntry remembers the overlay value a key held before a write.
type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

type journal struct {
	entries []journalEntry
}

func newJournal() *journal {
	return &journal{}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) length() int {
	return len(j.entries)
}

// revert replays entries in reverse order down to index, restoring the dirty
// overlay to the state it had when the journal was that long.
func (j *journal) revert(dirty map[string][]byte, index int) {
	for i := len(j.entries) - 1; i >= index; i-- {
		entry := j.entries[i]
		if entry.existed {
			dirty[entry.key] = entry.prev
		} else {
			delete(dirty, entry.key)
		}
	}
	j.entries = j.entries[:index]
}

func (j *journal) reset() {
	j.entries = j.entries[:0]
}
