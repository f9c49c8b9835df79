// Package dedup tracks the content hashes already present in the store so a
// re-uploaded image is skipped before the classification call is paid for.
package dedup

// Index is the session-scoped set of seen content hashes. It is seeded from
// the ledger once at session start and mutated in memory as images are
// accepted. It is a best-effort optimization: concurrent sessions of
// different users may race and both store the same hash, which is accepted
// rather than locked against.
type Index struct {
	seen       map[string]struct{}
	duplicates int
}

// NewIndex builds an index pre-populated with the given hashes.
func NewIndex(hashes []string) *Index {
	seen := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		seen[hash] = struct{}{}
	}
	return &Index{seen: seen}
}

// Seen reports whether the hash was already recorded. A hit increments the
// session duplicate counter.
func (i *Index) Seen(hash string) bool {
	if _, ok := i.seen[hash]; ok {
		i.duplicates++
		return true
	}
	return false
}

// Record marks a hash as present.
func (i *Index) Record(hash string) {
	i.seen[hash] = struct{}{}
}

// Duplicates returns how many duplicate hits this session has counted.
func (i *Index) Duplicates() int {
	return i.duplicates
}

// Size returns the number of distinct hashes known to the index.
func (i *Index) Size() int {
	return len(i.seen)
}
