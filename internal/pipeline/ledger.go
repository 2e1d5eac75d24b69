package pipeline

import "go.uber.org/zap"

// Ledger counts the cache economics of a batch: paid fetches, free cache
// reuses and items skipped after failures. Derived deterministically from
// per-item hit/miss decisions.
type Ledger struct {
	Fetched int
	Cached  int
	Skipped int
}

func (l *Ledger) Add(other Ledger) {
	l.Fetched += other.Fetched
	l.Cached += other.Cached
	l.Skipped += other.Skipped
}

// CreditsSpent is the number of metered provider calls.
func (l Ledger) CreditsSpent() int {
	return l.Fetched
}

func (l Ledger) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("fetched", l.Fetched),
		zap.Int("cached", l.Cached),
		zap.Int("skipped", l.Skipped),
	}
}
