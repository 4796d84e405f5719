package vault

import "sync"

// transactionSet is the live set of begun-but-not-finished transactions,
// ordered by creation sequence. oldest/newest key on that sequence number
// (equivalently, FIFO order) rather than on snapshot root address, so that
// re-insertion of the same transaction identity after a revert+rebegin is
// well defined: it is simply re-sequenced to the back, as if newly begun.
type transactionSet struct {
	mu      sync.Mutex
	seq     int64
	order   []*baseTxn // ordered oldest -> newest by sequence number
	byTxn   map[*baseTxn]int64
}

func newTransactionSet() *transactionSet {
	return &transactionSet{byTxn: make(map[*baseTxn]int64)}
}

// add registers t as live, assigning it the next sequence number. Adding a
// transaction already present re-sequences it to the back (tolerates
// revert-then-rebegin under the same identity).
func (s *transactionSet) add(t *baseTxn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTxn[t]; ok {
		s.removeLocked(t)
	}
	s.seq++
	s.byTxn[t] = s.seq
	s.order = append(s.order, t)
}

// remove drops t from the live set. A no-op if t is not present.
func (s *transactionSet) remove(t *baseTxn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t)
}

func (s *transactionSet) removeLocked(t *baseTxn) {
	if _, ok := s.byTxn[t]; !ok {
		return
	}
	delete(s.byTxn, t)
	for i, o := range s.order {
		if o == t {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// contains reports whether t is currently live.
func (s *transactionSet) contains(t *baseTxn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byTxn[t]
	return ok
}

// size returns the number of live transactions.
func (s *transactionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// oldest returns the longest-lived transaction, or nil if none are live.
func (s *transactionSet) oldest() *baseTxn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.order[0]
}

// newest returns the most recently begun transaction, or nil if none are live.
func (s *transactionSet) newest() *baseTxn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.order[len(s.order)-1]
}

// snapshot returns a stable copy of the live set for iteration outside the lock.
func (s *transactionSet) snapshot() []*baseTxn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*baseTxn, len(s.order))
	copy(out, s.order)
	return out
}

// oldestRoot returns the MetaTree root of the oldest live transaction, or
// the maximum uint64 value if no transaction is live, so the deferred task
// queue treats an empty live set as "every task is now safe to run".
func (s *transactionSet) oldestRoot() uint64 {
	t := s.oldest()
	if t == nil {
		return ^uint64(0)
	}
	return t.snapshotRoot()
}

// newestRoot returns the MetaTree root of the newest live transaction, or
// zero if none are live.
func (s *transactionSet) newestRoot() uint64 {
	t := s.newest()
	if t == nil {
		return 0
	}
	return t.snapshotRoot()
}
