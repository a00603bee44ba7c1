package modbus

import (
	"sync"
	"time"
)

// transaction is one in-flight request awaiting correlation with its
// response frame.
type transaction struct {
	id       uint16
	unitID   byte
	deadline time.Time

	done chan struct{}
	pdu  *ProtocolDataUnit
	err  error
}

// resolve completes the transaction. The caller must have removed it from
// the set first; a transaction resolves exactly once.
func (tx *transaction) resolve(pdu *ProtocolDataUnit, err error) {
	tx.pdu, tx.err = pdu, err
	close(tx.done)
}

// transactionSet tracks the outstanding transactions of one connection.
// Correlation ids are unique among outstanding transactions, and a single
// timer, armed to the earliest deadline, drives expiry for the whole set.
type transactionSet struct {
	mu      sync.Mutex
	pending map[uint16]*transaction
	nextID  uint16
	timer   *time.Timer
	closed  bool
}

func newTransactionSet() *transactionSet {
	return &transactionSet{pending: make(map[uint16]*transaction)}
}

// register assigns a fresh correlation id, stores the deadline and arms the
// expiry timer.
func (s *transactionSet) register(unitID byte, timeout time.Duration) (*transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	// Wrapping counter; ids still outstanding are skipped so the
	// correlation key stays unique.
	id := s.nextID
	for {
		id++
		if _, taken := s.pending[id]; !taken {
			break
		}
	}
	s.nextID = id
	tx := &transaction{
		id:       id,
		unitID:   unitID,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	s.pending[id] = tx
	s.reschedule()
	return tx, nil
}

// take removes and returns the transaction with the given id. It returns nil
// when no transaction matches, e.g. for the late answer to a transaction
// that already timed out.
func (s *transactionSet) take(id uint16) *transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.pending[id]
	if tx != nil {
		delete(s.pending, id)
		s.reschedule()
	}
	return tx
}

// cancel removes tx and resolves it with err. It reports false when tx was
// already taken, in which case the winner delivers the resolution.
func (s *transactionSet) cancel(tx *transaction, err error) bool {
	s.mu.Lock()
	if _, ok := s.pending[tx.id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, tx.id)
	s.reschedule()
	s.mu.Unlock()
	tx.resolve(nil, err)
	return true
}

// failAll resolves every outstanding transaction with err. Used on
// connection loss, where all callers on the connection fail together.
func (s *transactionSet) failAll(err error) {
	s.mu.Lock()
	failed := make([]*transaction, 0, len(s.pending))
	for id, tx := range s.pending {
		delete(s.pending, id)
		failed = append(failed, tx)
	}
	s.reschedule()
	s.mu.Unlock()
	for _, tx := range failed {
		tx.resolve(nil, err)
	}
}

// close rejects further registrations and fails whatever is outstanding.
func (s *transactionSet) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.failAll(ErrClosed)
}

// expire fails every transaction whose deadline has passed and re-arms the
// timer for the next one. Registration of new transactions is never blocked
// by an expiry.
func (s *transactionSet) expire() {
	now := time.Now()
	s.mu.Lock()
	var timedOut []*transaction
	for id, tx := range s.pending {
		if !tx.deadline.After(now) {
			delete(s.pending, id)
			timedOut = append(timedOut, tx)
		}
	}
	s.reschedule()
	s.mu.Unlock()
	for _, tx := range timedOut {
		tx.resolve(nil, ErrTimeout)
	}
}

// reschedule re-arms the expiry timer for the earliest outstanding deadline.
// Caller must hold s.mu.
func (s *transactionSet) reschedule() {
	var next time.Time
	for _, tx := range s.pending {
		if next.IsZero() || tx.deadline.Before(next) {
			next = tx.deadline
		}
	}
	if next.IsZero() {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, s.expire)
	} else {
		s.timer.Reset(d)
	}
}
