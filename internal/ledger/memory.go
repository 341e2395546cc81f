package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// MemoryStore is an in-process Store used in tests and single-node
// development runs. Per-credit mutual exclusion is a one-slot semaphore per
// credit id; acquisition is bounded and surfaces a retryable ConflictError
// on timeout.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[string]chan struct{}
	lockWait time.Duration

	credits  map[string]*credits.Credit
	order    []string
	ballots  map[string][]credits.AuditBallot
	requests map[string]*credits.ExpiryRequest
	openReq  map[string]string // creditID -> open request id
	txns     map[string][]credits.Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[string]chan struct{}),
		lockWait: 2 * time.Second,
		credits:  make(map[string]*credits.Credit),
		ballots:  make(map[string][]credits.AuditBallot),
		requests: make(map[string]*credits.ExpiryRequest),
		openReq:  make(map[string]string),
		txns:     make(map[string][]credits.Transaction),
	}
}

// SetLockWait overrides the bounded lock acquisition timeout. Intended for
// tests exercising lock contention.
func (s *MemoryStore) SetLockWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockWait = d
}

func (s *MemoryStore) semaphore(creditID string) (chan struct{}, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.locks[creditID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[creditID] = sem
	}
	return sem, s.lockWait
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, creditID string, fn func(Tx) error) error {
	sem, wait := s.semaphore(creditID)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return &credits.ConflictError{CreditID: creditID, Reason: "timed out waiting for credit lock"}
	case <-ctx.Done():
		return &credits.ConflictError{CreditID: creditID, Reason: "canceled while waiting for credit lock: " + ctx.Err().Error()}
	}
	defer func() { <-sem }()

	tx := &memTx{
		store:       s,
		creditID:    creditID,
		putCredits:  make(map[string]*credits.Credit),
		putRequests: make(map[string]*credits.ExpiryRequest),
		cleared:     make(map[string]bool),
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx.commit()
	return nil
}

// memTx stages writes until commit so a failed callback leaves the store in
// its pre-operation state.
type memTx struct {
	store    *MemoryStore
	creditID string

	createdCredits []*credits.Credit
	putCredits     map[string]*credits.Credit
	addedBallots   []credits.AuditBallot
	cleared        map[string]bool
	createdReqs    []*credits.ExpiryRequest
	putRequests    map[string]*credits.ExpiryRequest
	appended       []*credits.Transaction
}

func (tx *memTx) Credit(id string) (*credits.Credit, error) {
	if c, ok := tx.putCredits[id]; ok {
		return c.Clone(), nil
	}
	for _, c := range tx.createdCredits {
		if c.ID == id {
			return c.Clone(), nil
		}
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	c, ok := tx.store.credits[id]
	if !ok {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	return c.Clone(), nil
}

func (tx *memTx) CreateCredit(c *credits.Credit) error {
	tx.store.mu.Lock()
	_, exists := tx.store.credits[c.ID]
	tx.store.mu.Unlock()
	if exists {
		return &credits.ConflictError{CreditID: c.ID, Reason: "credit already exists"}
	}
	for _, staged := range tx.createdCredits {
		if staged.ID == c.ID {
			return &credits.ConflictError{CreditID: c.ID, Reason: "credit already exists"}
		}
	}
	tx.createdCredits = append(tx.createdCredits, c.Clone())
	return nil
}

func (tx *memTx) PutCredit(c *credits.Credit) error {
	if _, err := tx.Credit(c.ID); err != nil {
		return err
	}
	tx.putCredits[c.ID] = c.Clone()
	return nil
}

func (tx *memTx) Ballots(creditID string) ([]credits.AuditBallot, error) {
	var out []credits.AuditBallot
	if !tx.cleared[creditID] {
		tx.store.mu.Lock()
		out = append(out, tx.store.ballots[creditID]...)
		tx.store.mu.Unlock()
	}
	for _, b := range tx.addedBallots {
		if b.CreditID == creditID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (tx *memTx) AddBallot(b credits.AuditBallot) error {
	existing, _ := tx.Ballots(b.CreditID)
	for _, prior := range existing {
		if prior.AuditorID == b.AuditorID {
			return &credits.DuplicateVoteError{CreditID: b.CreditID, AuditorID: b.AuditorID}
		}
	}
	if b.CastAt.IsZero() {
		b.CastAt = time.Now().UTC()
	}
	tx.addedBallots = append(tx.addedBallots, b)
	return nil
}

func (tx *memTx) ClearBallots(creditID string) error {
	tx.cleared[creditID] = true
	staged := tx.addedBallots[:0]
	for _, b := range tx.addedBallots {
		if b.CreditID != creditID {
			staged = append(staged, b)
		}
	}
	tx.addedBallots = staged
	return nil
}

func (tx *memTx) OpenExpiryRequest(creditID string) (*credits.ExpiryRequest, error) {
	for _, r := range tx.createdReqs {
		if r.CreditID == creditID && tx.stillOpen(r.ID, r) {
			return r.Clone(), nil
		}
	}

	tx.store.mu.Lock()
	reqID, ok := tx.store.openReq[creditID]
	var stored *credits.ExpiryRequest
	if ok {
		stored = tx.store.requests[reqID]
	}
	tx.store.mu.Unlock()

	if stored != nil && tx.stillOpen(stored.ID, stored) {
		if staged, ok := tx.putRequests[stored.ID]; ok {
			return staged.Clone(), nil
		}
		return stored.Clone(), nil
	}
	return nil, &credits.NotFoundError{Kind: "open expiry request for credit", ID: creditID}
}

// stillOpen applies staged request updates when deciding openness.
func (tx *memTx) stillOpen(id string, fallback *credits.ExpiryRequest) bool {
	if staged, ok := tx.putRequests[id]; ok {
		return staged.Status == credits.ExpiryOpen
	}
	return fallback.Status == credits.ExpiryOpen
}

func (tx *memTx) CreateExpiryRequest(r *credits.ExpiryRequest) error {
	if _, err := tx.OpenExpiryRequest(r.CreditID); err == nil {
		return &credits.ConflictError{CreditID: r.CreditID, Reason: "an open expiry request already exists"}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tx.createdReqs = append(tx.createdReqs, r.Clone())
	return nil
}

func (tx *memTx) PutExpiryRequest(r *credits.ExpiryRequest) error {
	found := false
	for _, staged := range tx.createdReqs {
		if staged.ID == r.ID {
			found = true
			break
		}
	}
	if !found {
		tx.store.mu.Lock()
		_, found = tx.store.requests[r.ID]
		tx.store.mu.Unlock()
	}
	if !found {
		return &credits.NotFoundError{Kind: "expiry request", ID: r.ID}
	}
	tx.putRequests[r.ID] = r.Clone()
	return nil
}

func (tx *memTx) AppendTransaction(t *credits.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	tx.appended = append(tx.appended, t)
	return nil
}

// commit applies all staged writes. Caller holds store.mu.
func (tx *memTx) commit() {
	s := tx.store
	now := time.Now().UTC()

	for _, c := range tx.createdCredits {
		c.Version = 1
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.credits[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	for id, c := range tx.putCredits {
		if prev, ok := s.credits[id]; ok {
			c.Version = prev.Version + 1
			c.CreatedAt = prev.CreatedAt
		}
		c.UpdatedAt = now
		s.credits[id] = c
	}

	for creditID := range tx.cleared {
		delete(s.ballots, creditID)
	}
	for _, b := range tx.addedBallots {
		s.ballots[b.CreditID] = append(s.ballots[b.CreditID], b)
	}

	for _, r := range tx.createdReqs {
		s.requests[r.ID] = r
		if r.Status == credits.ExpiryOpen {
			s.openReq[r.CreditID] = r.ID
		}
	}
	for id, r := range tx.putRequests {
		s.requests[id] = r
		if r.Status == credits.ExpiryOpen {
			s.openReq[r.CreditID] = id
		} else if s.openReq[r.CreditID] == id {
			delete(s.openReq, r.CreditID)
		}
	}

	for _, t := range tx.appended {
		prev := ""
		if chain := s.txns[t.CreditID]; len(chain) > 0 {
			prev = chain[len(chain)-1].Hash
		}
		chainTransaction(t, prev)
		s.txns[t.CreditID] = append(s.txns[t.CreditID], *t)
	}
}

// GetCredit implements Store.
func (s *MemoryStore) GetCredit(ctx context.Context, id string) (*credits.Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[id]
	if !ok {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	return c.Clone(), nil
}

// ListCredits implements Store.
func (s *MemoryStore) ListCredits(ctx context.Context, state credits.State) ([]credits.Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []credits.Credit
	for _, id := range s.order {
		c := s.credits[id]
		if state != "" && c.State != state {
			continue
		}
		out = append(out, *c.Clone())
	}
	return out, nil
}

// GetExpiryRequest implements Store.
func (s *MemoryStore) GetExpiryRequest(ctx context.Context, id string) (*credits.ExpiryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, &credits.NotFoundError{Kind: "expiry request", ID: id}
	}
	return r.Clone(), nil
}

// ListTransactions implements Store.
func (s *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]credits.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []credits.Transaction
	for creditID, chain := range s.txns {
		if filter.CreditID != "" && creditID != filter.CreditID {
			continue
		}
		for _, t := range chain {
			if filter.Type != "" && t.Type != filter.Type {
				continue
			}
			if !filter.Since.IsZero() && t.Timestamp.Before(filter.Since) {
				continue
			}
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// VerifyTransactionChain implements Store.
func (s *MemoryStore) VerifyTransactionChain(ctx context.Context, creditID string) (bool, error) {
	s.mu.Lock()
	chain := append([]credits.Transaction(nil), s.txns[creditID]...)
	s.mu.Unlock()
	return verifyChain(chain), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
