package credits

import (
	"time"
)

// State represents the lifecycle state of a credit.
type State string

const (
	StateCreated       State = "CREATED"
	StatePendingAudit  State = "PENDING_AUDIT"
	StateAudited       State = "AUDITED"
	StateRejected      State = "REJECTED"
	StateListed        State = "LISTED"
	StateSold          State = "SOLD"
	StatePendingExpiry State = "PENDING_EXPIRY"
	StateExpired       State = "EXPIRED"
)

// Role identifies the kind of actor performing an action.
type Role string

const (
	RoleNGO     Role = "ngo"
	RoleAuditor Role = "auditor"
	RoleBuyer   Role = "buyer"
)

// Decision is a single auditor's verdict on a pending round.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// TransactionType classifies entries in the append-only transaction log.
type TransactionType string

const (
	TransactionAudit       TransactionType = "AUDIT"
	TransactionSale        TransactionType = "SALE"
	TransactionSaleRemoval TransactionType = "SALE_REMOVAL"
	TransactionExpiry      TransactionType = "EXPIRY"
)

// Credit is the tokenized environmental asset unit under lifecycle management.
// ID, Issuer, Amount, Name and DocumentURL are immutable after creation.
// ListingPrice is set iff State == StateListed.
type Credit struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Issuer       string    `json:"issuer"`
	Owner        string    `json:"owner"`
	Amount       int64     `json:"amount"`
	State        State     `json:"state"`
	ListingPrice *int64    `json:"listing_price,omitempty"`
	DocumentURL  string    `json:"document_url,omitempty"`
	Auditors     []string  `json:"auditors"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the credit.
func (c *Credit) Clone() *Credit {
	cp := *c
	if c.ListingPrice != nil {
		price := *c.ListingPrice
		cp.ListingPrice = &price
	}
	cp.Auditors = append([]string(nil), c.Auditors...)
	return &cp
}

// AssignedAuditor reports whether auditorID belongs to the credit's
// assigned auditor pool.
func (c *Credit) AssignedAuditor(auditorID string) bool {
	for _, id := range c.Auditors {
		if id == auditorID {
			return true
		}
	}
	return false
}

// AuditBallot is a single auditor's vote, immutable once cast. An auditor
// may cast at most one ballot per credit per round.
type AuditBallot struct {
	CreditID  string    `json:"credit_id"`
	AuditorID string    `json:"auditor_id"`
	Decision  Decision  `json:"decision"`
	CastAt    time.Time `json:"cast_at"`
}

// ExpiryStatus is the resolution status of an expiry request.
type ExpiryStatus string

const (
	ExpiryOpen     ExpiryStatus = "OPEN"
	ExpiryVerified ExpiryStatus = "VERIFIED"
	ExpiryRejected ExpiryStatus = "REJECTED"
)

// ExpiryRequest is an owner-initiated request to retire a credit, gated by
// auditor verification. At most one open request exists per credit. The
// request records the state (and, for Listed credits, the price) the
// credit reverts to when verification fails.
type ExpiryRequest struct {
	ID          string        `json:"id"`
	CreditID    string        `json:"credit_id"`
	RequestedBy string        `json:"requested_by"`
	PriorState  State         `json:"prior_state"`
	PriorPrice  *int64        `json:"prior_price,omitempty"`
	Status      ExpiryStatus  `json:"status"`
	Ballots     []AuditBallot `json:"verifications"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// HasBallotFrom reports whether auditorID already voted on this request.
func (r *ExpiryRequest) HasBallotFrom(auditorID string) bool {
	for _, b := range r.Ballots {
		if b.AuditorID == auditorID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the request.
func (r *ExpiryRequest) Clone() *ExpiryRequest {
	cp := *r
	cp.Ballots = append([]AuditBallot(nil), r.Ballots...)
	if r.PriorPrice != nil {
		price := *r.PriorPrice
		cp.PriorPrice = &price
	}
	if r.ResolvedAt != nil {
		ts := *r.ResolvedAt
		cp.ResolvedAt = &ts
	}
	return &cp
}

// Transaction is one entry of the append-only audit trail. Entries are
// hash-chained per credit and never mutated or deleted.
type Transaction struct {
	ID             string            `json:"id"`
	CreditID       string            `json:"credit_id"`
	Type           TransactionType   `json:"type"`
	Parties        []string          `json:"parties"`
	ResultingState State             `json:"resulting_state"`
	Timestamp      time.Time         `json:"timestamp"`
	PrevHash       string            `json:"prev_hash"`
	Hash           string            `json:"hash"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Identity is a verified caller identity supplied by the external
// authentication provider.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
