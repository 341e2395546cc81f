// Package cert issues retirement and ownership certificates for finalized
// transactions. A certificate is an immutable JSON document anchored to the
// transaction's chain hash, stored under a deterministic key so re-issuance
// is detected rather than duplicated.
package cert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// Certificate is the document stored for a finalized sale or expiry.
type Certificate struct {
	CreditID        string                  `json:"credit_id"`
	CreditName      string                  `json:"credit_name"`
	Amount          int64                   `json:"amount"`
	Holder          string                  `json:"holder"`
	TransactionID   string                  `json:"transaction_id"`
	TransactionType credits.TransactionType `json:"transaction_type"`
	ChainHash       string                  `json:"chain_hash"`
	IssuedAt        time.Time               `json:"issued_at"`
}

// Issuer writes certificates to a blob store.
type Issuer struct {
	store BlobStore
}

// NewIssuer creates a certificate issuer backed by the given blob store.
func NewIssuer(store BlobStore) *Issuer {
	return &Issuer{store: store}
}

// Key returns the storage key for a certificate.
func Key(creditID, transactionID string) string {
	return fmt.Sprintf("certificates/%s/%s.json", creditID, transactionID)
}

// Issue writes the certificate for a finalized transaction and returns its
// storage key. Sale certificates name the buyer as holder; expiry
// certificates name the final owner.
func (i *Issuer) Issue(ctx context.Context, credit *credits.Credit, txn *credits.Transaction) (string, error) {
	if txn.Type != credits.TransactionSale && txn.Type != credits.TransactionExpiry {
		return "", fmt.Errorf("no certificate for transaction type %s", txn.Type)
	}

	doc := Certificate{
		CreditID:        credit.ID,
		CreditName:      credit.Name,
		Amount:          credit.Amount,
		Holder:          credit.Owner,
		TransactionID:   txn.ID,
		TransactionType: txn.Type,
		ChainHash:       txn.Hash,
		IssuedAt:        time.Now().UTC(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal certificate: %w", err)
	}

	key := Key(credit.ID, txn.ID)
	if err := i.store.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("store certificate %s: %w", key, err)
	}
	return key, nil
}

// Load reads a previously issued certificate back from the store.
func (i *Issuer) Load(ctx context.Context, creditID, transactionID string) (*Certificate, error) {
	rc, err := i.store.Get(ctx, Key(creditID, transactionID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var doc Certificate
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &doc, nil
}
