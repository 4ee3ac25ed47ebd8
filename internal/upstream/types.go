package upstream

import (
	"encoding/json"
	"time"
)

// Account is a remote bank account as returned by the accounts listing.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Transaction is a remote transaction record.
//
// UpdatedAt is the remote side's last-modified timestamp. Some deployments
// omit it for records that were never modified; the conflict check treats
// a missing timestamp as "no conflict possible", never falling back to the
// creation time.
type Transaction struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Description string     `json:"description,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	Date        time.Time  `json:"date"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	// Raw is the undecoded record, cached locally as opaque payload.
	Raw json.RawMessage `json:"-"`
}

// ListOptions filters a paginated transaction listing.
type ListOptions struct {
	Cursor    string
	Since     time.Time
	Until     time.Time
	AccountID string
	Limit     int
}

// Page is one page of a transaction listing. NextCursor is empty when
// the listing is exhausted.
type Page struct {
	Transactions []Transaction
	NextCursor   string
}

// TagDelta is an additive/subtractive tag update.
type TagDelta struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type accountsResponse struct {
	Accounts []Account `json:"accounts"`
}

type transactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

type transactionResponse struct {
	Transaction json.RawMessage `json:"transaction"`
}

type errorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
