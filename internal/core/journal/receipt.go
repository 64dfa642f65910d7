package journal

import (
	"encoding/json"
	"time"
)

// ReceiptEntry is one leg as rendered on a receipt. Amounts are wire
// decimal strings.
type ReceiptEntry struct {
	AccountID   string `json:"account_id"`
	EntryType   string `json:"entry_type"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// Receipt is the caller-visible outcome of a successful posting. Replays
// of the same command return the stored receipt byte for byte, so the
// field set and order here are part of the wire contract.
type Receipt struct {
	JournalID     string         `json:"journal_id"`
	State         string         `json:"state"`
	Entries       []ReceiptEntry `json:"entries"`
	CreatedAt     string         `json:"created_at"`
	CorrelationID string         `json:"correlation_id"`
	TxnType       string         `json:"txn_type"`
	Currency      string         `json:"currency"`
}

// NewReceipt renders a committed journal and its entries as a receipt.
// Timestamps are RFC 3339 UTC.
func NewReceipt(j Journal, entries []ReceiptEntry) Receipt {
	return Receipt{
		JournalID:     j.ID,
		State:         string(j.State),
		Entries:       entries,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: j.CorrelationID,
		TxnType:       string(j.TxnType),
		Currency:      j.Currency,
	}
}

// Encode serializes the receipt for storage in result_json.
func (r Receipt) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReceipt parses a stored result_json back into a receipt.
func DecodeReceipt(data []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}
