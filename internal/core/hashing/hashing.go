// Package hashing computes the canonical SHA-256 fingerprints used across
// the ledger: the idempotency scope hash, the command payload hash, and
// the chained journal hash. Canonical forms are fixed byte sequences;
// any change here invalidates stored hashes.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

// ScopeHash fingerprints the idempotency scope:
// SHA-256(actor_type "|" actor_id "|" txn_type "|" idempotency_key),
// UTF-8, no trailing newline, lowercase hex.
func ScopeHash(actorType, actorID string, txnType journal.TxnType, idempotencyKey string) string {
	s := strings.Join([]string{actorType, actorID, string(txnType), idempotencyKey}, "|")
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalEntry mirrors one command entry in the canonical payload form.
// Field order is the lexicographic key order required by the wire contract.
type canonicalEntry struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	EntryType string `json:"entry_type"`
}

// canonicalPayload is the canonical command body. encoding/json emits
// struct fields in declaration order with no whitespace, which yields the
// sorted-key, compact JSON the contract requires.
type canonicalPayload struct {
	Currency    string           `json:"currency"`
	Description string           `json:"description"`
	Entries     []canonicalEntry `json:"entries"`
}

// PayloadHash fingerprints a command body. Entries are sorted by
// (account_id, entry_type) before encoding, so the hash is invariant
// under caller-side reordering. Sorting is plain byte comparison, never
// locale-aware.
func PayloadHash(entries []journal.Entry, currency, description string) string {
	ce := make([]canonicalEntry, len(entries))
	for i, e := range entries {
		ce[i] = canonicalEntry{
			AccountID: e.AccountID,
			Amount:    money.Format(e.Amount),
			EntryType: string(e.EntryType),
		}
	}
	sort.Slice(ce, func(i, j int) bool {
		if ce[i].AccountID != ce[j].AccountID {
			return ce[i].AccountID < ce[j].AccountID
		}
		return ce[i].EntryType < ce[j].EntryType
	})
	raw, err := json.Marshal(canonicalPayload{
		Currency:    currency,
		Description: description,
		Entries:     ce,
	})
	if err != nil {
		// Marshalling fixed string-only structs cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalJournal is the canonical journal form hashed into the chain.
// Lines are (account_id, entry_type, amount) triples sorted byte-wise.
type canonicalJournal struct {
	Currency    string      `json:"currency"`
	JournalID   string      `json:"journal_id"`
	LedgerLines [][3]string `json:"ledger_lines"`
	TxnType     string      `json:"txn_type"`
}

// LineInput is the subset of a ledger line that participates in the
// journal hash.
type LineInput struct {
	AccountID string
	EntryType journal.EntryType
	Amount    money.Amount
}

// JournalHash extends the chain: SHA-256(prev_hash || canonical(journal)).
// The genesis journal uses prevHash = "".
func JournalHash(prevHash, journalID, currency string, txnType journal.TxnType, lines []LineInput) string {
	triples := make([][3]string, len(lines))
	for i, l := range lines {
		triples[i] = [3]string{l.AccountID, string(l.EntryType), money.Format(l.Amount)}
	}
	sort.Slice(triples, func(i, j int) bool {
		if triples[i][0] != triples[j][0] {
			return triples[i][0] < triples[j][0]
		}
		if triples[i][1] != triples[j][1] {
			return triples[i][1] < triples[j][1]
		}
		return triples[i][2] < triples[j][2]
	})
	raw, err := json.Marshal(canonicalJournal{
		Currency:    currency,
		JournalID:   journalID,
		LedgerLines: triples,
		TxnType:     string(txnType),
	})
	if err != nil {
		panic(err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// JournalHashFromLines is JournalHash over persisted ledger lines.
func JournalHashFromLines(prevHash string, j journal.Journal, lines []journal.Line) string {
	in := make([]LineInput, len(lines))
	for i, l := range lines {
		in[i] = LineInput{AccountID: l.AccountID, EntryType: l.EntryType, Amount: l.Amount}
	}
	return JournalHash(prevHash, j.ID, j.Currency, j.TxnType, in)
}
