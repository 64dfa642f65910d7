package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

func TestScopeHash(t *testing.T) {
	got := ScopeHash("CUSTOMER", "cust-1", journal.TxnP2P, "key-001")

	want := sha256.Sum256([]byte("CUSTOMER|cust-1|P2P|key-001"))
	assert.Equal(t, hex.EncodeToString(want[:]), got)

	// Any component change must change the hash.
	assert.NotEqual(t, got, ScopeHash("CUSTOMER", "cust-1", journal.TxnP2P, "key-002"))
	assert.NotEqual(t, got, ScopeHash("CUSTOMER", "cust-2", journal.TxnP2P, "key-001"))
	assert.NotEqual(t, got, ScopeHash("CUSTOMER", "cust-1", journal.TxnDeposit, "key-001"))
	assert.NotEqual(t, got, ScopeHash("AGENT", "cust-1", journal.TxnP2P, "key-001"))
}

func TestPayloadHashInvariantUnderReordering(t *testing.T) {
	a := journal.Entry{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("50.00")}
	b := journal.Entry{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("50.00")}

	h1 := PayloadHash([]journal.Entry{a, b}, "BBD", "p2p transfer")
	h2 := PayloadHash([]journal.Entry{b, a}, "BBD", "p2p transfer")
	assert.Equal(t, h1, h2)
}

func TestPayloadHashSensitivity(t *testing.T) {
	entries := []journal.Entry{
		{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("50.00")},
		{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("50.00")},
	}
	base := PayloadHash(entries, "BBD", "x")

	changedAmount := []journal.Entry{
		{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("51.00")},
		{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("51.00")},
	}
	assert.NotEqual(t, base, PayloadHash(changedAmount, "BBD", "x"))
	assert.NotEqual(t, base, PayloadHash(entries, "USD", "x"))
	assert.NotEqual(t, base, PayloadHash(entries, "BBD", "y"))
}

// The canonical payload is compact JSON with lexicographically sorted keys;
// equal amounts in different wire spellings hash identically because the
// canonical form re-renders them.
func TestPayloadHashCanonicalAmountForm(t *testing.T) {
	whole := []journal.Entry{
		{AccountID: "a", EntryType: journal.DR, Amount: money.MustParse("100")},
		{AccountID: "b", EntryType: journal.CR, Amount: money.MustParse("100")},
	}
	fractional := []journal.Entry{
		{AccountID: "a", EntryType: journal.DR, Amount: money.MustParse("100.00")},
		{AccountID: "b", EntryType: journal.CR, Amount: money.MustParse("100.00")},
	}
	assert.Equal(t,
		PayloadHash(whole, "BBD", ""),
		PayloadHash(fractional, "BBD", ""))
}

func TestJournalHashChaining(t *testing.T) {
	lines := []LineInput{
		{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("10.00")},
		{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("10.00")},
	}

	genesis := JournalHash("", "j-1", "BBD", journal.TxnDeposit, lines)
	require.Len(t, genesis, 64)

	next := JournalHash(genesis, "j-2", "BBD", journal.TxnP2P, lines)
	assert.NotEqual(t, genesis, next)

	// Same inputs reproduce the same hash.
	assert.Equal(t, genesis, JournalHash("", "j-1", "BBD", journal.TxnDeposit, lines))

	// Line order does not matter.
	reordered := []LineInput{lines[1], lines[0]}
	assert.Equal(t, genesis, JournalHash("", "j-1", "BBD", journal.TxnDeposit, reordered))

	// Every hashed field matters.
	assert.NotEqual(t, genesis, JournalHash("", "j-x", "BBD", journal.TxnDeposit, lines))
	assert.NotEqual(t, genesis, JournalHash("", "j-1", "USD", journal.TxnDeposit, lines))
	assert.NotEqual(t, genesis, JournalHash("", "j-1", "BBD", journal.TxnP2P, lines))
}

func TestJournalHashFromLines(t *testing.T) {
	j := journal.Journal{ID: "j-1", Currency: "BBD", TxnType: journal.TxnDeposit}
	lines := []journal.Line{
		{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("10.00")},
		{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("10.00")},
	}
	want := JournalHash("", "j-1", "BBD", journal.TxnDeposit, []LineInput{
		{AccountID: "acc-a", EntryType: journal.DR, Amount: money.MustParse("10.00")},
		{AccountID: "acc-b", EntryType: journal.CR, Amount: money.MustParse("10.00")},
	})
	assert.Equal(t, want, JournalHashFromLines("", j, lines))
}
