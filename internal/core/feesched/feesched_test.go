package feesched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

func TestRuleApply(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		amount string
		want   string
	}{
		{"flat only", Rule{FlatCents: money.MustParse("0.50")}, "100.00", "0.50"},
		{"bps only", Rule{BasisPoints: 150}, "100.00", "1.50"},
		{"flat plus bps", Rule{FlatCents: money.MustParse("0.25"), BasisPoints: 100}, "200.00", "2.25"},
		{"half-even rounds down", Rule{BasisPoints: 25}, "10.10", "0.03"},
		{"half-even at midpoint", Rule{BasisPoints: 50}, "1.00", "0.00"},
		{"free", Rule{}, "500.00", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Apply(money.MustParse(tt.amount))
			assert.Equal(t, tt.want, money.Format(got))
		})
	}
}

func TestScheduleVersions(t *testing.T) {
	s := NewSchedule()

	_, err := s.Resolve("v1")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	require.NoError(t, s.Register("v1", Matrix{
		journal.TxnP2P: {FlatCents: money.MustParse("0.10"), BasisPoints: 100},
	}))
	require.NoError(t, s.Register("v2", Matrix{
		journal.TxnP2P: {FlatCents: money.MustParse("0.20"), BasisPoints: 200},
	}))

	assert.Equal(t, "v2", s.LatestVersion())

	// Pinned version keeps pricing stable after a matrix change.
	fee, err := s.Charge("v1", journal.TxnP2P, money.MustParse("100.00"))
	require.NoError(t, err)
	assert.Equal(t, "1.10", money.Format(fee))

	// Empty version resolves to latest.
	fee, err = s.Charge("", journal.TxnP2P, money.MustParse("100.00"))
	require.NoError(t, err)
	assert.Equal(t, "2.20", money.Format(fee))

	// Unknown type is free.
	fee, err = s.Charge("v2", journal.TxnDeposit, money.MustParse("100.00"))
	require.NoError(t, err)
	assert.True(t, fee.IsZero())

	// Versions are immutable.
	assert.Error(t, s.Register("v1", Matrix{}))
}

func TestDecodeMatrix(t *testing.T) {
	version, m, err := DecodeMatrix([]byte(`{
		"version_id": "v7",
		"rules": {
			"P2P":     {"flat": "0.50", "basis_points": 30},
			"DEPOSIT": {"flat": "1.00"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "v7", version)
	require.Len(t, m, 2)
	assert.Equal(t, money.MustParse("0.50"), m[journal.TxnP2P].FlatCents)
	assert.EqualValues(t, 30, m[journal.TxnP2P].BasisPoints)
	assert.Equal(t, money.MustParse("1.00"), m[journal.TxnDeposit].FlatCents)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"no version", `{"rules":{}}`},
		{"unknown txn type", `{"version_id":"v8","rules":{"WIRE":{"flat":"1.00"}}}`},
		{"malformed flat", `{"version_id":"v8","rules":{"P2P":{"flat":"1.005"}}}`},
		{"negative flat", `{"version_id":"v8","rules":{"P2P":{"flat":"-1.00"}}}`},
		{"negative bps", `{"version_id":"v8","rules":{"P2P":{"flat":"0.00","basis_points":-5}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeMatrix([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
