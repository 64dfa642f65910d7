// Package feesched holds the versioned fee and commission matrices. A
// posting command pins the version it was priced under via
// fee_version_id / commission_version_id, so replays and reversals see
// the same numbers even after the matrix changes. Matrix changes go
// through maker-checker approval before Register is called.
package feesched

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

// ErrVersionNotFound is returned when resolving an unknown version id.
var ErrVersionNotFound = errors.New("fee schedule version not found")

// Rule prices one transaction type: a flat component plus a proportional
// component in basis points of the moved amount.
type Rule struct {
	FlatCents   money.Amount
	BasisPoints int64
}

// Apply computes the charge for amount. The proportional part is
// computed in exact decimal and rounded half-even to whole cents.
func (r Rule) Apply(amount money.Amount) money.Amount {
	if r.BasisPoints == 0 {
		return r.FlatCents
	}
	proportional := decimal.New(amount.Cents(), 0).
		Mul(decimal.New(r.BasisPoints, -4)).
		RoundBank(0)
	return r.FlatCents.Add(money.Amount(proportional.IntPart()))
}

// Matrix maps transaction types onto pricing rules. Types without a rule
// are free.
type Matrix map[journal.TxnType]Rule

// Schedule is the registry of matrix versions. Versions are immutable
// once registered.
type Schedule struct {
	mu       sync.RWMutex
	versions map[string]Matrix
	latest   string
}

// NewSchedule creates an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{versions: make(map[string]Matrix)}
}

// Register adds a matrix under a version id and marks it latest.
// Re-registering an existing version is rejected; versions never change
// in place.
func (s *Schedule) Register(versionID string, m Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[versionID]; exists {
		return fmt.Errorf("fee schedule version %s already registered", versionID)
	}
	cp := make(Matrix, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.versions[versionID] = cp
	s.latest = versionID
	return nil
}

// Resolve returns the matrix for a version id; an empty id resolves to
// the latest registered version.
func (s *Schedule) Resolve(versionID string) (Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if versionID == "" {
		versionID = s.latest
	}
	m, ok := s.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrVersionNotFound, versionID)
	}
	return m, nil
}

// LatestVersion returns the id of the most recently registered matrix,
// or "" when none exists.
func (s *Schedule) LatestVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// ruleWire is the JSON form of one rule in a matrix-change payload. Flat
// is a decimal string, same format the posting API accepts.
type ruleWire struct {
	Flat        string `json:"flat"`
	BasisPoints int64  `json:"basis_points"`
}

// matrixWire is the after_json payload of a FEE_MATRIX_CHANGE approval.
type matrixWire struct {
	VersionID string              `json:"version_id"`
	Rules     map[string]ruleWire `json:"rules"`
}

// DecodeMatrix parses the approval payload form of a matrix change and
// returns the version id and matrix it describes.
func DecodeMatrix(raw []byte) (string, Matrix, error) {
	var w matrixWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", nil, fmt.Errorf("decode fee matrix: %w", err)
	}
	if w.VersionID == "" {
		return "", nil, errors.New("fee matrix payload has no version_id")
	}
	m := make(Matrix, len(w.Rules))
	for txn, rw := range w.Rules {
		t := journal.TxnType(txn)
		if !t.Valid() {
			return "", nil, fmt.Errorf("fee matrix names unknown txn_type %q", txn)
		}
		flat, err := money.Parse(rw.Flat)
		if err != nil {
			return "", nil, fmt.Errorf("fee matrix rule for %s: %w", txn, err)
		}
		if flat < 0 {
			return "", nil, fmt.Errorf("fee matrix rule for %s has a negative flat component", txn)
		}
		if rw.BasisPoints < 0 {
			return "", nil, fmt.Errorf("fee matrix rule for %s has negative basis points", txn)
		}
		m[t] = Rule{FlatCents: flat, BasisPoints: rw.BasisPoints}
	}
	return w.VersionID, m, nil
}

// Charge resolves the rule for txnType under versionID and applies it to
// amount. Unknown types charge nothing.
func (s *Schedule) Charge(versionID string, txnType journal.TxnType, amount money.Amount) (money.Amount, error) {
	m, err := s.Resolve(versionID)
	if err != nil {
		return 0, err
	}
	rule, ok := m[txnType]
	if !ok {
		return 0, nil
	}
	return rule.Apply(amount), nil
}
