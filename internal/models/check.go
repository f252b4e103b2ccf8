package models

import (
	"fmt"
	"strings"
	"time"
)

// CheckType is the kind of consistency condition detected
type CheckType string

const (
	CheckDuplicate    CheckType = "duplicate"
	CheckTransferPair CheckType = "transfer_pair"
	CheckAnomaly      CheckType = "anomaly"
)

// Severity ranks how strongly a check should hold back approval
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities, low < medium < high
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// CheckStatus is the lifecycle state of a consistency check
type CheckStatus string

const (
	CheckOpen     CheckStatus = "open"
	CheckResolved CheckStatus = "resolved"
)

// Resolution records the human decision that closed a check
type Resolution string

const (
	// ResolutionApproved acknowledges the condition and ignores it
	ResolutionApproved Resolution = "approved"
	// ResolutionRejected means the underlying matches must be undone
	ResolutionRejected Resolution = "rejected"
	// ResolutionFlagged closes the check but marks it for follow-up
	ResolutionFlagged Resolution = "flagged"
)

// ParseResolution accepts the action verbs used by the review API
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return ResolutionApproved, nil
	case "reject", "rejected":
		return ResolutionRejected, nil
	case "flag", "flagged":
		return ResolutionFlagged, nil
	}
	return "", fmt.Errorf("invalid resolution '%s': must be approve, reject or flag", s)
}

// ConsistencyCheck is a flagged condition over one or more bank transactions
type ConsistencyCheck struct {
	ID             string                 `json:"id"`
	CheckType      CheckType              `json:"check_type"`
	Severity       Severity               `json:"severity"`
	RelatedTxnIDs  []string               `json:"related_txn_ids"`
	Fingerprint    string                 `json:"fingerprint"`
	Details        map[string]interface{} `json:"details"`
	Status         CheckStatus            `json:"status"`
	Resolution     Resolution             `json:"resolution,omitempty"`
	ResolutionNote string                 `json:"resolution_note,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
}

// CheckFingerprint identifies a triggering condition: the check type plus the sorted txn ids
func CheckFingerprint(checkType CheckType, txnIDs []string) string {
	return string(checkType) + ":" + strings.Join(SortEntryIDs(txnIDs), ",")
}

// Resolve closes an open check. Resolved checks cannot be resolved again.
func (c *ConsistencyCheck) Resolve(resolution Resolution, note string, at time.Time) error {
	if c.Status != CheckOpen {
		return fmt.Errorf("check %s is already %s", c.ID, c.Status)
	}
	switch resolution {
	case ResolutionApproved, ResolutionRejected, ResolutionFlagged:
	default:
		return fmt.Errorf("invalid resolution: %s", resolution)
	}
	c.Status = CheckResolved
	c.Resolution = resolution
	c.ResolutionNote = note
	c.ResolvedAt = &at
	return nil
}

// BlocksApproval reports whether the check holds back batch acceptance
func (c *ConsistencyCheck) BlocksApproval() bool {
	return c.Status == CheckOpen && c.Severity.Rank() >= SeverityMedium.Rank()
}

// References reports whether the check covers the given transaction
func (c *ConsistencyCheck) References(txnID string) bool {
	for _, id := range c.RelatedTxnIDs {
		if id == txnID {
			return true
		}
	}
	return false
}
