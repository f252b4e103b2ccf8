package reconciler

import "ledger-reconciliation-service/internal/matcher"

// claimSet maps a journal entry id to the transaction whose active match holds it.
// It is the only state shared between the scoring and commit phases: scorers read a clone,
// the commit phase owns the live set.
type claimSet map[string]string

var _ matcher.ClaimView = claimSet(nil)

func (c claimSet) ClaimedBy(entryID string) (string, bool) {
	txnID, ok := c[entryID]
	return txnID, ok
}

func (c claimSet) clone() claimSet {
	out := make(claimSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c claimSet) hold(txnID string, entryIDs []string) {
	for _, id := range entryIDs {
		c[id] = txnID
	}
}

// release drops the claims txnID holds; claims of other transactions are kept
func (c claimSet) release(txnID string, entryIDs []string) {
	for _, id := range entryIDs {
		if c[id] == txnID {
			delete(c, id)
		}
	}
}

// conflicts reports whether any entry is held by a different transaction
func (c claimSet) conflicts(txnID string, entryIDs []string) bool {
	for _, id := range entryIDs {
		if owner, ok := c[id]; ok && owner != txnID {
			return true
		}
	}
	return false
}
