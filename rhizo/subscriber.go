package rhizo

import "github.com/rhizodata/rhizo/txn"

// ChangelogSubscriber polls an Engine's transaction changelog from a
// cursor, the mechanism a change-data-capture consumer uses to observe
// every committed transaction exactly once, in commit order.
type ChangelogSubscriber struct {
	engine *Engine
	cursor int64
}

// NewChangelogSubscriber creates a subscriber starting just after
// afterTxID (0 to receive every entry from the beginning of the log).
func (e *Engine) NewChangelogSubscriber(afterTxID int64) (*ChangelogSubscriber, error) {
	if e.txns == nil {
		return nil, errTransactionsDisabled
	}
	return &ChangelogSubscriber{engine: e, cursor: afterTxID}, nil
}

// Poll returns every changelog entry committed since the last Poll (or
// since construction, on the first call), advancing the cursor past the
// highest tx_id returned.
func (s *ChangelogSubscriber) Poll() []txn.ChangelogEntry {
	entries := s.engine.txns.GetChangelog(txn.ChangelogFilter{SinceTxID: s.cursor})
	for _, e := range entries {
		if e.TxID > s.cursor {
			s.cursor = e.TxID
		}
	}
	return entries
}

// Cursor reports the tx_id the subscriber has fully consumed through.
func (s *ChangelogSubscriber) Cursor() int64 { return s.cursor }
