package audit

import (
	"fmt"
	"log/slog"
)

// Issue describes one verification failure.
type Issue struct {
	Seq     uint64 `json:"seq"`
	Problem string `json:"problem"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid          bool    `json:"valid"`
	TotalEntries   int     `json:"total_entries"`
	InvalidEntries int     `json:"invalid_entries"`
	FirstInvalid   uint64  `json:"first_invalid_seq,omitempty"`
	Issues         []Issue `json:"issues,omitempty"`
}

// VerifyChain recomputes every entry hash and chain link end to end.
// On failure the integrity latch is set and Append refuses new entries
// until Reset.
func (l *Log) VerifyChain() (Report, error) {
	entries, err := l.readAll()
	if err != nil {
		return Report{}, err
	}

	rep := Report{Valid: true, TotalEntries: len(entries)}
	prev := ""
	wantSeq := uint64(1)
	for _, e := range entries {
		var problems []string
		if e.Seq != wantSeq {
			problems = append(problems, fmt.Sprintf("seq %d, want %d", e.Seq, wantSeq))
		}
		eh, err := entryHash(e)
		if err != nil {
			return Report{}, err
		}
		if eh != e.EntryHash {
			problems = append(problems, "entry_hash mismatch")
		}
		if ch := chainHash(e.EntryHash, prev); ch != e.ChainHash {
			problems = append(problems, "chain_hash mismatch")
		}
		for _, p := range problems {
			rep.Issues = append(rep.Issues, Issue{Seq: e.Seq, Problem: p})
		}
		if len(problems) > 0 {
			rep.InvalidEntries++
			if rep.Valid {
				rep.Valid = false
				rep.FirstInvalid = e.Seq
			}
		}
		prev = e.ChainHash
		wantSeq = e.Seq + 1
	}

	if !rep.Valid {
		l.mu.Lock()
		l.broken = true
		l.mu.Unlock()
		l.logger.Error("audit chain verification failed",
			slog.Int("invalid_entries", rep.InvalidEntries),
			slog.Uint64("first_invalid_seq", rep.FirstInvalid))
	}
	return rep, nil
}
