package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Export is a portable snapshot of the log. The terminal chain hash
// lets a recipient verify the snapshot independently.
type Export struct {
	ExportedAt   time.Time `json:"exported_at"`
	TotalEntries int       `json:"total_entries"`
	ChainHash    string    `json:"chain_hash"`
	Entries      []Entry   `json:"entries"`
}

// ExportJSON renders the full log as a single JSON document.
func (l *Log) ExportJSON() ([]byte, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	head := ""
	if len(entries) > 0 {
		head = entries[len(entries)-1].ChainHash
	}
	doc := Export{
		ExportedAt:   time.Now().UTC(),
		TotalEntries: len(entries),
		ChainHash:    head,
		Entries:      entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal audit export: %w", err)
	}
	return data, nil
}
