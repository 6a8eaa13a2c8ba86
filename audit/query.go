package audit

import "time"

// Filter narrows a query. Zero-valued fields do not constrain.
type Filter struct {
	CorrelationID string
	Actor         string
	EventType     string
	From          time.Time
	To            time.Time
	Limit         int
}

func (f Filter) matches(e Entry) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Tail returns the last n entries in seq order.
func (l *Log) Tail(n int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Query scans the log and returns matching entries in seq order, up to
// Limit when it is positive.
func (l *Log) Query(f Filter) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
