package model

// Reconcile collapses an append-only record history into the latest state of
// each message. The record with the highest Revision wins; on equal revisions
// the later record wins. Results keep the order in which each id first appeared.
func Reconcile(histories ...[]Message) []Message {
	latest := make(map[string]int)
	var out []Message
	for _, history := range histories {
		for _, m := range history {
			idx, seen := latest[m.ID]
			if !seen {
				latest[m.ID] = len(out)
				out = append(out, m)
				continue
			}
			if m.Revision >= out[idx].Revision {
				out[idx] = m
			}
		}
	}
	return out
}
