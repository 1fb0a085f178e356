package dramanotify

// Diff returns the records whose key is not already in state, preserving
// sheet order. Within-run duplicate keys are reported once, first occurrence
// wins. Pure: neither records nor state are modified.
func Diff(records []EpisodeRecord, state *SeenState) []EpisodeRecord {
	fresh := make([]EpisodeRecord, 0, len(records))
	reported := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := r.Key()
		if state.Has(key) {
			continue
		}
		if _, ok := reported[key]; ok {
			continue
		}
		reported[key] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}
