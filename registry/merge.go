package registry

// MergeStats counts what a merge did to the local document.
type MergeStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Kept    int `json:"kept"`
}

// MergeDocuments folds remote into a copy of local. For ids present on both
// sides the record with the later LastSeen wins; on a tie the local record
// is kept. Ids present on one side only are carried through. Neither input
// is modified. Metadata on the result is not refreshed.
func MergeDocuments(local, remote *Document) (*Document, MergeStats) {
	var stats MergeStats
	out := NewDocument()
	if local != nil {
		out = local.Clone()
		if out.Nodes == nil {
			out.Nodes = make(map[string]*Node)
		}
	}
	if remote == nil {
		return out, stats
	}

	for id, theirs := range remote.Nodes {
		if theirs == nil {
			continue
		}
		ours, ok := out.Nodes[id]
		switch {
		case !ok:
			out.Nodes[id] = theirs.clone()
			stats.Added++
		case theirs.LastSeen.After(ours.LastSeen):
			out.Nodes[id] = theirs.clone()
			stats.Updated++
		default:
			stats.Kept++
		}
	}
	return out, stats
}
