package message

import "sort"

// sortByArrival orders messages by (timestamp, insertion sequence). Seq
// breaks coarse-timestamp ties; id order is never used.
func sortByArrival(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// buildThread assembles the Thread for rootID from the candidate set:
// the root itself plus every message whose parent chain reaches it. An id
// partway down a chain therefore yields its subtree. A dangling parent
// link ends a chain, making that message a standalone root excluded from
// threads it no longer reaches.
func buildThread(rootID string, candidates []*Message) *Thread {
	byID := make(map[string]*Message, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}

	var members []*Message
	for _, m := range candidates {
		if m.ID == rootID || chainReaches(m, rootID, byID) {
			members = append(members, m)
		}
	}
	sortByArrival(members)

	thread := &Thread{
		RootID:   rootID,
		Messages: members,
	}

	seen := make(map[string]bool)
	for _, m := range members {
		if !seen[m.FromSession] {
			seen[m.FromSession] = true
			thread.Participants = append(thread.Participants, m.FromSession)
		}
		if m.Timestamp.After(thread.LastActivity) {
			thread.LastActivity = m.Timestamp
		}
		if m.ID != rootID {
			thread.ReplyCount++
		}
	}
	return thread
}

// chainReaches follows parent links upward until it hits rootID, a true
// root, or a dangling reference. The hop limit guards against malformed
// cyclic chains.
func chainReaches(m *Message, rootID string, byID map[string]*Message) bool {
	const maxHops = 1000
	for hops := 0; hops < maxHops; hops++ {
		if m.ParentID == "" {
			return false
		}
		if m.ParentID == rootID {
			return true
		}
		parent, ok := byID[m.ParentID]
		if !ok {
			return false
		}
		m = parent
	}
	return false
}
