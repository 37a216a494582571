package membership

// UpdateRequest records that id asked to join with the given address.
// It returns true only when id becomes a new joiner. A repeated request
// refreshes the joiner's address; a request from a member is ignored.
func (m *Map) UpdateRequest(id MemberID, url URL) bool {
	from, to := m.apply(id, url, request)
	return from == Unknown && to == Joiner
}

// UpdateOffer checks an offer from member "from" to update joiner "to".
// On acceptance it returns the joiner's address. Offers to peers that are not
// joiners, or from peers that are not members, are rejected without error:
// replayed and duplicate offers are expected.
//
// Acceptance does not change the map; "to" stays a joiner until Ready.
func (m *Map) UpdateOffer(from, to MemberID) (URL, bool) {
	if !m.IsMember(from) {
		return "", false
	}
	p, ok := m.peers[to]
	if !ok || p.status != Joiner {
		return "", false
	}
	return p.url, true
}

// Ready admits id as a member with the given address.
// It returns true if id was not already a member.
func (m *Map) Ready(id MemberID, url URL) bool {
	from, _ := m.apply(id, url, ready)
	return from != Member
}

// FirstJoiner returns the joiner with the least id. Every member holding the
// same joiners computes the same target for the next offer.
func (m *Map) FirstJoiner() (MemberID, bool) {
	var first MemberID
	found := false
	for id, p := range m.peers {
		if p.status != Joiner {
			continue
		}
		if !found || id < first {
			first = id
			found = true
		}
	}
	return first, found
}
