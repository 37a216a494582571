package membership

func (m *Map) Status(id MemberID) Status {
	return m.peers[id].status
}

func (m *Map) IsJoiner(id MemberID) bool { return m.Status(id) == Joiner }
func (m *Map) IsMember(id MemberID) bool { return m.Status(id) == Member }
func (m *Map) IsAlive(id MemberID) bool  { return m.alive.Contains(id) }

// JoinerURL returns the address of a joiner, or the empty URL if id is not a
// joiner. Check IsJoiner first when the difference matters.
func (m *Map) JoinerURL(id MemberID) URL {
	return m.url(id, Joiner)
}

// MemberURL returns the address of a member, or the empty URL if id is not a
// member.
func (m *Map) MemberURL(id MemberID) URL {
	return m.url(id, Member)
}

func (m *Map) url(id MemberID, status Status) URL {
	if p, ok := m.peers[id]; ok && p.status == status {
		return p.url
	}
	return ""
}

func (m *Map) AliveCount() int { return len(m.alive) }

func (m *Map) MemberCount() int { return m.count(Member) }

func (m *Map) JoinerCount() int { return m.count(Joiner) }

func (m *Map) count(status Status) int {
	n := 0
	for _, p := range m.peers {
		if p.status == status {
			n++
		}
	}
	return n
}

// MemberIDs lists members in id order.
func (m *Map) MemberIDs() []MemberID {
	entries := m.entries(Member)
	ids := make([]MemberID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// MemberURLs lists member addresses in member id order.
func (m *Map) MemberURLs() []URL {
	entries := m.entries(Member)
	urls := make([]URL, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	return urls
}

func (m *Map) Alive() Set {
	return m.alive.Clone()
}

func (m *Map) Members() Set {
	return m.set(Member)
}

func (m *Map) Joiners() Set {
	return m.set(Joiner)
}

func (m *Map) set(status Status) Set {
	s := make(Set)
	for id, p := range m.peers {
		if p.status == status {
			s[id] = struct{}{}
		}
	}
	return s
}
