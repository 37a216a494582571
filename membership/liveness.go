package membership

// ConfigChange replaces the alive set with the ids in a group configuration
// change. It returns true if the alive set changed. Joiners and members are
// left alone: a member that drops out of the group stays a member until the
// caller decides otherwise.
//
// A malformed list leaves the map untouched and returns a *FormatError.
func (m *Map) ConfigChange(addresses string) (bool, error) {
	update, err := Decode(addresses)
	if err != nil {
		return false, err
	}
	if update.Equal(m.alive) {
		return false, nil
	}
	m.alive = update
	return true, nil
}
