package recordinglog

// Fake is an in-memory Log for agent unit tests, avoiding a sqlite file per
// test case the way the teacher's repository tests avoid a real Postgres
// instance by depending only on the repository interface.
type Fake struct {
	entries []Entry
	next    int64
}

// NewFake returns an empty in-memory Log.
func NewFake() *Fake {
	return &Fake{next: 1}
}

func (f *Fake) FindLastTerm() (Entry, bool, error) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].Type == EntryTypeTerm && f.entries[i].Valid {
			return f.entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

func (f *Fake) GetLatestSnapshot(serviceID int32) (Snapshot, bool, error) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.Type == EntryTypeSnapshot && e.Valid && e.ServiceID == serviceID {
			return Snapshot{
				RecordingID:         e.RecordingID,
				LeadershipTermID:    e.LeadershipTermID,
				TermBaseLogPosition: e.TermBaseLogPosition,
				LogPosition:         e.LogPosition,
				TimestampMs:         e.TimestampMs,
				ServiceID:           e.ServiceID,
			}, true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (f *Fake) IsUnknown(leadershipTermID int64) (bool, error) {
	for _, e := range f.entries {
		if e.Type == EntryTypeTerm && e.Valid && e.LeadershipTermID == leadershipTermID {
			return false, nil
		}
	}
	return true, nil
}

func (f *Fake) AppendTerm(recordingID, leadershipTermID, termBaseLogPosition, logPosition, timestampMs int64) error {
	f.entries = append(f.entries, Entry{
		EntryIndex:          f.next,
		RecordingID:         recordingID,
		LeadershipTermID:    leadershipTermID,
		TermBaseLogPosition: termBaseLogPosition,
		LogPosition:         logPosition,
		TimestampMs:         timestampMs,
		ServiceID:           -1,
		Type:                EntryTypeTerm,
		Valid:               true,
	})
	f.next++
	return nil
}

func (f *Fake) AppendSnapshot(s Snapshot) error {
	f.entries = append(f.entries, Entry{
		EntryIndex:          f.next,
		RecordingID:         s.RecordingID,
		LeadershipTermID:    s.LeadershipTermID,
		TermBaseLogPosition: s.TermBaseLogPosition,
		LogPosition:         s.LogPosition,
		TimestampMs:         s.TimestampMs,
		ServiceID:           s.ServiceID,
		Type:                EntryTypeSnapshot,
		Valid:               true,
	})
	f.next++
	return nil
}

func (f *Fake) Close() error { return nil }

// Entries returns a copy of all appended entries in append order, for test
// assertions.
func (f *Fake) Entries() []Entry {
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}
