package recordinglog

import "testing"

func TestFakeAppendAndFindLastTerm(t *testing.T) {
	f := NewFake()
	if _, found, err := f.FindLastTerm(); err != nil || found {
		t.Fatalf("expected no term entries in a fresh log, found=%v err=%v", found, err)
	}

	if err := f.AppendTerm(101, 3, 0, -1, 1000); err != nil {
		t.Fatalf("AppendTerm: %v", err)
	}
	if err := f.AppendTerm(101, 4, 4096, -1, 2000); err != nil {
		t.Fatalf("AppendTerm: %v", err)
	}

	last, found, err := f.FindLastTerm()
	if err != nil || !found {
		t.Fatalf("FindLastTerm: found=%v err=%v", found, err)
	}
	if last.LeadershipTermID != 4 {
		t.Fatalf("expected most recently appended term (4), got %d", last.LeadershipTermID)
	}
}

func TestFakeIsUnknown(t *testing.T) {
	f := NewFake()
	unknown, err := f.IsUnknown(3)
	if err != nil || !unknown {
		t.Fatalf("expected term 3 to be unknown in a fresh log, unknown=%v err=%v", unknown, err)
	}

	if err := f.AppendTerm(101, 3, 0, -1, 1000); err != nil {
		t.Fatalf("AppendTerm: %v", err)
	}

	unknown, err = f.IsUnknown(3)
	if err != nil || unknown {
		t.Fatalf("expected term 3 to be known after AppendTerm, unknown=%v err=%v", unknown, err)
	}
	unknown, err = f.IsUnknown(4)
	if err != nil || !unknown {
		t.Fatalf("expected term 4 to remain unknown, unknown=%v err=%v", unknown, err)
	}
}

func TestFakeGetLatestSnapshotPerService(t *testing.T) {
	f := NewFake()
	if _, found, err := f.GetLatestSnapshot(-1); err != nil || found {
		t.Fatalf("expected no snapshot for a fresh log, found=%v err=%v", found, err)
	}

	if err := f.AppendSnapshot(Snapshot{RecordingID: 100, LeadershipTermID: 3, LogPosition: 4096, ServiceID: -1}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	if err := f.AppendSnapshot(Snapshot{RecordingID: 200, LeadershipTermID: 3, LogPosition: 8192, ServiceID: 0}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	// A second snapshot for the same service supersedes the first.
	if err := f.AppendSnapshot(Snapshot{RecordingID: 101, LeadershipTermID: 4, LogPosition: 16384, ServiceID: -1}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}

	consensusSnap, found, err := f.GetLatestSnapshot(-1)
	if err != nil || !found {
		t.Fatalf("GetLatestSnapshot(-1): found=%v err=%v", found, err)
	}
	if consensusSnap.RecordingID != 101 || consensusSnap.LogPosition != 16384 {
		t.Fatalf("expected the latest serviceId=-1 snapshot, got %+v", consensusSnap)
	}

	serviceSnap, found, err := f.GetLatestSnapshot(0)
	if err != nil || !found {
		t.Fatalf("GetLatestSnapshot(0): found=%v err=%v", found, err)
	}
	if serviceSnap.RecordingID != 200 {
		t.Fatalf("expected the serviceId=0 snapshot, got %+v", serviceSnap)
	}
}

func TestFakeEntriesPreservesAppendOrder(t *testing.T) {
	f := NewFake()
	_ = f.AppendTerm(101, 3, 0, -1, 1000)
	_ = f.AppendSnapshot(Snapshot{RecordingID: 100, LeadershipTermID: 3, LogPosition: 4096, ServiceID: -1})

	entries := f.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != EntryTypeTerm || entries[1].Type != EntryTypeSnapshot {
		t.Fatalf("expected append order TERM then SNAPSHOT, got %+v", entries)
	}

	// Entries() returns a copy: mutating it must not affect the fake.
	entries[0].RecordingID = 999
	if got := f.Entries()[0].RecordingID; got == 999 {
		t.Fatalf("Entries() leaked a mutable reference to internal state")
	}
}
