package cluster

import "testing"

func TestParseMembersValid(t *testing.T) {
	raw := "1|client-1|consensus-1|archive-1|log-1,2|client-2|consensus-2|archive-2|log-2"
	members, err := ParseMembers(raw)
	if err != nil {
		t.Fatalf("ParseMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	want := []Member{
		{ID: 1, ConsensusEndpoint: "consensus-1", ArchiveEndpoint: "archive-1"},
		{ID: 2, ConsensusEndpoint: "consensus-2", ArchiveEndpoint: "archive-2"},
	}
	for i, m := range members {
		if m != want[i] {
			t.Fatalf("member %d = %+v, want %+v", i, m, want[i])
		}
	}
}

func TestParseMembersSkipsMalformedEntries(t *testing.T) {
	raw := "1|client-1|consensus-1|archive-1|log-1,not-enough-fields,2|client-2|consensus-2|archive-2|log-2"
	members, err := ParseMembers(raw)
	if err != nil {
		t.Fatalf("ParseMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 valid members out of 3 entries, got %d", len(members))
	}
}

func TestParseMembersAllMalformed(t *testing.T) {
	if _, err := ParseMembers("garbage,also-garbage"); err == nil {
		t.Fatalf("expected an error when no member parses")
	}
}

func TestParseMembersEmpty(t *testing.T) {
	if _, err := ParseMembers(""); err == nil {
		t.Fatalf("expected an error for an empty members string")
	}
	if _, err := ParseMembers("   "); err == nil {
		t.Fatalf("expected an error for a whitespace-only members string")
	}
}

func TestFindByID(t *testing.T) {
	members := []Member{
		{ID: 1, ConsensusEndpoint: "a", ArchiveEndpoint: "archive-a"},
		{ID: 2, ConsensusEndpoint: "b", ArchiveEndpoint: "archive-b"},
	}
	if m, ok := FindByID(members, 2); !ok || m.ArchiveEndpoint != "archive-b" {
		t.Fatalf("FindByID(2) = %+v, %v", m, ok)
	}
	if _, ok := FindByID(members, 99); ok {
		t.Fatalf("FindByID(99) unexpectedly found a member")
	}
}
