package store

import (
	"testing"
)

func strp(s string) *string { return &s }

func TestTouchStation(t *testing.T) {
	s := openTestStores(t)

	if err := s.Presence.TouchStation("!aabbccdd", 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.Presence.TouchStation("!aabbccdd", 2000); err != nil {
		t.Fatal(err)
	}

	st, err := s.Presence.StationSummary("!aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		t.Fatal("StationSummary() = nil for touched station")
	}
	if st.FirstSeen != 1000 || st.LastSeen != 2000 {
		t.Errorf("station = first %d last %d, want 1000/2000", st.FirstSeen, st.LastSeen)
	}

	n, err := s.Presence.CountStations()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountStations() = %d, want 1", n)
	}
}

func TestStationSummaryUnknown(t *testing.T) {
	s := openTestStores(t)
	st, err := s.Presence.StationSummary("!00000000")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("StationSummary(unknown) = %+v, want nil", st)
	}
}

func TestRecordNameDeduplicates(t *testing.T) {
	s := openTestStores(t)
	node := "!aabbccdd"

	if err := s.Presence.RecordName(node, 100, strp("AB12"), strp("Alice Base")); err != nil {
		t.Fatal(err)
	}
	// Identical pair is skipped, including whitespace noise.
	if err := s.Presence.RecordName(node, 200, strp(" AB12 "), strp("Alice Base")); err != nil {
		t.Fatal(err)
	}
	// A changed pair appends.
	if err := s.Presence.RecordName(node, 300, strp("AB12"), strp("Alice Mobile")); err != nil {
		t.Fatal(err)
	}
	// Reverting to an earlier pair appends again; history is chronological.
	if err := s.Presence.RecordName(node, 400, strp("AB12"), strp("Alice Base")); err != nil {
		t.Fatal(err)
	}

	names, err := s.Presence.NameHistory(node, 10, "asc")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Fatalf("NameHistory() = %d entries, want 3", len(names))
	}
	if *names[1].Long != "Alice Mobile" {
		t.Errorf("middle entry long = %q, want Alice Mobile", *names[1].Long)
	}

	latest, err := s.Presence.LatestName(node)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || *latest.Long != "Alice Base" || latest.SeenAt != 400 {
		t.Errorf("LatestName() = %+v, want the ts=400 entry", latest)
	}
}

func TestRecordNameIgnoresEmpty(t *testing.T) {
	s := openTestStores(t)
	node := "!aabbccdd"

	if err := s.Presence.RecordName(node, 100, strp("  "), nil); err != nil {
		t.Fatal(err)
	}
	n, err := s.Presence.CountNames()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("CountNames() = %d after empty observation, want 0", n)
	}
}

func TestLatestNameUnknownNode(t *testing.T) {
	s := openTestStores(t)
	entry, err := s.Presence.LatestName("!00000000")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Errorf("LatestName(unknown) = %+v, want nil", entry)
	}
}
