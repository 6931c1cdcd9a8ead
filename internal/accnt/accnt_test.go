package accnt

import "testing"

func TestUtaddSystaddAccumulate(t *testing.T) {
	a := &Accnt{}
	a.Utadd(100)
	a.Utadd(50)
	a.Systadd(30)
	if a.Userns != 150 || a.Sysns != 30 {
		t.Fatalf("expected Userns=150 Sysns=30, got Userns=%d Sysns=%d", a.Userns, a.Sysns)
	}
}

func TestAddMergesTwoRecords(t *testing.T) {
	a := &Accnt{Userns: 10, Sysns: 20}
	b := &Accnt{Userns: 5, Sysns: 7}
	a.Add(b)
	if a.Userns != 15 || a.Sysns != 27 {
		t.Fatalf("expected merged Userns=15 Sysns=27, got Userns=%d Sysns=%d", a.Userns, a.Sysns)
	}
}

func TestToRusageEncodesSecondsAndMicros(t *testing.T) {
	a := &Accnt{Userns: 2_500_000_000, Sysns: 1_000_000}
	buf := a.Fetch()
	if len(buf) != 32 {
		t.Fatalf("expected a 32-byte rusage buffer, got %d", len(buf))
	}
	secs := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24
	if secs != 2 {
		t.Fatalf("expected 2 whole seconds of user time, got %d", secs)
	}
}
