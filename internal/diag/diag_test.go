package diag

import (
	"strings"
	"testing"

	"vsta/internal/accnt"
	"vsta/internal/defs"
)

func TestFaultDumpDecodesKnownInstruction(t *testing.T) {
	// 0x90 is NOP in both 32- and 64-bit mode.
	got := FaultDump(0x1000, 0x2000, []byte{0x90}, defs.EFAULT)
	if !strings.Contains(got, "0x1000") || !strings.Contains(got, defs.Strerror(defs.EFAULT)) {
		t.Fatalf("expected dump to mention the fault address and error, got %q", got)
	}
	if !strings.Contains(got, "NOP") && !strings.Contains(got, "nop") {
		t.Fatalf("expected the decoded NOP to appear in the dump, got %q", got)
	}
}

func TestFaultDumpReportsUndecodableBytes(t *testing.T) {
	got := FaultDump(0x1000, 0x2000, nil, defs.EFAULT)
	if !strings.Contains(got, "undecodable") {
		t.Fatalf("expected an undecodable-instruction note for empty bytes, got %q", got)
	}
}

func TestRusageTableReportsBothCounters(t *testing.T) {
	a := &accnt.Accnt{Userns: 1000, Sysns: 2000}
	got := RusageTable(a)
	if !strings.Contains(got, "user:") || !strings.Contains(got, "sys:") {
		t.Fatalf("expected both user and sys rows, got %q", got)
	}
}

func TestSchedTableRendersEveryRow(t *testing.T) {
	got := SchedTable(map[string]int64{"rt": 3, "bg": 7})
	if !strings.Contains(got, "rt:") || !strings.Contains(got, "bg:") {
		t.Fatalf("expected both class rows, got %q", got)
	}
}
