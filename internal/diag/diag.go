// Package diag renders the diagnostic output spec.md §7's "Assertion
// violation" taxonomy entry describes ("panic: print message, stop
// scheduling"): an unresolved page-fault dump with the faulting
// instruction decoded, and aligned rusage/scheduler-statistics tables.
// Grounded on the teacher's ambient fmt.Printf-for-diagnostics style
// (biscuit/src/vm/userbuf.go's "suspiciously large user buffer" trace),
// using golang.org/x/arch/x86/x86asm to decode faulting instruction bytes
// and golang.org/x/text/message for locale-stable numeric alignment —
// both teacher go.mod dependencies with no other call site in this repo.
package diag

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/message"

	"vsta/internal/accnt"
	"vsta/internal/defs"
)

// FaultDump renders an unresolved page fault: the faulting address, the
// resolver's error, and the decoded instruction at pc if its bytes are
// available. Mirrors the teacher's "print enough to debug, then panic"
// style rather than a structured crash report.
func FaultDump(vaddr, pc uintptr, code []byte, err defs.Err_t) string {
	var b strings.Builder
	fmt.Fprintf(&b, "unresolved page fault: vaddr=%#x pc=%#x err=%s\n", vaddr, pc, defs.Strerror(err))

	inst, decErr := x86asm.Decode(code, 64)
	if decErr != nil {
		fmt.Fprintf(&b, "  <undecodable instruction: %v>\n", decErr)
		return b.String()
	}
	fmt.Fprintf(&b, "  %s\n", x86asm.GNUSyntax(inst, uint64(pc), nil))
	return b.String()
}

// RusageTable renders a's user/system time as an aligned two-column
// table, the kind of ops-facing report spec.md's rusage surface needs
// but the teacher never formats itself (the teacher only ever copies the
// raw rusage bytes to userspace).
func RusageTable(a *accnt.Accnt) string {
	p := message.NewPrinter(message.MatchLanguage("en"))
	var b strings.Builder
	b.WriteString(p.Sprintf("%-12s %15d ns\n", "user:", a.Userns))
	b.WriteString(p.Sprintf("%-12s %15d ns\n", "sys:", a.Sysns))
	return b.String()
}

// SchedTable renders a label -> count map (internal/sched's per-class
// nrun/runticks snapshot) as an aligned table for an operator dump.
func SchedTable(rows map[string]int64) string {
	p := message.NewPrinter(message.MatchLanguage("en"))
	var b strings.Builder
	for name, count := range rows {
		b.WriteString(p.Sprintf("%-12s %15d\n", name+":", count))
	}
	return b.String()
}
