package boot

import "testing"

func testConfig() Config {
	return Config{ArenaPages: 64, SwapBudget: 32, LotterySeed: 1, AddrSpace: 1 << 30}
}

func TestBootAssemblesEverySingleton(t *testing.T) {
	defer reset()
	k := Boot(testConfig())

	if k.Arena == nil || k.Hat == nil || k.Vas == nil || k.Sched == nil || k.Swap == nil || k.Mmap == nil || k.Ports == nil || k.Handles == nil {
		t.Fatal("expected every kernel singleton to be non-nil after Boot")
	}
	if len(k.Table) == 0 {
		t.Fatal("expected a non-empty syscall table after Boot")
	}
}

func TestBootTwicePanics(t *testing.T) {
	defer reset()
	Boot(testConfig())

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Boot call to panic")
		}
	}()
	Boot(testConfig())
}
