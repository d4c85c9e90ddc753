package server

import "testing"

func TestIPTableCapEnforced(t *testing.T) {
	table := newIPTable(nil)
	defer table.Close()
	table.SetLimit(true, 2)

	if !table.TryAcquire("192.0.2.1") || !table.TryAcquire("192.0.2.1") {
		t.Fatal("acquire under the cap failed")
	}
	if table.TryAcquire("192.0.2.1") {
		t.Fatal("acquire over the cap succeeded")
	}
	// Other addresses have their own counts.
	if !table.TryAcquire("192.0.2.2") {
		t.Fatal("unrelated address rejected")
	}
}

func TestIPTableReleaseFreesSlot(t *testing.T) {
	table := newIPTable(nil)
	defer table.Close()
	table.SetLimit(true, 1)

	if !table.TryAcquire("192.0.2.1") {
		t.Fatal("first acquire failed")
	}
	if table.TryAcquire("192.0.2.1") {
		t.Fatal("second acquire succeeded at cap 1")
	}
	table.Release("192.0.2.1")
	if !table.TryAcquire("192.0.2.1") {
		t.Fatal("acquire after release failed")
	}
}

func TestIPTableDisabledIsUnlimited(t *testing.T) {
	table := newIPTable(nil)
	defer table.Close()
	table.SetLimit(false, 1)

	for i := 0; i < 10; i++ {
		if !table.TryAcquire("192.0.2.1") {
			t.Fatalf("acquire %d rejected with the cap disabled", i)
		}
	}
}

func TestIPTableLimitChangeApplies(t *testing.T) {
	table := newIPTable(nil)
	defer table.Close()
	table.SetLimit(true, 1)

	if !table.TryAcquire("192.0.2.1") {
		t.Fatal("first acquire failed")
	}
	table.SetLimit(true, 2)
	if !table.TryAcquire("192.0.2.1") {
		t.Fatal("acquire under the raised cap failed")
	}
	if table.TryAcquire("192.0.2.1") {
		t.Fatal("acquire over the raised cap succeeded")
	}
}
