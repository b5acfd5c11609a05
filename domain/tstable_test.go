package domain

import "testing"

func testTSKey(tsval uint32) TSKey {
	return TSKey{Flow: testFlowKey(1000, 80), TSval: tsval}
}

func TestTSTableInsertIfAbsentKeepsOldest(t *testing.T) {
	tt := NewTSTable()
	key := testTSKey(100)

	first := &TSEntry{T: 1.0, FBytes: 60}
	if !tt.InsertIfAbsent(key, first) {
		t.Fatalf("expected first insert to succeed")
	}

	second := &TSEntry{T: 2.0, FBytes: 120}
	if tt.InsertIfAbsent(key, second) {
		t.Fatalf("expected duplicate insert to be discarded")
	}

	got, ok := tt.Lookup(key)
	if !ok || got != first {
		t.Fatalf("lookup should still return the first (oldest) entry")
	}
}

func TestTSTableConsumeIsSignFlipAndIdempotent(t *testing.T) {
	e := &TSEntry{T: 5.0}
	tt := NewTSTable()

	tt.Consume(e)
	if e.T != -5.0 {
		t.Fatalf("Consume should sign-flip T, got %v", e.T)
	}
	if !e.Consumed() {
		t.Fatalf("Consumed() should report true after Consume")
	}

	tt.Consume(e)
	if e.T != -5.0 {
		t.Fatalf("second Consume should be a no-op, got %v", e.T)
	}
}

func TestTSTableSweep(t *testing.T) {
	tt := NewTSTable()
	old := testTSKey(1)
	fresh := testTSKey(2)
	consumedOld := testTSKey(3)

	tt.InsertIfAbsent(old, &TSEntry{T: 0})
	tt.InsertIfAbsent(fresh, &TSEntry{T: 95})
	consumed := &TSEntry{T: 1}
	tt.Consume(consumed) // T becomes -1, age is still measured from |T| = 1
	tt.InsertIfAbsent(consumedOld, consumed)

	n := tt.Sweep(100, 10)
	if n != 2 {
		t.Fatalf("expected 2 expired entries (old + consumedOld), got %d", n)
	}
	if _, ok := tt.Lookup(old); ok {
		t.Fatalf("old entry should be swept")
	}
	if _, ok := tt.Lookup(consumedOld); ok {
		t.Fatalf("consumed entry should be swept purely by age, regardless of sign")
	}
	if _, ok := tt.Lookup(fresh); !ok {
		t.Fatalf("fresh entry should remain")
	}
}
