package calltable

import (
	"fmt"
	"testing"
	"time"
)

func TestPutGetRoundTrips(t *testing.T) {
	tbl := New(50 * time.Millisecond)
	defer tbl.Close()

	c := &Call{ID: "call-1", ALegCID: "a-cid", BLegCID: "b-cid", State: CallStateRinging, StartedAt: time.Now()}
	tbl.Put(c)

	got, ok := tbl.Get("call-1")
	if !ok {
		t.Fatal("expected call to be found")
	}
	if got.ALegCID != "a-cid" {
		t.Errorf("unexpected ALegCID: %s", got.ALegCID)
	}
}

func TestTerminateDowngradesTTLWithoutDeleting(t *testing.T) {
	tbl := New(20 * time.Millisecond)
	defer tbl.Close()

	tbl.Put(&Call{ID: "call-2", State: CallStateBridged})
	tbl.Terminate("call-2")

	got, ok := tbl.Get("call-2")
	if !ok {
		t.Fatal("expected call to still be present immediately after terminate")
	}
	if got.State != CallStateTerminated {
		t.Errorf("expected state terminated, got %s", got.State)
	}

	time.Sleep(TerminatedTTL + 100*time.Millisecond)
	if _, ok := tbl.Get("call-2"); ok {
		t.Error("expected call to be evicted after TerminatedTTL")
	}
}

func TestCountAndAllSpanShards(t *testing.T) {
	tbl := New(time.Second)
	defer tbl.Close()

	for i := 0; i < 100; i++ {
		tbl.Put(&Call{ID: fmt.Sprintf("call-%d", i), State: CallStateRinging})
	}

	if tbl.Count() != 100 {
		t.Errorf("expected 100 calls, got %d", tbl.Count())
	}
	if len(tbl.All()) != 100 {
		t.Errorf("expected All() to return 100 calls, got %d", len(tbl.All()))
	}
}

func TestDeleteRemovesImmediately(t *testing.T) {
	tbl := New(time.Second)
	defer tbl.Close()

	tbl.Put(&Call{ID: "call-3", State: CallStateRinging})
	tbl.Delete("call-3")
	if _, ok := tbl.Get("call-3"); ok {
		t.Error("expected call to be deleted")
	}
}
