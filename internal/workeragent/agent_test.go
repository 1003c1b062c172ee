package workeragent_test

import (
	"context"
	"testing"

	"parcel/internal/expectation"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

type scriptedCaller struct {
	calls  []string
	closed bool
}

func (c *scriptedCaller) Call(_ context.Context, method string, params, result any) error {
	c.calls = append(c.calls, method)
	switch method {
	case wsrpc.MethodDoYouSupport:
		*(result.(*wsrpc.DoYouSupportResult)) = wsrpc.DoYouSupportResult{Support: true}
	case wsrpc.MethodGetCost:
		*(result.(*wsrpc.GetCostResult)) = wsrpc.GetCostResult{Cost: 7}
	}
	return nil
}

func (c *scriptedCaller) Close() error {
	c.closed = true
	return nil
}

func TestCapacityAccounting(t *testing.T) {
	agent := workeragent.New("w1", wsrpc.Capabilities{Concurrency: 2}, &scriptedCaller{})

	if !agent.HasCapacity("exp1") {
		t.Fatal("fresh agent must have capacity")
	}
	agent.Assign("exp1", "work-1")
	agent.Assign("exp2", "work-2")
	if agent.HasCapacity("exp3") {
		t.Fatal("expected capacity exhausted at concurrency 2")
	}
	if !agent.HasCapacity("exp1") {
		t.Fatal("owned expectations stay re-entrant")
	}

	agent.Unassign("exp1")
	if !agent.HasCapacity("exp3") {
		t.Fatal("expected capacity after unassign")
	}

	workID, ok := agent.WorkIDFor("exp2")
	if !ok || workID != "work-2" {
		t.Fatalf("unexpected work id %q", workID)
	}
}

func TestDisconnectDropsAssignmentsAndCapacity(t *testing.T) {
	agent := workeragent.New("w1", wsrpc.Capabilities{Concurrency: 2}, &scriptedCaller{})
	agent.Assign("exp1", "work-1")

	agent.MarkDisconnected()
	if agent.Connected() {
		t.Fatal("expected disconnected")
	}
	if agent.HasCapacity("exp2") {
		t.Fatal("disconnected agents must refuse work")
	}
	if agent.AssignmentCount() != 0 {
		t.Fatal("expected assignments cleared on disconnect")
	}
}

func TestRPCWrappersUseContract(t *testing.T) {
	caller := &scriptedCaller{}
	agent := workeragent.New("w1", wsrpc.Capabilities{Concurrency: 1}, caller)

	exp := expectation.Expectation{ID: "exp1", Type: expectation.TypeMediaFile}
	if result, err := agent.DoYouSupport(context.Background(), exp); err != nil || !result.Support {
		t.Fatalf("DoYouSupport failed: %v %+v", err, result)
	}
	if result, err := agent.GetCost(context.Background(), exp); err != nil || result.Cost != 7 {
		t.Fatalf("GetCost failed: %v %+v", err, result)
	}

	want := []string{wsrpc.MethodDoYouSupport, wsrpc.MethodGetCost}
	if len(caller.calls) != len(want) {
		t.Fatalf("unexpected calls %v", caller.calls)
	}
	for i := range want {
		if caller.calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s", i, caller.calls[i], want[i])
		}
	}
}

func TestFleetReplaceAndRemove(t *testing.T) {
	fleet := workeragent.NewFleet()
	first := workeragent.New("w1", wsrpc.Capabilities{Concurrency: 1}, &scriptedCaller{})
	second := workeragent.New("w1", wsrpc.Capabilities{Concurrency: 1}, &scriptedCaller{})

	if replaced := fleet.Add(first); replaced != nil {
		t.Fatal("no replacement expected for first add")
	}
	if replaced := fleet.Add(second); replaced != first {
		t.Fatal("expected first agent returned as replaced")
	}

	// Removing the stale agent must not evict its successor.
	fleet.Remove(first)
	if fleet.Get("w1") != second {
		t.Fatal("stale remove evicted the current session")
	}
	fleet.Remove(second)
	if fleet.Get("w1") != nil {
		t.Fatal("expected w1 removed")
	}
}

func TestFleetAllSortsAndFiltersDisconnected(t *testing.T) {
	fleet := workeragent.NewFleet()
	agentB := workeragent.New("b", wsrpc.Capabilities{Concurrency: 1}, &scriptedCaller{})
	agentA := workeragent.New("a", wsrpc.Capabilities{Concurrency: 1}, &scriptedCaller{})
	fleet.Add(agentB)
	fleet.Add(agentA)

	all := fleet.All()
	if len(all) != 2 || all[0].ID() != "a" || all[1].ID() != "b" {
		t.Fatalf("unexpected order %v", []wsrpc.WorkerID{all[0].ID(), all[1].ID()})
	}

	agentA.MarkDisconnected()
	all = fleet.All()
	if len(all) != 1 || all[0].ID() != "b" {
		t.Fatal("expected disconnected agent filtered out")
	}
}
