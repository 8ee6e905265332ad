package topology

import (
	"testing"

	"weir/internal/corestate"
)

func sampleTopology(t *testing.T) *Topology {
	t.Helper()
	top, err := New(map[string]OperatorSpec{
		"src": {Kind: KindSpout, Parallelism: 1, Downstreams: []string{"agg"}},
		"agg": {Kind: KindBolt, Parallelism: 3, Downstreams: []string{"out"}},
		"out": {Kind: KindSink, Parallelism: 1},
	}, map[string]Address{
		"src-0": {Host: "127.0.0.1", Port: 9001},
		"agg-0": {Host: "127.0.0.1", Port: 9002},
		"agg-1": {Host: "127.0.0.1", Port: 9003},
		"agg-2": {Host: "127.0.0.1", Port: 9004},
		"out-0": {Host: "127.0.0.1", Port: 9005},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return top
}

func TestNumProcessors(t *testing.T) {
	top := sampleTopology(t)
	if got := top.NumProcessors(); got != 5 {
		t.Errorf("NumProcessors() = %d, want 5", got)
	}
}

func TestSpoutAndBoltIds(t *testing.T) {
	top := sampleTopology(t)
	spouts := top.SpoutIds()
	if len(spouts) != 1 || spouts[0] != (corestate.ProcessorID{Name: "src", Instance: 0}) {
		t.Errorf("SpoutIds() = %v", spouts)
	}
	bolts := top.BoltIds()
	if len(bolts) != 3 {
		t.Errorf("BoltIds() = %v, want 3 entries", bolts)
	}
}

func TestDownstreamAddressesDeterministic(t *testing.T) {
	top := sampleTopology(t)
	payload := corestate.Payload{Tuple: []byte("same-key")}

	first, err := top.DownstreamAddresses("src", payload)
	if err != nil {
		t.Fatalf("DownstreamAddresses: %v", err)
	}
	second, err := top.DownstreamAddresses("src", payload)
	if err != nil {
		t.Fatalf("DownstreamAddresses: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Errorf("routing is not deterministic: %v vs %v", first, second)
	}
}

func TestUpstreamIds(t *testing.T) {
	top := sampleTopology(t)
	ups := top.UpstreamIds("agg")
	if len(ups) != 1 || ups[0] != (corestate.ProcessorID{Name: "src", Instance: 0}) {
		t.Errorf("UpstreamIds(agg) = %v, want [src-0]", ups)
	}
	ups = top.UpstreamIds("out")
	if len(ups) != 3 {
		t.Errorf("UpstreamIds(out) = %v, want all three agg instances", ups)
	}
	if len(top.UpstreamIds("src")) != 0 {
		t.Error("a spout should have no upstreams")
	}
}

func TestDownstreamBroadcastAddresses(t *testing.T) {
	top := sampleTopology(t)
	addrs, err := top.DownstreamBroadcastAddresses("src")
	if err != nil {
		t.Fatalf("DownstreamBroadcastAddresses: %v", err)
	}
	if len(addrs) != 3 {
		t.Errorf("broadcast from src = %v, want every agg instance", addrs)
	}
}

func TestNewRejectsUnknownDownstream(t *testing.T) {
	_, err := New(map[string]OperatorSpec{
		"src": {Kind: KindSpout, Parallelism: 1, Downstreams: []string{"missing"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error for unknown downstream")
	}
}
