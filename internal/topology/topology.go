// Package topology implements the topology descriptor (C7): a static,
// read-only description of operator names, parallelism, and downstream
// routing, replicated verbatim to every processor.
package topology

import (
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"weir/internal/corestate"
)

// Kind tags what a named operator is, so the descriptor can derive
// spoutIds and boltIds without guessing from naming convention.
type Kind string

const (
	KindSpout Kind = "spout"
	KindBolt  Kind = "bolt"
	KindSink  Kind = "sink"
)

// OperatorSpec is one row of the processors table.
type OperatorSpec struct {
	Kind        Kind     `yaml:"kind"`
	Parallelism int      `yaml:"parallelism"`
	Downstreams []string `yaml:"downstreams"`
}

// Address is a (host, port) pair.
type Address struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// fileFormat is the on-disk YAML shape. Addresses are keyed
// "name-instance" the same way the coordination store paths are.
type fileFormat struct {
	Processors map[string]OperatorSpec `yaml:"processors"`
	Addresses  map[string]Address      `yaml:"addresses"`
}

// Topology answers the routing and membership queries every processor
// needs — lookup, parallelism, downstreams, addresses, total count —
// from one concrete value built from static tables. There is no need
// for a capability abstraction with only one backend.
type Topology struct {
	processors map[string]OperatorSpec
	addresses  map[string]Address
}

// Load reads a Topology from a YAML file in the fileFormat shape.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %q: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("topology: parse %q: %w", path, err)
	}
	return New(f.Processors, f.Addresses)
}

// New validates and builds a Topology from in-memory tables.
func New(processors map[string]OperatorSpec, addresses map[string]Address) (*Topology, error) {
	if len(processors) == 0 {
		return nil, fmt.Errorf("topology: no processors defined")
	}
	for name, spec := range processors {
		if spec.Parallelism <= 0 {
			return nil, fmt.Errorf("topology: %s: parallelism must be positive, got %d", name, spec.Parallelism)
		}
		for _, down := range spec.Downstreams {
			if _, ok := processors[down]; !ok {
				return nil, fmt.Errorf("topology: %s: downstream %q is not a declared processor", name, down)
			}
		}
	}
	return &Topology{processors: processors, addresses: addresses}, nil
}

// LookupProcessor returns the spec for name.
func (t *Topology) LookupProcessor(name string) (OperatorSpec, bool) {
	spec, ok := t.processors[name]
	return spec, ok
}

// Parallelism returns the declared parallelism of name, or 0 if unknown.
func (t *Topology) Parallelism(name string) int {
	return t.processors[name].Parallelism
}

// Downstreams returns the operators name feeds.
func (t *Topology) Downstreams(name string) []string {
	return t.processors[name].Downstreams
}

// AddressFor returns the (host, port) of one processor instance.
func (t *Topology) AddressFor(name string, instance int) (Address, bool) {
	addr, ok := t.addresses[fmt.Sprintf("%s-%d", name, instance)]
	return addr, ok
}

// NumProcessors is the sum of parallelisms across every declared
// operator (spouts, bolts, and sinks alike).
func (t *Topology) NumProcessors() int {
	n := 0
	for _, spec := range t.processors {
		n += spec.Parallelism
	}
	return n
}

func (t *Topology) namesOfKind(k Kind) []string {
	var names []string
	for name, spec := range t.processors {
		if spec.Kind == k {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SpoutIds returns every spout ProcessorId in the topology.
func (t *Topology) SpoutIds() []corestate.ProcessorID {
	return t.idsOfKind(KindSpout)
}

// BoltIds returns every bolt ProcessorId in the topology.
func (t *Topology) BoltIds() []corestate.ProcessorID {
	return t.idsOfKind(KindBolt)
}

func (t *Topology) idsOfKind(k Kind) []corestate.ProcessorID {
	var ids []corestate.ProcessorID
	for _, name := range t.namesOfKind(k) {
		for i := 0; i < t.processors[name].Parallelism; i++ {
			ids = append(ids, corestate.ProcessorID{Name: name, Instance: i})
		}
	}
	return ids
}

// UpstreamIds returns every instance of every operator that feeds name
// — the set of senders a bolt instance must collect drain markers from
// before a snapshot cut is complete on its inputs.
func (t *Topology) UpstreamIds(name string) []corestate.ProcessorID {
	var ids []corestate.ProcessorID
	var upstreams []string
	for upstream, spec := range t.processors {
		for _, down := range spec.Downstreams {
			if down == name {
				upstreams = append(upstreams, upstream)
				break
			}
		}
	}
	sort.Strings(upstreams)
	for _, upstream := range upstreams {
		for i := 0; i < t.processors[upstream].Parallelism; i++ {
			ids = append(ids, corestate.ProcessorID{Name: upstream, Instance: i})
		}
	}
	return ids
}

// DownstreamBroadcastAddresses returns the address of every instance of
// every operator downstream of upstreamName. Drain markers go to all of
// them, unlike payloads, which shuffle to a single keyed instance.
func (t *Topology) DownstreamBroadcastAddresses(upstreamName string) ([]Address, error) {
	var out []Address
	for _, down := range t.Downstreams(upstreamName) {
		spec, ok := t.processors[down]
		if !ok {
			return nil, fmt.Errorf("topology: downstream %q of %q not declared", down, upstreamName)
		}
		for i := 0; i < spec.Parallelism; i++ {
			addr, ok := t.AddressFor(down, i)
			if !ok {
				return nil, fmt.Errorf("topology: no address for %s-%d", down, i)
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// DownstreamAddresses returns, for each operator downstream of
// upstreamName, the single instance address that payload's tuple
// shuffles to. Routing hashes the tuple bytes with xxhash and reduces
// modulo the downstream's parallelism, so every upstream instance
// computes the same target for the same payload.
func (t *Topology) DownstreamAddresses(upstreamName string, payload corestate.Payload) ([]Address, error) {
	var out []Address
	for _, down := range t.Downstreams(upstreamName) {
		spec, ok := t.processors[down]
		if !ok {
			return nil, fmt.Errorf("topology: downstream %q of %q not declared", down, upstreamName)
		}
		instance := int(xxhash.Sum64(payload.Tuple) % uint64(spec.Parallelism))
		addr, ok := t.AddressFor(down, instance)
		if !ok {
			return nil, fmt.Errorf("topology: no address for %s-%d", down, instance)
		}
		out = append(out, addr)
	}
	return out, nil
}
