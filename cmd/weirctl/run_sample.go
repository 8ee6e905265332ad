package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"weir/cmd/weirctl/ui"
	"weir/internal/bolt"
	"weir/internal/bolt/wordcount"
	"weir/internal/corestate"
	"weir/internal/inputsource/file"
	"weir/internal/master"
	"weir/internal/negotiator"
	"weir/internal/shuffle"
	"weir/internal/sink"
	"weir/internal/snapshotstore"
	"weir/internal/spout"
	"weir/internal/store"
	"weir/internal/store/service"
	"weir/internal/topology"

	"github.com/spf13/cobra"
)

// sampleWords is the fixed vocabulary run_sample writes to its generated
// input file; enough repetition that the wordcount bolt's running totals
// are visible after a short demo run.
var sampleWords = []string{
	"the barrier holds back the stream",
	"a clock is a map from partition to offset",
	"the negotiator writes the only master state",
	"bolts snapshot at the barrier",
	"spouts pause at the barrier",
	"the stream flows again after the cut",
}

// runSampleCmd brings up an entire single-process topology — an
// in-memory coordination store, one spout, one wordcount bolt, one sink
// — against a generated input file. It prints the final MasterState
// and bolt snapshot once the demo window elapses, so a reader can see
// the full spout-pause / snapshot-cut / bolt-save cycle happen without
// standing up a real cluster.
func runSampleCmd() *cobra.Command {
	var duration time.Duration
	var records int

	cmd := &cobra.Command{
		Use:   "run_sample",
		Short: "Run a local, single-process demonstration topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			sample, err := newSampleRig(ctx, records)
			if err != nil {
				return err
			}
			defer sample.Close()

			fmt.Println(ui.SuccessMsg("local-mode topology running for %s (store=%s)", duration, sample.storeAddr))
			sample.Run(ctx)

			finalCtx, finalCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer finalCancel()
			return sample.PrintSummary(finalCtx)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 20*time.Second, "How long to run the demo before reporting a summary")
	cmd.Flags().IntVar(&records, "records", 200, "Number of sample records to generate into the spout's input file")
	return cmd
}

// sampleRig owns every piece of a local-mode topology: the embedded
// coordination store, the generated input file, and the three processor
// runners, all in this one process.
type sampleRig struct {
	storeAddr  string
	svc        *service.Service
	httpSrv    *http.Server
	listener   net.Listener
	snapshots  *snapshotstore.Store
	inputFile  string
	topo       *topology.Topology
	downstream *shuffle.Pool
	sinkRunner *sink.Runner
	negRunner  *negotiator.Negotiator
}

func newSampleRig(ctx context.Context, records int) (*sampleRig, error) {
	svc, err := service.Open("")
	if err != nil {
		return nil, fmt.Errorf("run_sample: open embedded store: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("run_sample: listen for embedded store: %w", err)
	}
	httpSrv := &http.Server{Handler: service.NewHandler(svc)}
	go func() { _ = httpSrv.Serve(ln) }()

	inputFile, err := writeSampleInput(records)
	if err != nil {
		svc.Close()
		ln.Close()
		return nil, err
	}

	topo, err := topology.New(map[string]topology.OperatorSpec{
		"src": {Kind: topology.KindSpout, Parallelism: 1, Downstreams: []string{"agg"}},
		"agg": {Kind: topology.KindBolt, Parallelism: 1, Downstreams: []string{"out"}},
		"out": {Kind: topology.KindSink, Parallelism: 1},
	}, map[string]topology.Address{
		"agg-0": {Host: "127.0.0.1", Port: 17171},
		"out-0": {Host: "127.0.0.1", Port: 17172},
	})
	if err != nil {
		svc.Close()
		ln.Close()
		return nil, fmt.Errorf("run_sample: build topology: %w", err)
	}

	snapshots, err := snapshotstore.Open("")
	if err != nil {
		svc.Close()
		ln.Close()
		return nil, fmt.Errorf("run_sample: open snapshot store: %w", err)
	}

	return &sampleRig{
		storeAddr:  "http://" + ln.Addr().String(),
		svc:        svc,
		httpSrv:    httpSrv,
		listener:   ln,
		snapshots:  snapshots,
		inputFile:  inputFile,
		topo:       topo,
		downstream: shuffle.NewPool(),
		negRunner:  negotiator.NewWithThrottles(topo, 2*time.Second, 100*time.Millisecond),
	}, nil
}

// Run starts the negotiator, bolt, spout, and sink goroutines and blocks
// until ctx is cancelled.
func (r *sampleRig) Run(ctx context.Context) {
	opts := store.Options{Addr: r.storeAddr}
	done := make(chan struct{}, 4)

	go func() {
		defer func() { done <- struct{}{} }()
		if err := r.negRunner.Run(ctx, opts); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, ui.ErrorMsg("negotiator: %v", err))
		}
	}()

	in := make(chan shuffle.Frame, 256)
	srv, err := shuffle.Listen("127.0.0.1:17171", func(f shuffle.Frame) {
		select {
		case in <- f:
		case <-ctx.Done():
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("bolt listen: %v", err))
	} else {
		go func() { <-ctx.Done(); srv.Close() }()
		go func() { _ = srv.Serve() }()

		boltID := corestate.ProcessorID{Name: "agg", Instance: 0}
		boltRunner := bolt.NewRunner(boltID, wordcount.New(), r.snapshots, r.topo, r.downstream)
		go func() {
			defer func() { done <- struct{}{} }()
			session, err := store.Connect(ctx, opts)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, ui.ErrorMsg("bolt connect: %v", err))
				}
				return
			}
			defer session.Close()
			if err := master.Inject(ctx, session, func(ctx context.Context, mirror *master.Mirror) error {
				return boltRunner.Run(ctx, opts, mirror, in)
			}); err != nil && ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, ui.ErrorMsg("bolt: %v", err))
			}
		}()
	}

	sinkID := corestate.ProcessorID{Name: "out", Instance: 0}
	r.sinkRunner = sink.NewRunner(sinkID, "127.0.0.1:17172", func(p corestate.Payload) {
		fmt.Printf("  %s %s\n", p.Clock, p.Tuple)
	})
	go func() {
		defer func() { done <- struct{}{} }()
		if err := r.sinkRunner.Run(ctx, opts); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, ui.ErrorMsg("sink: %v", err))
		}
	}()

	spoutID := corestate.ProcessorID{Name: "src", Instance: 0}
	src, err := file.Open(r.inputFile, corestate.Partition("p0"))
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("spout source: %v", err))
	} else {
		spoutRunner := spout.NewRunner(spoutID, spout.FileSource{Source: src}, r.topo, r.downstream)
		go func() {
			defer func() { done <- struct{}{} }()
			session, err := store.Connect(ctx, opts)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, ui.ErrorMsg("spout connect: %v", err))
				}
				return
			}
			defer session.Close()
			if err := master.Inject(ctx, session, func(ctx context.Context, mirror *master.Mirror) error {
				return spoutRunner.Run(ctx, opts, mirror)
			}); err != nil && ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, ui.ErrorMsg("spout: %v", err))
			}
		}()
	}

	<-ctx.Done()
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// PrintSummary reads the final MasterState and the bolt's latest
// snapshot clock, the evidence that the snapshot-cut protocol actually
// ran.
func (r *sampleRig) PrintSummary(ctx context.Context) error {
	session, err := store.Connect(ctx, store.Options{Addr: r.storeAddr})
	if err != nil {
		return err
	}
	defer session.Close()

	state, err := master.Read(ctx, session)
	if err != nil {
		return fmt.Errorf("read final master state: %w", err)
	}

	boltID := corestate.ProcessorID{Name: "agg", Instance: 0}
	clock, _, found, err := r.snapshots.Latest(boltID)
	if err != nil {
		return fmt.Errorf("read bolt snapshot: %w", err)
	}
	snapshotDesc := "none"
	if found {
		snapshotDesc = clock.String()
	}

	fmt.Println(ui.KeyValues("", ui.KV("Final MasterState", ui.Accent(state.String())), ui.KV("Latest bolt snapshot", ui.Accent(snapshotDesc))))
	return nil
}

func (r *sampleRig) Close() {
	r.downstream.Close()
	r.snapshots.Close()
	_ = r.httpSrv.Close()
	r.svc.Close()
	os.Remove(r.inputFile)
}

// writeSampleInput generates a newline-delimited file of n sample
// records cycling through sampleWords, the producer run_sample's spout
// reads from.
func writeSampleInput(n int) (string, error) {
	f, err := os.CreateTemp("", "weir-sample-*.txt")
	if err != nil {
		return "", fmt.Errorf("run_sample: create input file: %w", err)
	}
	defer f.Close()
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprintln(f, sampleWords[i%len(sampleWords)]); err != nil {
			return "", fmt.Errorf("run_sample: write input file: %w", err)
		}
	}
	return f.Name(), nil
}
