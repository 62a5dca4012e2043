// Command ringctl reports how a ring configuration spreads keys over its
// nodes and how many keys move when a node joins or leaves.
//
//	ringctl -nodes backend-1,backend-2,backend-3 -replicas 160 -keys 100000 -add backend-4
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/jcmexdev/ringsaga/internal/ring"
)

type options struct {
	nodes    []ring.NodeID
	replicas int
	keys     int
	add      ring.NodeID
	remove   ring.NodeID
}

func main() {
	nodes := flag.String("nodes", "backend-1,backend-2,backend-3", "comma separated node ids")
	replicas := flag.Int("replicas", ring.DefaultReplicationFactor, "virtual nodes per node")
	keys := flag.Int("keys", 100000, "number of sample keys")
	add := flag.String("add", "", "node to add for the disruption report")
	remove := flag.String("remove", "", "node to remove for the disruption report")
	flag.Parse()

	opts := options{
		replicas: *replicas,
		keys:     *keys,
		add:      ring.NodeID(*add),
		remove:   ring.NodeID(*remove),
	}
	for _, n := range strings.Split(*nodes, ",") {
		if n = strings.TrimSpace(n); n != "" {
			opts.nodes = append(opts.nodes, ring.NodeID(n))
		}
	}

	if err := run(os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "ringctl: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, opts options) error {
	if opts.keys <= 0 || opts.replicas <= 0 {
		return errors.New("keys and replicas must be positive")
	}

	r := ring.New(ring.WithReplicationFactor(opts.replicas))
	for _, n := range opts.nodes {
		if err := r.AddNode(n); err != nil {
			return err
		}
	}

	before, err := assign(r, opts.keys)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d nodes, %d virtual nodes, %d keys\n", r.Len(), len(r.VirtualNodes()), opts.keys)
	renderShares(w, before, opts.keys)

	if opts.add == "" && opts.remove == "" {
		return nil
	}
	if opts.add != "" {
		if err := r.AddNode(opts.add); err != nil {
			return err
		}
	}
	if opts.remove != "" {
		if err := r.RemoveNode(opts.remove); err != nil {
			return err
		}
	}

	after, err := assign(r, opts.keys)
	if err != nil {
		return err
	}
	moved := 0
	for i := range before {
		if before[i] != after[i] {
			moved++
		}
	}

	fmt.Fprintf(w, "\nafter change: %d nodes\n", r.Len())
	renderShares(w, after, opts.keys)
	fmt.Fprintf(w, "moved keys: %d (%.2f%%)\n", moved, 100*float64(moved)/float64(opts.keys))
	return nil
}

// assign returns the owner of each sample key.
func assign(r *ring.Ring, keys int) ([]ring.NodeID, error) {
	out := make([]ring.NodeID, keys)
	for i := range out {
		owner, err := r.LookupString("key-" + strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		out[i] = owner
	}
	return out, nil
}

func renderShares(w io.Writer, owners []ring.NodeID, total int) {
	counts := make(map[ring.NodeID]int)
	for _, o := range owners {
		counts[o]++
	}
	ids := make([]ring.NodeID, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Node", "Keys", "Share"})
	for _, id := range ids {
		table.Append([]string{
			string(id),
			strconv.Itoa(counts[id]),
			fmt.Sprintf("%.2f%%", 100*float64(counts[id])/float64(total)),
		})
	}
	table.Render()
}
