// Command bench_alltoall compares direct execution against
// graph replay for uniform exchanges of a few sizes.
package main

import (
	"fmt"
	"time"

	"github.com/unixpickle/essentials"

	"github.com/unixpickle/gpu-shuffle/alltoall"
	"github.com/unixpickle/gpu-shuffle/plan"
	"github.com/unixpickle/gpu-shuffle/simulator"
)

type RunInfo struct {
	NumDevices int
	Count      int
	Repeats    int
}

func main() {
	fmt.Println("| Devices | Count | Direct | Graph |")
	fmt.Println("|---------|-------|--------|-------|")
	for _, info := range []RunInfo{
		{NumDevices: 2, Count: 1 << 10, Repeats: 50},
		{NumDevices: 4, Count: 1 << 12, Repeats: 50},
		{NumDevices: 8, Count: 1 << 14, Repeats: 20},
	} {
		direct := run(info, false)
		graph := run(info, true)
		fmt.Printf("| %d | %d | %s | %s |\n", info.NumDevices, info.Count, direct, graph)
	}
}

func run(info RunInfo, useGraph bool) time.Duration {
	n := info.NumDevices
	per := info.Count * n
	sys := simulator.NewSystem(n, 16*per)
	defer sys.Close()

	counts := make([][]int, n)
	srcs := make([]*simulator.Buffer, n)
	dsts := make([]*simulator.Buffer, n)
	for i := 0; i < n; i++ {
		counts[i] = make([]int, n)
		for j := range counts[i] {
			counts[i][j] = info.Count
		}
		var err error
		srcs[i], err = simulator.AllocOf[uint64](sys.Device(i), per)
		essentials.Must(err)
		dsts[i], err = simulator.AllocOf[uint64](sys.Device(i), per)
		essentials.Must(err)
	}

	var opts []alltoall.Option
	if useGraph {
		opts = append(opts, alltoall.WithGraph())
	}
	engine, err := alltoall.New(sys, plan.Direct(n), opts...)
	essentials.Must(err)
	defer engine.Close()

	exchange := func() {
		essentials.Must(engine.Execute(srcs, dsts, counts))
		engine.Sync()
	}

	exchange()
	start := time.Now()
	for i := 0; i < info.Repeats; i++ {
		exchange()
	}
	return time.Since(start) / time.Duration(info.Repeats)
}
