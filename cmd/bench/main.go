// Bench is a benchmarking tool for measuring external sort and external
// priority queue throughput under a bounded memory budget.
//
// Usage:
//
//	go run ./cmd/bench -items 10000000 -memory 64 -workload sort
//
// Flags:
//
//	-items     Number of items to process (default: 10,000,000)
//	-memory    Memory budget in MiB (default: 64)
//	-workload  Workload: sort or pq (default: sort)
//	-seed      Seed for the murmur3-derived item stream (default: 0x1234)
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/pombredanne/tpie/extsort"
	"github.com/pombredanne/tpie/pq"
	"github.com/pombredanne/tpie/stream"
)

// getMaxRSS returns the maximum resident set size in bytes.
// Uses getrusage(RUSAGE_SELF) which tracks peak RSS since process start.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024 // Convert KB to bytes on Linux
	}
	return maxRSS
}

// itemStream yields a deterministic pseudo-random uint64 sequence by
// hashing the item index with murmur3.
func itemStream(seed uint32) func(i int) uint64 {
	var buf [8]byte
	return func(i int) uint64 {
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		h, _ := murmur3.Sum128WithSeed(buf[:], seed)
		return h
	}
}

func benchSort(items int, memory int64, seed uint32, tmpDir string) error {
	less := func(a, b uint64) bool { return a < b }
	s, err := extsort.New(context.Background(), stream.Uint64Codec{}, less,
		extsort.WithMemory(memory),
		extsort.WithTempDir(tmpDir),
		extsort.WithWarningFunc(func(format string, args ...any) {
			fmt.Printf("warning: "+format+"\n", args...)
		}))
	if err != nil {
		return err
	}
	defer s.Close()

	next := itemStream(seed)

	pushStart := time.Now()
	for i := 0; i < items; i++ {
		if err := s.Push(next(i)); err != nil {
			return err
		}
	}
	pushDuration := time.Since(pushStart)

	mergeStart := time.Now()
	if err := s.Finish(); err != nil {
		return err
	}
	mergeDuration := time.Since(mergeStart)

	pullStart := time.Now()
	var prev uint64
	for n := 0; s.CanPull(); n++ {
		v, err := s.Pull()
		if err != nil {
			return err
		}
		if n > 0 && v < prev {
			return fmt.Errorf("output out of order at item %d", n)
		}
		prev = v
	}
	pullDuration := time.Since(pullStart)

	p := s.Parameters()
	fmt.Printf("parameters: runLength=%d fanout=%d finalFanout=%d\n",
		p.RunLength, p.Fanout, p.FinalFanout)
	report("push", items, pushDuration)
	report("merge", items, mergeDuration)
	report("pull", items, pullDuration)
	return nil
}

func benchPQ(items int, memory int64, seed uint32, tmpDir string) error {
	less := func(a, b uint64) bool { return a < b }
	q, err := pq.New(stream.Uint64Codec{}, less,
		pq.WithMemory(memory),
		pq.WithTempDir(tmpDir))
	if err != nil {
		return err
	}
	defer q.Close()

	next := itemStream(seed)

	pushStart := time.Now()
	for i := 0; i < items; i++ {
		if err := q.Push(next(i)); err != nil {
			return err
		}
	}
	pushDuration := time.Since(pushStart)

	popStart := time.Now()
	var prev uint64
	for n := 0; !q.Empty(); n++ {
		v, err := q.Pop()
		if err != nil {
			return err
		}
		if n > 0 && v < prev {
			return fmt.Errorf("pops out of order at item %d", n)
		}
		prev = v
	}
	popDuration := time.Since(popStart)

	report("push", items, pushDuration)
	report("pop", items, popDuration)
	return nil
}

func report(phase string, items int, d time.Duration) {
	rate := float64(items) / d.Seconds() / 1e6
	fmt.Printf("%-6s %12d items in %10v (%6.2f M items/s)\n", phase, items, d.Round(time.Millisecond), rate)
}

func main() {
	itemsFlag := flag.Int("items", 10_000_000, "number of items")
	memoryFlag := flag.Int64("memory", 64, "memory budget in MiB")
	workloadFlag := flag.String("workload", "sort", "workload: sort or pq")
	seedFlag := flag.Uint("seed", 0x1234, "item stream seed")
	flag.Parse()

	tmpDir, err := os.MkdirTemp("", "tpie-bench-")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	memory := *memoryFlag << 20

	switch *workloadFlag {
	case "sort":
		err = benchSort(*itemsFlag, memory, uint32(*seedFlag), tmpDir)
	case "pq":
		err = benchPQ(*itemsFlag, memory, uint32(*seedFlag), tmpDir)
	default:
		err = fmt.Errorf("unknown workload %q", *workloadFlag)
	}
	if err != nil {
		fmt.Printf("bench failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("peak RSS: %d MiB\n", getMaxRSS()>>20)
}
