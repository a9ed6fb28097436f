// Package tpie is an external-memory processing toolkit: building blocks
// for processing datasets substantially larger than main memory by staging
// fixed-size blocks through a bounded in-memory working set.
//
// The toolkit is organized as independent component packages:
//
//   - blocks: a block-addressable file with a free list, fronted by a
//     fixed-capacity write-back LRU cache (blocks.Cache).
//   - stream: sequential fixed-width item streams over scratch files,
//     with the platform I/O hints (fallocate, fadvise) the disk-bound
//     components rely on.
//   - extsort: a four-phase external merge sort with a measured memory
//     budget and an all-in-memory fast path for small inputs.
//   - pq: an external-memory priority queue built from an insertion heap,
//     a sorted deletion buffer, and a hierarchy of groups of sorted slot
//     files.
//   - btree: a bottom-up streaming bulk builder emitting fully-formed,
//     augmented B-trees into a block collection cache.
//   - pipeline: a parallel driver running one pipeline middle stage across
//     N workers with bounded per-worker buffers.
//
// Every component is single-threaded unless documented otherwise. The
// pipeline driver runs its stage on worker goroutines; the sorter and the
// priority queue sort large in-memory buffers on several goroutines
// (internal/parsort) and return once that sort is done. Error sentinels
// shared across the packages live in the errors subpackage.
//
// # Example: external sort
//
//	s, err := extsort.New(ctx, stream.Uint64Codec{},
//	    func(a, b uint64) bool { return a < b },
//	    extsort.WithMemory(64<<20))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	for _, v := range input {
//	    if err := s.Push(v); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	if err := s.Finish(); err != nil {
//	    log.Fatal(err)
//	}
//	for s.CanPull() {
//	    v, err := s.Pull()
//	    ...
//	}
package tpie
