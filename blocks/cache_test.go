package blocks

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// readRaw reads a block's extent straight from the file, bypassing the
// cache, so tests can observe what actually reached disk.
func readRaw(t *testing.T, path string, h Handle) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer f.Close()
	buf := make([]byte, h.Size)
	if _, err := f.ReadAt(buf, h.Position); err != nil {
		t.Fatalf("read raw: %v", err)
	}
	return buf
}

func TestCacheEvictsLRUAndWritesBack(t *testing.T) {
	// blockSize = 4096, maxSize = 2. Allocate h1, h2, h3 writing "A", "B",
	// "C"; h1 must be evicted and written; a later read returns "A".
	path := filepath.Join(t.TempDir(), "cache.dat")
	const blockSize = 4096

	cache, err := OpenCache(path, blockSize, 2, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	write := func(b byte) Handle {
		h, err := cache.GetFreeBlock()
		if err != nil {
			t.Fatalf("GetFreeBlock: %v", err)
		}
		buf, err := cache.ReadBlock(h)
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
		for i := range buf {
			buf[i] = b
		}
		cache.WriteBlock(h)
		return h
	}

	h1 := write('A')
	h2 := write('B')
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}

	h3 := write('C')
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d after eviction, want 2", cache.Len())
	}

	// h1 was the least recently used entry; it must be on disk now.
	raw := readRaw(t, path, h1)
	if raw[0] != 'A' || raw[blockSize-1] != 'A' {
		t.Fatal("evicted dirty block was not written back")
	}

	// Reading h1 again faults it back in with the written contents.
	buf, err := cache.ReadBlock(h1)
	if err != nil {
		t.Fatalf("ReadBlock(h1): %v", err)
	}
	if buf[0] != 'A' {
		t.Fatalf("ReadBlock(h1)[0] = %q, want 'A'", buf[0])
	}

	// h2 and h3 are still current.
	for _, tc := range []struct {
		h    Handle
		want byte
	}{{h2, 'B'}, {h3, 'C'}} {
		buf, err := cache.ReadBlock(tc.h)
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
		if buf[0] != tc.want {
			t.Fatalf("block contents = %q, want %q", buf[0], tc.want)
		}
	}
}

func TestCacheEvictionOrderFollowsAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	const blockSize = 256

	cache, err := OpenCache(path, blockSize, 2, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	h1, _ := cache.GetFreeBlock()
	cache.WriteBlock(h1)
	h2, _ := cache.GetFreeBlock()
	cache.WriteBlock(h2)

	// Touch h1 so h2 becomes the LRU entry.
	if _, err := cache.ReadBlock(h1); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}

	h3, _ := cache.GetFreeBlock()
	_ = h3

	// h2 must have been evicted; h1 must still be resident. Membership is
	// observable through Len plus the fact that re-reading h2 faults while
	// the cache is full and evicts h1 next.
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}
	if _, ok := cache.index[h2.Position]; ok {
		t.Fatal("h2 still resident; LRU order violated")
	}
	if _, ok := cache.index[h1.Position]; !ok {
		t.Fatal("h1 evicted out of LRU order")
	}
}

func TestCacheWriteBlockUncachedPanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	cache, err := OpenCache(path, 256, 1, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	h1, _ := cache.GetFreeBlock()
	h2, _ := cache.GetFreeBlock() // evicts h1

	_ = h2
	defer func() {
		if recover() == nil {
			t.Fatal("WriteBlock on an evicted block did not panic")
		}
	}()
	cache.WriteBlock(h1)
}

func TestCacheFreeBlockDropsWithoutWriteback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	const blockSize = 256

	cache, err := OpenCache(path, blockSize, 2, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	h1, _ := cache.GetFreeBlock()
	buf, _ := cache.ReadBlock(h1)
	for i := range buf {
		buf[i] = 'Z'
	}
	cache.WriteBlock(h1)
	if err := cache.FreeBlock(h1); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("Len() = %d after free, want 0", cache.Len())
	}

	// The file never grew to h1's extent: the dirty block was dropped,
	// not written.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() > h1.Position {
		raw := readRaw(t, path, h1)
		if raw[0] == 'Z' {
			t.Fatal("freed block was written back")
		}
	}
}

func TestCacheCloseFlushesDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	const blockSize = 512

	cache, err := OpenCache(path, blockSize, 4, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, err := cache.GetFreeBlock()
		if err != nil {
			t.Fatalf("GetFreeBlock: %v", err)
		}
		buf, err := cache.ReadBlock(h)
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
		for j := range buf {
			buf[j] = byte('0' + i)
		}
		cache.WriteBlock(h)
		handles = append(handles, h)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenCache(path, blockSize, 4, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	for i, h := range handles {
		buf, err := reopened.ReadBlock(h)
		if err != nil {
			t.Fatalf("ReadBlock after reopen: %v", err)
		}
		if !bytes.Equal(buf, fillBlock(blockSize, byte('0'+i))) {
			t.Fatalf("block %d not flushed on close", i)
		}
	}
}

func TestCacheGetFreeBlockZeroed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	const blockSize = 256

	cache, err := OpenCache(path, blockSize, 1, true)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	h1, _ := cache.GetFreeBlock()
	buf, _ := cache.ReadBlock(h1)
	for i := range buf {
		buf[i] = 0xFF
	}
	cache.WriteBlock(h1)

	// h2 reuses h1's arena slot after eviction; its buffer must be zeroed.
	h2, err := cache.GetFreeBlock()
	if err != nil {
		t.Fatalf("GetFreeBlock: %v", err)
	}
	buf, err = cache.ReadBlock(h2)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("fresh block byte %d = %#x, want 0", i, b)
		}
	}
}
