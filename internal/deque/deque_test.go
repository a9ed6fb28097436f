package deque

import "testing"

func TestDequeFIFO(t *testing.T) {
	var d Deque[int]
	for i := 0; i < 100; i++ {
		d.PushBack(i)
	}
	if d.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", d.Len())
	}
	for i := 0; i < 100; i++ {
		if got := d.PopFront(); got != i {
			t.Fatalf("PopFront = %d, want %d", got, i)
		}
	}
	if d.Len() != 0 {
		t.Fatalf("Len() = %d after drain, want 0", d.Len())
	}
}

func TestDequeWrapAround(t *testing.T) {
	var d Deque[int]
	// Interleave pushes and pops so head travels around the ring.
	n := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			d.PushBack(n)
			n++
		}
		for i := 0; i < 2; i++ {
			d.PopFront()
		}
	}
	// 150 pushed, 100 popped.
	if d.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", d.Len())
	}
	want := 100
	for d.Len() > 0 {
		if got := d.PopFront(); got != want {
			t.Fatalf("PopFront = %d, want %d", got, want)
		}
		want++
	}
}

func TestDequeFront(t *testing.T) {
	var d Deque[string]
	d.PushBack("a")
	d.PushBack("b")
	if d.Front() != "a" {
		t.Fatalf("Front = %q, want a", d.Front())
	}
	d.PopFront()
	if d.Front() != "b" {
		t.Fatalf("Front = %q, want b", d.Front())
	}
}

func TestDequeEmptyPanics(t *testing.T) {
	var d Deque[int]
	defer func() {
		if recover() == nil {
			t.Fatal("PopFront of empty deque did not panic")
		}
	}()
	d.PopFront()
}
