package buffer

import (
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/European-XFEL/Karabo-sub011/metric"
)

func TestRingKeepsNewest(t *testing.T) {
	var dropped []int
	r, err := NewRing[int](3, WithDropCallback(func(v int) { dropped = append(dropped, v) }))
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	if got := r.Last(0); len(got) != 0 {
		t.Errorf("Expected empty ring, got %v", got)
	}

	for i := 1; i <= 5; i++ {
		r.Write(i)
	}
	if r.Size() != 3 || r.Capacity() != 3 {
		t.Errorf("Expected size 3 of 3, got %d of %d", r.Size(), r.Capacity())
	}
	if got := r.Last(0); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("Expected [3 4 5], got %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Errorf("Expected [4 5], got %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Errorf("Expected 3 items, got %v", got)
	}
	if !reflect.DeepEqual(dropped, []int{1, 2}) {
		t.Errorf("Expected drops [1 2], got %v", dropped)
	}
	if st := r.Stats(); st.Writes != 5 || st.Drops != 2 {
		t.Errorf("Unexpected stats %+v", st)
	}

	r.Clear()
	if r.Size() != 0 {
		t.Errorf("Expected empty ring after Clear, got %d", r.Size())
	}
	r.Write(9)
	if got := r.Last(0); !reflect.DeepEqual(got, []int{9}) {
		t.Errorf("Expected [9], got %v", got)
	}
}

func TestRingInvalidCapacity(t *testing.T) {
	if _, err := NewRing[string](0); err == nil {
		t.Error("Expected error for zero capacity")
	}
}

func TestRingConcurrentWrites(t *testing.T) {
	r, err := NewRing[int](100)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Write(i)
				_ = r.Last(5)
			}
		}()
	}
	wg.Wait()
	if st := r.Stats(); st.Writes != 8000 || st.Drops != 7900 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestRingMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	r, err := NewRing[string](2, WithMetrics[string](registry, "logs"))
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	r.Write("a")
	r.Write("b")
	r.Write("c")
	if got := testutil.ToFloat64(r.metrics.writes); got != 3 {
		t.Errorf("Expected 3 writes, got %v", got)
	}
	if got := testutil.ToFloat64(r.metrics.drops); got != 1 {
		t.Errorf("Expected 1 drop, got %v", got)
	}

	if _, err := NewRing[string](2, WithMetrics[string](registry, "logs")); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}
