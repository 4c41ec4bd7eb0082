package timestamp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/hash"
)

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in       string
		sec      uint64
		frac     uint64
		micros   int64
		hasError bool
	}{
		{"1580826777.0", 1580826777, 0, 1580826777000000, false},
		{"1580826777", 1580826777, 0, 1580826777000000, false},
		{"1580826777.5", 1580826777, 500_000_000_000_000_000, 1580826777500000, false},
		{"1580826777.000001", 1580826777, 1_000_000_000_000, 1580826777000001, false},
		{"abc", 0, 0, 0, true},
		{"1.x", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ts, err := ParseSeconds(tt.in)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.sec, ts.Sec)
			assert.Equal(t, tt.frac, ts.Frac)
			assert.Equal(t, tt.micros, ts.Micros())
		})
	}
}

func TestTimestamp_Next(t *testing.T) {
	ts := Timestamp{Sec: 5, Frac: AttosecondsPerSecond - 1}
	n := ts.Next()
	assert.Equal(t, uint64(6), n.Sec)
	assert.Equal(t, uint64(0), n.Frac)
	assert.True(t, ts.Before(n))
}

func TestClock_MonotoneWhenSourceGoesBack(t *testing.T) {
	readings := []Timestamp{
		{Sec: 100, Frac: 10},
		{Sec: 99, Frac: 0},
		{Sec: 100, Frac: 10, TrainID: 7},
		{Sec: 101},
	}
	i := 0
	clock := NewClockWithSource(func() Timestamp {
		r := readings[i]
		i++
		return r
	})

	a := clock.Now()
	b := clock.Now()
	c := clock.Now()
	d := clock.Now()

	assert.Equal(t, Timestamp{Sec: 100, Frac: 10}, a)
	assert.Equal(t, Timestamp{Sec: 100, Frac: 11}, b)
	assert.Equal(t, Timestamp{Sec: 100, Frac: 12, TrainID: 7}, c)
	assert.Equal(t, Timestamp{Sec: 101}, d)
}

func TestClock_Concurrent(t *testing.T) {
	clock := NewClockWithSource(func() Timestamp { return Timestamp{Sec: 1} })

	var mu sync.Mutex
	seen := make(map[Timestamp]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestDate_RoundTrip(t *testing.T) {
	now := time.Date(2020, 2, 4, 14, 32, 57, 0, time.UTC)
	s := FormatDate(now)
	assert.Equal(t, "2020-02-04 14:32:57", s)

	back, err := ParseDate(s)
	require.NoError(t, err)
	assert.True(t, now.Equal(back))

	_, err = ParseDate("2020-02-04T14:32:57")
	assert.NoError(t, err)
	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}

func TestFromTime(t *testing.T) {
	tm := time.Unix(1580826777, 250_000_000)
	ts := FromTime(tm)
	assert.Equal(t, uint64(1580826777), ts.Sec)
	assert.Equal(t, uint64(250_000_000)*AttosecondsPerNano, ts.Frac)
	assert.True(t, tm.Equal(ts.Time()))
	assert.InDelta(t, 1580826777.25, ts.Seconds(), 1e-6)
}

func TestAttributes_RoundTrip(t *testing.T) {
	ts := Timestamp{Sec: 1580826777, Frac: 5 * AttosecondsPerNano, TrainID: 42}
	a := hash.NewAttributes()
	ts.ToAttributes(a)

	back, ok := FromAttributes(a)
	require.True(t, ok)
	assert.Equal(t, ts, back)

	_, ok = FromAttributes(hash.NewAttributes())
	assert.False(t, ok)
}
