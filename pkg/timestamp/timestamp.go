// Package timestamp implements Karabo timestamps: an epoch instant with
// attosecond resolution plus an optional train identifier.
//
// Every value update carries its timestamp as the attributes sec, frac and
// tid. A Clock hands out strictly increasing timestamps even if the system
// clock steps backwards.
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub011/hash"
)

// AttosecondsPerNano is the number of attoseconds in a nanosecond.
const AttosecondsPerNano uint64 = 1_000_000_000

// AttosecondsPerSecond is the number of attoseconds in a second.
const AttosecondsPerSecond uint64 = 1_000_000_000_000_000_000

// Attribute keys carried by timestamped values.
const (
	AttrSec  = "sec"
	AttrFrac = "frac"
	AttrTid  = "tid"
)

// DateFormat is the layout used for item dates in the project store.
const DateFormat = "2006-01-02 15:04:05"

// Timestamp is (seconds, attoseconds) since the Unix epoch plus a train id.
// A zero TrainID means no train id is attached.
type Timestamp struct {
	Sec     uint64
	Frac    uint64
	TrainID uint64
}

// FromTime converts a time.Time.
func FromTime(t time.Time) Timestamp {
	return Timestamp{
		Sec:  uint64(t.Unix()),
		Frac: uint64(t.Nanosecond()) * AttosecondsPerNano,
	}
}

// Now returns the current wall clock time.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromSeconds converts fractional epoch seconds, as written by raw loggers.
func FromSeconds(s float64) Timestamp {
	sec, frac := math.Modf(s)
	return Timestamp{Sec: uint64(sec), Frac: uint64(math.Round(frac*1e9)) * AttosecondsPerNano}
}

// ParseSeconds parses a decimal epoch-seconds string such as
// "1580826777.123456" without going through float64.
func ParseSeconds(s string) (Timestamp, error) {
	intPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid epoch seconds %q: %w", s, err)
	}
	var frac uint64
	if fracPart != "" {
		if len(fracPart) > 18 {
			fracPart = fracPart[:18]
		}
		digits, err := strconv.ParseUint(fracPart, 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid epoch fraction %q: %w", s, err)
		}
		frac = digits
		for i := len(fracPart); i < 18; i++ {
			frac *= 10
		}
	}
	return Timestamp{Sec: sec, Frac: frac}, nil
}

// WithTrainID returns a copy carrying tid.
func (t Timestamp) WithTrainID(tid uint64) Timestamp {
	t.TrainID = tid
	return t
}

// Time converts to time.Time, truncating below a nanosecond.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Frac/AttosecondsPerNano)).UTC()
}

// Micros returns microseconds since the epoch.
func (t Timestamp) Micros() int64 {
	return int64(t.Sec)*1_000_000 + int64(t.Frac/1_000_000_000_000)
}

// Before reports whether t is strictly earlier than o. Train ids are ignored.
func (t Timestamp) Before(o Timestamp) bool {
	if t.Sec != o.Sec {
		return t.Sec < o.Sec
	}
	return t.Frac < o.Frac
}

// IsZero reports whether no time is set.
func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Frac == 0
}

// Next returns t advanced by one attosecond.
func (t Timestamp) Next() Timestamp {
	t.Frac++
	if t.Frac >= AttosecondsPerSecond {
		t.Frac = 0
		t.Sec++
	}
	return t
}

// Seconds returns fractional epoch seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t.Sec) + float64(t.Frac)/float64(AttosecondsPerSecond)
}

// String formats as ISO-8601 with microseconds.
func (t Timestamp) String() string {
	return t.Time().Format("2006-01-02T15:04:05.000000Z")
}

// Clock produces strictly increasing timestamps. If the source goes
// backwards or stalls, the previous value plus one attosecond is used.
type Clock struct {
	mu     sync.Mutex
	last   Timestamp
	source func() Timestamp
}

// NewClock returns a Clock reading the wall clock.
func NewClock() *Clock {
	return &Clock{source: Now}
}

// NewClockWithSource returns a Clock reading from source.
func NewClockWithSource(source func() Timestamp) *Clock {
	return &Clock{source: source}
}

// Now returns the next timestamp.
func (c *Clock) Now() Timestamp {
	return c.Stamp(c.source())
}

// Stamp returns ts if it is after the last issued timestamp, otherwise the
// last one advanced by one attosecond. The train id of ts is kept.
func (c *Clock) Stamp(ts Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.last.IsZero() && !c.last.Before(ts) {
		next := c.last.Next()
		next.TrainID = ts.TrainID
		ts = next
	}
	c.last = ts
	return ts
}

// FormatDate formats t with DateFormat in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// ParseDate parses a project store date. ISO-8601 with a 'T' separator is
// accepted as well.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateFormat, "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ToAttributes stores t as the sec, frac and tid attributes.
func (t Timestamp) ToAttributes(a *hash.Attributes) {
	_ = a.Set(AttrSec, t.Sec)
	_ = a.Set(AttrFrac, t.Frac)
	_ = a.Set(AttrTid, t.TrainID)
}

// FromAttributes reads a timestamp stored by ToAttributes. The train id is
// optional.
func FromAttributes(a *hash.Attributes) (Timestamp, bool) {
	sec, ok1 := a.Get(AttrSec).(uint64)
	frac, ok2 := a.Get(AttrFrac).(uint64)
	if !ok1 || !ok2 {
		return Timestamp{}, false
	}
	tid, _ := a.Get(AttrTid).(uint64)
	return Timestamp{Sec: sec, Frac: frac, TrainID: tid}, true
}
