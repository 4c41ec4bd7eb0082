package ingest

import (
	"strconv"
	"strings"
)

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

// EscapeMeasurement escapes a measurement name for line protocol.
func EscapeMeasurement(s string) string { return measurementEscaper.Replace(s) }

// EscapeKey escapes a tag key, tag value or field key for line protocol.
func EscapeKey(s string) string { return keyEscaper.Replace(s) }

// FormatBody joins lines into one write body.
func FormatBody(lines []string) string {
	return strings.Join(lines, "\n")
}

type field struct {
	key   string
	value string
}

// Point accumulates the fields sharing one (user, train id, timestamp) key.
// Values are already formatted for line protocol.
type Point struct {
	User      string
	TrainID   uint64
	Timestamp int64
	fields    []field
}

type pointKey struct {
	user string
	tid  uint64
	ts   int64
}

func (p *Point) key() pointKey { return pointKey{p.User, p.TrainID, p.Timestamp} }

// Set adds a field; a repeated key replaces the earlier value.
func (p *Point) Set(key, value string) {
	for i := range p.fields {
		if p.fields[i].key == key {
			p.fields[i].value = value
			return
		}
	}
	p.fields = append(p.fields, field{key, value})
}

// Empty reports whether the point holds no field.
func (p *Point) Empty() bool { return p == nil || len(p.fields) == 0 }

// Line renders the point under measurement. The train id becomes the
// integer field _tid when positive.
func (p *Point) Line(measurement string) string {
	var b strings.Builder
	b.WriteString(measurement)
	b.WriteString(`,karabo_user="`)
	b.WriteString(p.User)
	b.WriteString(`" `)
	for i, f := range p.fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}
	if p.TrainID > 0 {
		b.WriteString(",_tid=")
		b.WriteString(strconv.FormatUint(p.TrainID, 10))
		b.WriteByte('i')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return b.String()
}

// EventLine renders a login or logout event of user.
func EventLine(measurement, eventType, user string, ts int64) string {
	return measurement + `__EVENTS,type="` + eventType + `" karabo_user="` + user + `" ` +
		strconv.FormatInt(ts, 10)
}
