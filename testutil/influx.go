package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// InfluxPoint is a point stored by FakeInflux. Field values keep their line
// protocol text, e.g. `"abc"`, `12i` or `t`.
type InfluxPoint struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]string
	Time        int64
}

// FakeInflux is an in-memory InfluxDB 1.x HTTP endpoint. It understands
// the writes of the ingest client and the two query shapes it issues.
// Thread-safe for concurrent use.
type FakeInflux struct {
	*httptest.Server

	User, Password string

	mu     sync.Mutex
	points map[string][]InfluxPoint
	fail   []int
	writes int
	bodies []string
}

// NewFakeInflux starts a fake server closed at test cleanup.
func NewFakeInflux(t testing.TB) *FakeInflux {
	t.Helper()
	f := &FakeInflux{points: map[string][]InfluxPoint{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/write", f.handleWrite)
	mux.HandleFunc("/query", f.handleQuery)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// FailNextWrites makes the next writes answer with the given statuses.
func (f *FakeInflux) FailNextWrites(codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = append(f.fail, codes...)
}

// Points returns the points stored in db.
func (f *FakeInflux) Points(db string) []InfluxPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InfluxPoint(nil), f.points[db]...)
}

// Measurement returns the points of one measurement in db.
func (f *FakeInflux) Measurement(db, name string) []InfluxPoint {
	var out []InfluxPoint
	for _, p := range f.Points(db) {
		if p.Measurement == name {
			out = append(out, p)
		}
	}
	return out
}

// Writes returns the number of write requests received, failed ones
// included.
func (f *FakeInflux) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Bodies returns the bodies of the accepted writes.
func (f *FakeInflux) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func (f *FakeInflux) authorized(r *http.Request) bool {
	if f.User == "" {
		return true
	}
	u, p, ok := r.BasicAuth()
	return ok && u == f.User && p == f.Password
}

func (f *FakeInflux) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, `{"error":"authorization failed"}`, http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if len(f.fail) > 0 {
		code := f.fail[0]
		f.fail = f.fail[1:]
		http.Error(w, `{"error":"injected failure"}`, code)
		return
	}
	if r.URL.Query().Get("precision") != "u" {
		http.Error(w, `{"error":"precision must be u"}`, http.StatusBadRequest)
		return
	}
	db := r.URL.Query().Get("db")
	var parsed []InfluxPoint
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, ok := ParseLine(line)
		if !ok {
			http.Error(w, `{"error":"unable to parse '`+line+`'"}`, http.StatusBadRequest)
			return
		}
		parsed = append(parsed, p)
	}
	f.points[db] = append(f.points[db], parsed...)
	f.bodies = append(f.bodies, string(body))
	w.WriteHeader(http.StatusNoContent)
}

var (
	countQuery = regexp.MustCompile(`^SELECT COUNT\(/(.+)/\) FROM "([^"]+)"(?: WHERE "(\w+)" = '(.*)')?$`)
	lastQuery  = regexp.MustCompile(`^SELECT /(.+)/ FROM "([^"]+)" ORDER BY time DESC LIMIT 1$`)
)

type series struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

func (f *FakeInflux) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, `{"error":"authorization failed"}`, http.StatusUnauthorized)
		return
	}
	q := r.URL.Query().Get("q")
	if strings.HasPrefix(q, "CREATE DATABASE") {
		writeResult(w, nil, "")
		return
	}
	db := r.URL.Query().Get("db")
	if m := countQuery.FindStringSubmatch(q); m != nil {
		re, err := regexp.Compile(m[1])
		if err != nil {
			writeResult(w, nil, err.Error())
			return
		}
		var n int64
		var col string
		for _, p := range f.Measurement(db, m[2]) {
			if m[3] != "" && p.Tags[m[3]] != m[4] {
				continue
			}
			for k := range p.Fields {
				if re.MatchString(k) {
					n++
					col = "count_" + k
				}
			}
		}
		if n == 0 {
			writeResult(w, nil, "")
			return
		}
		writeResult(w, []series{{Name: m[2], Columns: []string{"time", col}, Values: [][]any{{0, n}}}}, "")
		return
	}
	if m := lastQuery.FindStringSubmatch(q); m != nil {
		re, err := regexp.Compile(m[1])
		if err != nil {
			writeResult(w, nil, err.Error())
			return
		}
		var best *InfluxPoint
		var key string
		pts := f.Measurement(db, m[2])
		for i := range pts {
			for k := range pts[i].Fields {
				if re.MatchString(k) && (best == nil || pts[i].Time >= best.Time) {
					best, key = &pts[i], k
				}
			}
		}
		if best == nil {
			writeResult(w, nil, "")
			return
		}
		row := []any{best.Time, FieldValue(best.Fields[key])}
		writeResult(w, []series{{Name: m[2], Columns: []string{"time", key}, Values: [][]any{row}}}, "")
		return
	}
	writeResult(w, nil, "unsupported query: "+q)
}

func writeResult(w http.ResponseWriter, s []series, errMsg string) {
	res := map[string]any{"statement_id": 0}
	if len(s) > 0 {
		res["series"] = s
	}
	if errMsg != "" {
		res["error"] = errMsg
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{res}})
}

// FieldValue converts a line protocol field value the way InfluxDB returns
// it in query results.
func FieldValue(raw string) any {
	switch {
	case strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2:
		return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(raw[1 : len(raw)-1])
	case raw == "t" || raw == "true":
		return true
	case raw == "f" || raw == "false":
		return false
	case strings.HasSuffix(raw, "i"):
		if n, err := strconv.ParseInt(strings.TrimSuffix(raw, "i"), 10, 64); err == nil {
			return n
		}
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	return raw
}

// splitLine splits s on sep outside double quotes, honouring backslash
// escapes.
func splitLine(s string, sep byte) []string {
	var out []string
	quoted := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	return append(out, s[last:])
}

var unescaper = strings.NewReplacer(`\,`, ",", `\=`, "=", `\ `, " ")

func cutKey(kv string) (string, string, bool) {
	parts := splitLine(kv, '=')
	if len(parts) < 2 {
		return "", "", false
	}
	return unescaper.Replace(parts[0]), strings.Join(parts[1:], "="), true
}

// ParseLine parses one line of line protocol.
func ParseLine(line string) (InfluxPoint, bool) {
	parts := splitLine(line, ' ')
	if len(parts) != 3 {
		return InfluxPoint{}, false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return InfluxPoint{}, false
	}
	head := splitLine(parts[0], ',')
	p := InfluxPoint{
		Measurement: unescaper.Replace(head[0]),
		Tags:        map[string]string{},
		Fields:      map[string]string{},
		Time:        ts,
	}
	for _, kv := range head[1:] {
		k, v, ok := cutKey(kv)
		if !ok {
			return InfluxPoint{}, false
		}
		p.Tags[k] = v
	}
	for _, kv := range splitLine(parts[1], ',') {
		k, v, ok := cutKey(kv)
		if !ok || v == "" {
			return InfluxPoint{}, false
		}
		p.Fields[k] = v
	}
	return p, true
}
