package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Flags of a value line.
const (
	FlagValid  = "VALID"
	FlagLogin  = "LOGIN"
	FlagLogout = "LOGOUT"
)

var valueLine = regexp.MustCompile(
	`^([-:TZ0-9\.]+)\|([0-9\.]+)\|([0-9]+)\|(.+)\|((?:)|(?:[A-Z][0-9A-Z_]+))\|(.*)\|([a-z0-9_]*)\|([A-Z]+)$`)

// KnownIssueError marks a line of a shape the loggers are known to
// produce occasionally, e.g. truncated by a crash. Such lines are reported
// but do not make the file partially processed.
type KnownIssueError struct {
	Line string
}

func (e *KnownIssueError) Error() string {
	return "Incomplete input line: " + e.Line
}

// Record is a parsed value line. Name carries the type suffix and Value is
// formatted for line protocol.
type Record struct {
	Timestamp int64
	TrainID   uint64
	Name      string
	Value     string
	User      string
	Flag      string
}

// IsEvent reports whether r is a login or logout line.
func (r Record) IsEvent() bool {
	return r.Flag == FlagLogin || r.Flag == FlagLogout
}

// EventType returns the events tag of a login or logout line.
func (r Record) EventType() string {
	if r.Flag == FlagLogin {
		return "+LOG"
	}
	return "-LOG"
}

// ParseValueLine parses one line of a value file. A blank line yields
// ok=false. A mismatching line yields a *KnownIssueError; any other error
// is of kind LineIngest.
func ParseValueLine(line string) (rec Record, ok bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, false, nil
	}
	m := valueLine.FindStringSubmatch(line)
	if m == nil {
		return Record{}, false, &KnownIssueError{Line: line}
	}
	epoch, name, ktype, value, user, flag := m[2], m[4], m[5], m[6], m[7], m[8]

	secs, perr := strconv.ParseFloat(epoch, 64)
	tid, terr := strconv.ParseUint(m[3], 10, 32)
	if perr != nil || terr != nil {
		return Record{}, false, kerrors.Newf(kerrors.KindLineIngest,
			"Unable to parse timestamp (%s) and/or train_id (%s).", epoch, m[3])
	}

	ktype, value, err = convertValue(name, ktype, value)
	if err != nil {
		return Record{}, false, err
	}
	if ktype != "" {
		name = name + "-" + ktype
	}
	if user == "" {
		user = "."
	}
	switch {
	case strings.TrimSpace(value) == "" && name != ".":
		return Record{}, false, kerrors.Newf(kerrors.KindLineIngest, "Empty value for %s@%d", name, tid)
	case strings.TrimSpace(value) == "i":
		return Record{}, false, kerrors.Newf(kerrors.KindLineIngest, "Empty integer for %s@%d", name, tid)
	case strings.TrimSpace(name) == "":
		return Record{}, false, kerrors.Newf(kerrors.KindLineIngest, "Empty name for %s@%d", value, tid)
	}
	return Record{
		Timestamp: int64(secs*1e9) / 1000,
		TrainID:   tid,
		Name:      name,
		Value:     value,
		User:      user,
		Flag:      flag,
	}, true, nil
}

func quote(s string) string { return `"` + s + `"` }

// convertValue formats value of the Karabo type ktype for line protocol. It
// returns the type suffix to use, which differs from ktype for non-finite
// floats and base64 string vectors.
func convertValue(name, ktype, value string) (string, string, error) {
	switch ktype {
	case "BOOL":
		switch value {
		case "1":
			return ktype, "t", nil
		case "0":
			return ktype, "f", nil
		}
		return "", "", kerrors.Newf(kerrors.KindLineIngest, "Bool parameter with undefined value, '%s'", value)
	case "FLOAT", "DOUBLE":
		switch value {
		case "nan", "-inf", "inf", "-nan":
			return ktype + "_INF", quote(value), nil
		}
		return ktype, value, nil
	case "INT8", "UINT8", "INT16", "UINT16", "INT32", "UINT32", "INT64":
		return ktype, value + "i", nil
	case "UINT64":
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return "", "", kerrors.Newf(kerrors.KindLineIngest, "Invalid UINT64 value %q", value)
		}
		return ktype, strconv.FormatInt(int64(u), 10) + "i", nil
	case "STRING":
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
		return ktype, quote(escaped), nil
	case "VECTOR_HASH":
		h, err := hash.DecodeXML([]byte(value))
		if err != nil {
			return "", "", kerrors.New(kerrors.KindLineIngest, "Invalid VECTOR_HASH value of "+name).WithCause(err)
		}
		bin, err := hash.EncodeBinary(h)
		if err != nil {
			return "", "", kerrors.New(kerrors.KindLineIngest, "Cannot encode VECTOR_HASH value of "+name).WithCause(err)
		}
		return ktype, quote(base64.StdEncoding.EncodeToString(bin)), nil
	case "VECTOR_STRING":
		var js bytes.Buffer
		enc := json.NewEncoder(&js)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(strings.Split(value, ",")); err != nil {
			return "", "", kerrors.New(kerrors.KindLineIngest, "Cannot encode VECTOR_STRING value of "+name).WithCause(err)
		}
		return ktype, quote(base64.StdEncoding.EncodeToString(bytes.TrimRight(js.Bytes(), "\n"))), nil
	case "VECTOR_STRING_BASE64":
		return "VECTOR_STRING", quote(value), nil
	case "VECTOR_UINT8":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", "", kerrors.New(kerrors.KindLineIngest, "Invalid VECTOR_UINT8 value of "+name).WithCause(err)
		}
		parts := make([]string, len(raw))
		for i, b := range raw {
			parts[i] = strconv.Itoa(int(b))
		}
		return ktype, quote(strings.Join(parts, ",")), nil
	case "CHAR":
		switch len([]rune(value)) {
		case 0:
			return ktype, quote(base64.StdEncoding.EncodeToString([]byte{0})), nil
		case 1:
			return ktype, quote(base64.StdEncoding.EncodeToString([]byte(value))), nil
		}
		return "", "", kerrors.Newf(kerrors.KindLineIngest, "Char property %s abnormally long: %s", name, value)
	}
	if ktype == "BYTE_ARRAY" || strings.HasPrefix(ktype, "VECTOR_") {
		return ktype, quote(value), nil
	}
	return ktype, value, nil
}

// SchemaLine is a parsed line of a schema file.
type SchemaLine struct {
	Timestamp int64
	TrainID   uint64
	XML       string
}

// ParseSchemaLine parses "SECONDS FRAC TRAINID XML". The fraction is in
// attoseconds.
func ParseSchemaLine(line string) (SchemaLine, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return SchemaLine{}, false, nil
	}
	parts := strings.SplitN(line, " ", 4)
	if len(parts) != 4 {
		return SchemaLine{}, false, &KnownIssueError{Line: line}
	}
	secs, err1 := strconv.ParseInt(parts[0], 10, 64)
	frac, err2 := strconv.ParseUint(parts[1], 10, 64)
	tid, err3 := strconv.ParseUint(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return SchemaLine{}, false, kerrors.New(kerrors.KindLineIngest,
			fmt.Sprintf("Invalid schema line header %q", strings.Join(parts[:3], " ")))
	}
	return SchemaLine{
		Timestamp: secs*1_000_000 + int64(frac/1_000_000_000_000),
		TrainID:   tid,
		XML:       parts[3],
	}, true, nil
}
