package projectdb

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// ItemType is the kind of a project store item.
type ItemType string

// Item types.
const (
	TypeProject        ItemType = "project"
	TypeDeviceInstance ItemType = "device_instance"
	TypeDeviceServer   ItemType = "device_server"
	TypeScene          ItemType = "scene"
	TypeMacro          ItemType = "macro"
	TypeDeviceConfig   ItemType = "device_configuration"
)

// AllTypes lists every item type.
var AllTypes = []ItemType{TypeDeviceConfig, TypeDeviceInstance, TypeDeviceServer, TypeMacro, TypeProject, TypeScene}

// DateFormat is the layout of item dates: UTC ISO-8601 with microseconds,
// so dates sort lexically.
const DateFormat = "2006-01-02T15:04:05.000000Z"

// FormatDate renders t in DateFormat.
func FormatDate(t time.Time) string { return t.UTC().Format(DateFormat) }

const defaultUser = "Karabo User"

// Meta is the item metadata carried by the root element of its XML.
type Meta struct {
	UUID        string
	Type        ItemType
	SimpleName  string
	Revision    int
	Date        string
	User        string
	Trashed     bool
	Description string
}

// Item is a stored item: metadata plus a Hash payload.
type Item struct {
	Meta
	Payload *hash.Hash
}

// Ref references a child item.
type Ref struct {
	UUID     string
	Revision int
}

// itemXML is the root element of an item document.
type itemXML struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Body    []byte     `xml:",innerxml"`
}

// MarshalItem renders it as an item document.
func MarshalItem(it *Item) ([]byte, error) {
	var body []byte
	if it.Payload != nil && !it.Payload.Empty() {
		b, err := hash.EncodeXML(it.Payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	var buf bytes.Buffer
	buf.WriteString("<xml")
	attr := func(name, value string) {
		buf.WriteString(" " + name + `="`)
		_ = xml.EscapeText(&buf, []byte(value))
		buf.WriteString(`"`)
	}
	attr("uuid", it.UUID)
	attr("revision", strconv.Itoa(it.Revision))
	attr("item_type", string(it.Type))
	attr("simple_name", it.SimpleName)
	attr("date", it.Date)
	attr("user", it.User)
	attr("is_trashed", strconv.FormatBool(it.Trashed))
	attr("description", it.Description)
	buf.WriteString(">")
	buf.Write(body)
	buf.WriteString("</xml>")
	return buf.Bytes(), nil
}

// UnmarshalItem parses an item document.
func UnmarshalItem(data []byte) (*Item, error) {
	var doc itemXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "item xml: "+err.Error())
	}
	it := &Item{Meta: metaFromAttrs(doc.Attrs)}
	if len(bytes.TrimSpace(doc.Body)) > 0 {
		p, err := hash.DecodeXML(doc.Body)
		if err != nil {
			return nil, err
		}
		it.Payload = p
	} else {
		it.Payload = hash.New()
	}
	return it, nil
}

// ReadMeta parses only the root element of an item document.
func ReadMeta(r io.Reader) (Meta, error) {
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if err != nil {
			return Meta{}, kerrors.New(kerrors.KindValidation, "item xml: no root element")
		}
		if start, ok := tok.(xml.StartElement); ok {
			return metaFromAttrs(start.Attr), nil
		}
	}
}

func metaFromAttrs(attrs []xml.Attr) Meta {
	var m Meta
	for _, a := range attrs {
		switch a.Name.Local {
		case "uuid":
			m.UUID = a.Value
		case "revision":
			m.Revision, _ = strconv.Atoi(a.Value)
		case "item_type":
			m.Type = ItemType(a.Value)
		case "simple_name":
			m.SimpleName = a.Value
		case "date":
			m.Date = a.Value
		case "user":
			m.User = a.Value
		case "is_trashed":
			m.Trashed, _ = strconv.ParseBool(a.Value)
		case "description":
			m.Description = a.Value
		}
	}
	return m
}

// setAttr sets one metadata attribute by its XML name.
func (m *Meta) setAttr(name, value string) error {
	switch name {
	case "simple_name":
		m.SimpleName = value
	case "description":
		m.Description = value
	case "user":
		m.User = value
	case "is_trashed":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return kerrors.Newf(kerrors.KindValidation, "is_trashed: %q is not a bool", value)
		}
		m.Trashed = b
	default:
		return kerrors.Newf(kerrors.KindValidation, "attribute %q cannot be updated", name)
	}
	return nil
}

// Hash renders m as the metadata Hash used in replies.
func (m Meta) Hash() *hash.Hash {
	h := hash.New(
		"uuid", m.UUID,
		"item_type", string(m.Type),
		"simple_name", m.SimpleName,
		"date", m.Date,
	)
	if m.Type == TypeProject {
		h.Set("is_trashed", m.Trashed)
	}
	return h
}

// childLists names the payload paths holding child references per type.
var childLists = map[ItemType][]string{
	TypeProject: {
		"project.scenes", "project.macros", "project.servers",
		"project.subprojects", "project.configurations",
	},
	TypeDeviceServer:   {"device_server.devices"},
	TypeDeviceInstance: {"device_instance.configs"},
}

// Children returns the references held by the payload of it, in payload
// order.
func (it *Item) Children() []Ref {
	var refs []Ref
	if it.Payload == nil {
		return nil
	}
	for _, path := range childLists[it.Type] {
		rows, err := hash.GetAs[[]*hash.Hash](it.Payload, path)
		if err != nil {
			continue
		}
		for _, r := range rows {
			uuid, _ := r.GetString("uuid")
			rev, _ := hash.GetAs[int32](r, "revision")
			if uuid != "" {
				refs = append(refs, Ref{UUID: uuid, Revision: int(rev)})
			}
		}
	}
	return refs
}

// RefRows renders refs as the rows of a payload reference list.
func RefRows(refs ...Ref) []*hash.Hash {
	rows := make([]*hash.Hash, len(refs))
	for i, r := range refs {
		rows[i] = hash.New("uuid", r.UUID, "revision", int32(r.Revision))
	}
	return rows
}
