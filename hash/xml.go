package hash

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

const (
	xmlTypeAttr       = "KRB_Type"
	xmlArtificialAttr = "KRB_Artificial"
	xmlArtificialRoot = "root"
	xmlItem           = "KRB_Item"
)

// EncodeXML renders h as Karabo XML. Every element carries its type in
// KRB_Type and every attribute value is prefixed with "KRB_<TYPE>:".
//
// A Hash with a single top-level HASH entry uses that entry as document
// root; any other Hash is wrapped in an artificial <root> element.
func EncodeXML(h *Hash) ([]byte, error) {
	var buf bytes.Buffer
	if h.Len() == 1 {
		n := h.Nodes()[0]
		if n.typ == HashType {
			if err := writeElement(&buf, n); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
	buf.WriteString("<" + xmlArtificialRoot + " " + xmlArtificialAttr + `="">`)
	if err := writeEntries(&buf, h); err != nil {
		return nil, err
	}
	buf.WriteString("</" + xmlArtificialRoot + ">")
	return buf.Bytes(), nil
}

// DecodeXML parses Karabo XML. Elements without KRB_Type are STRING.
func DecodeXML(data []byte) (*Hash, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, kerrors.New(kerrors.KindValidation, "xml hash: no root element")
		}
		if err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "xml hash: "+err.Error())
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if hasXMLAttr(start, xmlArtificialAttr) {
			return readEntries(d)
		}
		n, err := readElement(d, start, HashType)
		if err != nil {
			return nil, err
		}
		h := New()
		h.keys = append(h.keys, n.key)
		h.nodes[n.key] = n
		return h, nil
	}
}

// encodeEntries renders the entries of h without a root element.
func encodeEntries(h *Hash) (string, error) {
	var buf bytes.Buffer
	if h != nil {
		if err := writeEntries(&buf, h); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// decodeEntries parses what encodeEntries produced.
func decodeEntries(s string) (*Hash, error) {
	return DecodeXML([]byte("<" + xmlArtificialRoot + " " + xmlArtificialAttr + `="">` + s + "</" + xmlArtificialRoot + ">"))
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

func writeEntries(buf *bytes.Buffer, h *Hash) error {
	for _, n := range h.Nodes() {
		if err := writeElement(buf, n); err != nil {
			return err
		}
	}
	return nil
}

func writeElement(buf *bytes.Buffer, n *Node) error {
	if n.key == "" || strings.ContainsAny(n.key, " <>&\"'") {
		return kerrors.Newf(kerrors.KindValidation, "key %q is not a valid xml name", n.key)
	}
	buf.WriteString("<" + n.key + " " + xmlTypeAttr + `="` + n.typ.String() + `"`)
	for _, a := range n.attrs.All() {
		text, err := formatText(a.Value, a.Type)
		if err != nil {
			return kerrors.Newf(kerrors.KindValidation, "attribute %s of %q: %v", a.Name, n.key, err)
		}
		buf.WriteString(" " + a.Name + `="`)
		escape(buf, "KRB_"+a.Type.String()+":"+text)
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
	switch n.typ {
	case HashType:
		if err := writeEntries(buf, n.value.(*Hash)); err != nil {
			return err
		}
	case VectorHash:
		for _, row := range n.value.([]*Hash) {
			buf.WriteString("<" + xmlItem + ">")
			if err := writeEntries(buf, row); err != nil {
				return err
			}
			buf.WriteString("</" + xmlItem + ">")
		}
	default:
		text, err := formatText(n.value, n.typ)
		if err != nil {
			return err
		}
		escape(buf, text)
	}
	buf.WriteString("</" + n.key + ">")
	return nil
}

func xmlName(n xml.Name) string {
	if n.Space != "" {
		return n.Space + ":" + n.Local
	}
	return n.Local
}

func hasXMLAttr(start xml.StartElement, name string) bool {
	for _, a := range start.Attr {
		if xmlName(a.Name) == name {
			return true
		}
	}
	return false
}

// readEntries consumes child elements until the enclosing end tag.
func readEntries(d *xml.Decoder) (*Hash, error) {
	h := New()
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "xml hash: "+err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n, err := readElement(d, t, String)
			if err != nil {
				return nil, err
			}
			if _, dup := h.nodes[n.key]; !dup {
				h.keys = append(h.keys, n.key)
			}
			h.nodes[n.key] = n
		case xml.EndElement:
			return h, nil
		}
	}
}

func readElement(d *xml.Decoder, start xml.StartElement, def Type) (*Node, error) {
	key := xmlName(start.Name)
	typ := def
	attrs := NewAttributes()
	for _, a := range start.Attr {
		name := xmlName(a.Name)
		if name == xmlTypeAttr {
			t, ok := ParseType(a.Value)
			if !ok {
				return nil, kerrors.Newf(kerrors.KindValidation, "element %q: unknown type %q", key, a.Value)
			}
			typ = t
			continue
		}
		v, t, err := parseXMLAttr(a.Value)
		if err != nil {
			return nil, kerrors.Newf(kerrors.KindValidation, "attribute %s of %q: %v", name, key, err)
		}
		attrs.keys = append(attrs.keys, name)
		attrs.m[name] = &Attr{Name: name, Value: v, Type: t}
	}

	n := &Node{key: key, typ: typ, attrs: attrs}
	switch typ {
	case HashType:
		sub, err := readEntries(d)
		if err != nil {
			return nil, err
		}
		n.value = sub
		return n, nil
	case VectorHash:
		rows := []*Hash{}
		for {
			tok, err := d.Token()
			if err != nil {
				return nil, kerrors.New(kerrors.KindValidation, "xml hash: "+err.Error())
			}
			if _, end := tok.(xml.EndElement); end {
				break
			}
			if _, item := tok.(xml.StartElement); item {
				row, err := readEntries(d)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
			}
		}
		n.value = rows
		return n, nil
	}

	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "xml hash: "+err.Error())
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			if err := d.Skip(); err != nil {
				return nil, kerrors.New(kerrors.KindValidation, "xml hash: "+err.Error())
			}
		case xml.EndElement:
			v, err := parseText(text.String(), typ)
			if err != nil {
				return nil, kerrors.Newf(kerrors.KindValidation, "element %q: %v", key, err)
			}
			n.value = v
			return n, nil
		}
	}
}

// parseXMLAttr splits "KRB_<TYPE>:<text>". Values without a known prefix are
// plain strings.
func parseXMLAttr(s string) (any, Type, error) {
	if rest, ok := strings.CutPrefix(s, "KRB_"); ok {
		if name, text, ok := strings.Cut(rest, ":"); ok {
			if t, known := ParseType(name); known {
				v, err := parseText(text, t)
				return v, t, err
			}
		}
	}
	return s, String, nil
}
