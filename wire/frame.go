package wire

import (
	"encoding/binary"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Encode frames m.
func Encode(m *Message) ([]byte, error) {
	hdr, err := hash.EncodeBinary(m.Header)
	if err != nil {
		return nil, kerrors.Wrap(err, "wire", "Encode", "header encoding")
	}
	body := m.Body
	if body == nil {
		body = hash.New()
	}
	b, err := hash.EncodeBinary(body)
	if err != nil {
		return nil, kerrors.Wrap(err, "wire", "Encode", "body encoding")
	}
	out := make([]byte, 0, 8+len(hdr)+len(b))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	out = append(out, b...)
	return out, nil
}

// Decode parses exactly one frame.
func Decode(data []byte) (*Message, error) {
	var p Parser
	msgs, err := p.Feed(data)
	if err != nil {
		return nil, err
	}
	if len(msgs) != 1 || p.Buffered() != 0 {
		return nil, kerrors.Newf(kerrors.KindValidation, "expected one complete frame, got %d message(s) and %d trailing bytes", len(msgs), p.Buffered())
	}
	return msgs[0], nil
}
