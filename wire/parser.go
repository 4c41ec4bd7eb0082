package wire

import (
	"encoding/binary"
	"io"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

type parseState int

const (
	waitHeaderLength parseState = iota
	waitHeader
	waitBody
)

// MaxFrameSection bounds a single header or body.
const MaxFrameSection = 1 << 30

// Parser turns a byte stream into messages. It keeps partial input between
// calls to Feed. The zero value is ready to use.
type Parser struct {
	state  parseState
	buf    []byte
	need   int
	header *hash.Hash
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// Feed appends data and returns every message completed by it.
func (p *Parser) Feed(data []byte) ([]*Message, error) {
	p.buf = append(p.buf, data...)
	var out []*Message
	for {
		switch p.state {
		case waitHeaderLength:
			if len(p.buf) < 4 {
				return out, nil
			}
			n, err := p.length()
			if err != nil {
				return out, err
			}
			p.need, p.state = n, waitHeader
		case waitHeader:
			if len(p.buf) < p.need {
				return out, nil
			}
			h, err := hash.DecodeBinary(p.buf[:p.need])
			if err != nil {
				p.reset()
				return out, kerrors.Wrap(err, "wire", "Feed", "header decoding")
			}
			p.consume(p.need)
			p.header, p.need, p.state = h, -1, waitBody
		case waitBody:
			// the body length prefix is read on entry to this state
			if p.need < 0 {
				if len(p.buf) < 4 {
					return out, nil
				}
				n, err := p.length()
				if err != nil {
					return out, err
				}
				p.need = n
			}
			if len(p.buf) < p.need {
				return out, nil
			}
			body, err := hash.DecodeBinary(p.buf[:p.need])
			if err != nil {
				p.reset()
				return out, kerrors.Wrap(err, "wire", "Feed", "body decoding")
			}
			p.consume(p.need)
			out = append(out, &Message{Header: p.header, Body: body})
			p.header, p.need, p.state = nil, 0, waitHeaderLength
		}
	}
}

func (p *Parser) length() (int, error) {
	n := binary.LittleEndian.Uint32(p.buf)
	if n > MaxFrameSection {
		p.reset()
		return 0, kerrors.Newf(kerrors.KindValidation, "frame section of %d bytes exceeds limit", n)
	}
	p.consume(4)
	return int(n), nil
}

func (p *Parser) consume(n int) {
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func (p *Parser) reset() {
	*p = Parser{}
}

// Reader reads framed messages from a stream.
type Reader struct {
	r       io.Reader
	p       Parser
	pending []*Message
	chunk   []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 32*1024)}
}

// Next returns the next message, io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops inside a frame.
func (r *Reader) Next() (*Message, error) {
	for len(r.pending) == 0 {
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			msgs, perr := r.p.Feed(r.chunk[:n])
			if perr != nil {
				return nil, perr
			}
			r.pending = append(r.pending, msgs...)
		}
		if err == io.EOF {
			if len(r.pending) > 0 {
				break
			}
			if r.p.Buffered() > 0 || r.p.state != waitHeaderLength {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}
