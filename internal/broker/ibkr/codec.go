package ibkr

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// maxFrameSize bounds a single inbound message.
const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("frame too large")

// fieldWriter builds a NUL-delimited message body.
type fieldWriter struct {
	b strings.Builder
}

func newFieldWriter(msgID int) *fieldWriter {
	w := &fieldWriter{}
	w.int(msgID)
	return w
}

func (w *fieldWriter) str(s string) *fieldWriter {
	w.b.WriteString(s)
	w.b.WriteByte(0)
	return w
}

func (w *fieldWriter) int(n int) *fieldWriter {
	return w.str(strconv.Itoa(n))
}

func (w *fieldWriter) int64(n int64) *fieldWriter {
	return w.str(strconv.FormatInt(n, 10))
}

func (w *fieldWriter) bool(v bool) *fieldWriter {
	if v {
		return w.str("1")
	}
	return w.str("0")
}

// dec writes a decimal, or an empty field for zero values the gateway
// treats as unset.
func (w *fieldWriter) dec(d decimal.Decimal, unsetIfZero bool) *fieldWriter {
	if unsetIfZero && d.IsZero() {
		return w.str("")
	}
	return w.str(d.String())
}

// empty writes n empty fields.
func (w *fieldWriter) empty(n int) *fieldWriter {
	for i := 0; i < n; i++ {
		w.str("")
	}
	return w
}

func (w *fieldWriter) bytes() []byte {
	return []byte(w.b.String())
}

// frame prefixes payload with its 4-byte big-endian length.
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// readFrame reads one length-prefixed message and splits it into fields.
func readFrame(r *bufio.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return splitFields(payload), nil
}

func splitFields(payload []byte) []string {
	s := string(payload)
	s = strings.TrimSuffix(s, "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// fieldReader walks the fields of an inbound message. The first parse
// error sticks and later reads return zero values.
type fieldReader struct {
	fields []string
	pos    int
	err    error
}

func newFieldReader(fields []string) *fieldReader {
	return &fieldReader{fields: fields}
}

func (r *fieldReader) str() string {
	if r.err != nil {
		return ""
	}
	if r.pos >= len(r.fields) {
		r.err = fmt.Errorf("field %d: %w", r.pos, io.ErrUnexpectedEOF)
		return ""
	}
	s := r.fields[r.pos]
	r.pos++
	return s
}

func (r *fieldReader) skip(n int) {
	for i := 0; i < n; i++ {
		r.str()
	}
}

func (r *fieldReader) int() int {
	s := r.str()
	if r.err != nil || s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
	return n
}

func (r *fieldReader) int64() int64 {
	s := r.str()
	if r.err != nil || s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
	return n
}

func (r *fieldReader) dec() decimal.Decimal {
	s := r.str()
	if r.err != nil || s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
	}
	return d
}

// quantity parses share counts, which newer gateways send as decimals.
func (r *fieldReader) quantity() int64 {
	return r.dec().IntPart()
}

func (r *fieldReader) remaining() int {
	return len(r.fields) - r.pos
}
