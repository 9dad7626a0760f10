package packet

import (
	"encoding/binary"
	"fmt"
)

// Writer builds a packet payload. Fixed-width fields are big-endian;
// variable fields carry a uint64 length prefix.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w
}

func (w *Writer) String(s string) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// Payload returns the accumulated payload.
func (w *Writer) Payload() []byte {
	return w.buf
}

// Reader consumes a packet payload written by Writer. Errors are sticky:
// after the first short read every accessor returns the zero value and Err
// reports the failure.
type Reader struct {
	buf []byte
	err error
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) fail(want string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: reading %s with %d bytes left", ErrPayloadTooShort, want, len(r.buf))
	}
}

func (r *Reader) Uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.fail("uint32")
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.fail("uint64")
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < 1 {
		r.fail("bool")
		return false
	}
	v := r.buf[0] != 0
	r.buf = r.buf[1:]
	return v
}

func (r *Reader) String() string {
	return string(r.Bytes())
}

func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	n := r.Uint64()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.fail("bytes")
		return nil
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b
}

// Remaining returns the number of unconsumed payload bytes.
func (r *Reader) Remaining() int {
	return len(r.buf)
}

func (r *Reader) Err() error {
	return r.err
}
