package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/x448/float16"

	"github.com/hupe1980/cytovae/internal/mmap"
)

// ErrInvalidFormat is returned when npy data cannot be parsed.
var ErrInvalidFormat = errors.New("patch: invalid npy data")

const npyMagic = "\x93NUMPY"

// npy payloads are padded so the data section starts at a multiple of this,
// which keeps mmap float32 views aligned.
const npyAlign = 64

// ReadNPY reads a NumPy .npy array (format version 1 or 2, little-endian,
// C order) from r. Integer and half/double payloads are converted to
// float32; supported dtypes are <f2, <f4, <f8, u1, <u2, <i4 and <i8.
func ReadNPY(r io.Reader) (*Array, error) {
	hdr, err := readNPYHeader(r)
	if err != nil {
		return nil, err
	}

	size := 1
	for _, d := range hdr.shape {
		size *= d
	}

	raw := make([]byte, size*hdr.itemSize())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidFormat, err)
	}

	data, err := convertNPY(hdr.descr, raw, size)
	if err != nil {
		return nil, err
	}
	return &Array{Shape: hdr.shape, Data: data}, nil
}

// OpenNPY memory-maps the .npy file at path. For <f4 payloads the returned
// array aliases the mapping (zero copy); other dtypes are converted and the
// mapping is released immediately. The closer must be closed when the array
// is no longer needed.
func OpenNPY(path string) (*Array, io.Closer, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, nil, err
	}
	_ = m.Advise(mmap.AccessSequential)

	b := m.Bytes()
	br := bytes.NewReader(b)
	hdr, err := readNPYHeader(br)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	off := len(b) - br.Len()

	size := 1
	for _, d := range hdr.shape {
		size *= d
	}

	if hdr.descr == "<f4" && size > 0 {
		if len(b) < off+size*4 {
			m.Close()
			return nil, nil, fmt.Errorf("%w: payload truncated", ErrInvalidFormat)
		}
		if off%4 == 0 {
			data := unsafe.Slice((*float32)(unsafe.Pointer(&b[off])), size)
			return &Array{Shape: hdr.shape, Data: data}, m, nil
		}
		// Unaligned data section (non-standard writer); fall through to copy.
	}

	defer m.Close()
	raw := b[off:]
	if len(raw) < size*hdr.itemSize() {
		return nil, nil, fmt.Errorf("%w: payload truncated", ErrInvalidFormat)
	}
	data, err := convertNPY(hdr.descr, raw[:size*hdr.itemSize()], size)
	if err != nil {
		return nil, nil, err
	}
	return &Array{Shape: hdr.shape, Data: data}, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WriteNPY writes the array as a version 1 .npy file with dtype <f4.
func WriteNPY(w io.Writer, a *Array) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := writeNPYHeader(w, "<f4", a.Shape); err != nil {
		return err
	}
	buf := make([]byte, len(a.Data)*4)
	for i, v := range a.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// WriteNPYInt32 writes an int32 array (e.g. codebook index grids) as a
// version 1 .npy file with dtype <i4.
func WriteNPYInt32(w io.Writer, shape []int, data []int32) error {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return fmt.Errorf("patch: backing length %d does not match shape %v", len(data), shape)
	}
	if err := writeNPYHeader(w, "<i4", shape); err != nil {
		return err
	}
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	_, err := w.Write(buf)
	return err
}

type npyHeader struct {
	descr   string
	fortran bool
	shape   []int
}

func (h npyHeader) itemSize() int {
	switch h.descr {
	case "<f2", "<u2", "<i2":
		return 2
	case "<f4", "<i4", "<u4":
		return 4
	case "<f8", "<i8", "<u8":
		return 8
	default:
		return 1
	}
}

func readNPYHeader(r io.Reader) (npyHeader, error) {
	magic := make([]byte, 8)
	if _, err := io.ReadFull(r, magic); err != nil {
		return npyHeader{}, fmt.Errorf("%w: magic: %v", ErrInvalidFormat, err)
	}
	if string(magic[:6]) != npyMagic {
		return npyHeader{}, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}

	major := magic[6]
	var headerLen int
	switch major {
	case 1:
		hl := make([]byte, 2)
		if _, err := io.ReadFull(r, hl); err != nil {
			return npyHeader{}, fmt.Errorf("%w: header length: %v", ErrInvalidFormat, err)
		}
		headerLen = int(binary.LittleEndian.Uint16(hl))
	case 2, 3:
		hl := make([]byte, 4)
		if _, err := io.ReadFull(r, hl); err != nil {
			return npyHeader{}, fmt.Errorf("%w: header length: %v", ErrInvalidFormat, err)
		}
		headerLen = int(binary.LittleEndian.Uint32(hl))
	default:
		return npyHeader{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return npyHeader{}, fmt.Errorf("%w: header: %v", ErrInvalidFormat, err)
	}

	hdr, err := parseNPYDict(string(header))
	if err != nil {
		return npyHeader{}, err
	}
	if hdr.fortran {
		return npyHeader{}, fmt.Errorf("%w: fortran order is not supported", ErrInvalidFormat)
	}
	return hdr, nil
}

// parseNPYDict parses the python literal header dict, e.g.
//
//	{'descr': '<f4', 'fortran_order': False, 'shape': (3, 2, 4, 4), }
func parseNPYDict(s string) (npyHeader, error) {
	var hdr npyHeader

	descr, ok := dictValue(s, "descr")
	if !ok {
		return hdr, fmt.Errorf("%w: missing descr", ErrInvalidFormat)
	}
	hdr.descr = strings.Trim(descr, "'\"")

	order, ok := dictValue(s, "fortran_order")
	if !ok {
		return hdr, fmt.Errorf("%w: missing fortran_order", ErrInvalidFormat)
	}
	hdr.fortran = strings.HasPrefix(order, "True")

	shape, ok := dictValue(s, "shape")
	if !ok || !strings.HasPrefix(shape, "(") {
		return hdr, fmt.Errorf("%w: missing shape", ErrInvalidFormat)
	}
	end := strings.IndexByte(shape, ')')
	if end < 0 {
		return hdr, fmt.Errorf("%w: unterminated shape", ErrInvalidFormat)
	}
	hdr.shape = []int{}
	for _, part := range strings.Split(shape[1:end], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return hdr, fmt.Errorf("%w: bad shape dimension %q", ErrInvalidFormat, part)
		}
		hdr.shape = append(hdr.shape, d)
	}
	return hdr, nil
}

// dictValue returns the raw text following 'key': up to the next comma that
// is outside parentheses.
func dictValue(s, key string) (string, bool) {
	idx := strings.Index(s, "'"+key+"'")
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(key)+2:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[colon+1:]), true
}

func convertNPY(descr string, raw []byte, size int) ([]float32, error) {
	data := make([]float32, size)
	switch descr {
	case "<f4":
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "<f8":
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "<f2":
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "<u2":
		for i := range data {
			data[i] = float32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "|u1", "<u1":
		for i := range data {
			data[i] = float32(raw[i])
		}
	case "<i4":
		for i := range data {
			data[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "<i8":
		for i := range data {
			data[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidFormat, descr)
	}
	return data, nil
}

func writeNPYHeader(w io.Writer, descr string, shape []int) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple(shape))

	// Pad with spaces, ending in newline, so the data section starts at a
	// multiple of npyAlign.
	unpadded := len(npyMagic) + 2 + 2 + len(dict) + 1
	padding := (npyAlign - unpadded%npyAlign) % npyAlign
	headerLen := len(dict) + padding + 1
	if headerLen > math.MaxUint16 {
		return fmt.Errorf("patch: npy header too large (%d bytes)", headerLen)
	}

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(headerLen))
	buf.Write(hl[:])
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", padding))
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

func shapeTuple(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	default:
		parts := make([]string, len(shape))
		for i, d := range shape {
			parts[i] = strconv.Itoa(d)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
}
