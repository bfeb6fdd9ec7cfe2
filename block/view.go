package block

import (
	"encoding/binary"
	"fmt"
)

// View gives typed, bounds-checked access to a block's bytes: a buffer's
// data region or an allocated page frame. It carries no locking of its
// own; whoever owns the underlying bytes (the content lock, frame
// ownership) already guards them.
type View struct {
	data []byte
}

func NewView(data []byte) *View {
	return &View{data: data}
}

// GetInt reads a 4-byte big-endian integer from the given offset.
func (v *View) GetInt(offset int) (int, error) {
	if offset < 0 || offset+4 > len(v.data) {
		return 0, fmt.Errorf("offset %d out of bounds getting int", offset)
	}
	return int(binary.BigEndian.Uint32(v.data[offset:])), nil
}

// SetInt writes a 4-byte big-endian integer at the given offset.
func (v *View) SetInt(offset int, val int) error {
	if offset < 0 || offset+4 > len(v.data) {
		return fmt.Errorf("offset %d out of bounds setting int", offset)
	}
	binary.BigEndian.PutUint32(v.data[offset:], uint32(val))
	return nil
}

// SetString writes a length-prefixed string at the given offset.
func (v *View) SetString(offset int, s string) error {
	if offset < 0 || offset+4+len(s) > len(v.data) {
		return fmt.Errorf("offset %d out of bounds setting string of %d bytes", offset, len(s))
	}
	binary.BigEndian.PutUint32(v.data[offset:], uint32(len(s)))
	copy(v.data[offset+4:], s)
	return nil
}

// GetString reads a length-prefixed string from the given offset.
func (v *View) GetString(offset int) (string, error) {
	if offset < 0 || offset+4 > len(v.data) {
		return "", fmt.Errorf("offset %d out of bounds getting string", offset)
	}
	n := int(binary.BigEndian.Uint32(v.data[offset:]))
	if n < 0 || offset+4+n > len(v.data) {
		return "", fmt.Errorf("corrupt string length %d at offset %d", n, offset)
	}
	return string(v.data[offset+4 : offset+4+n]), nil
}

// SetBytes copies raw bytes to the given offset.
func (v *View) SetBytes(offset int, p []byte) error {
	if offset < 0 || offset+len(p) > len(v.data) {
		return fmt.Errorf("offset %d out of bounds setting %d bytes", offset, len(p))
	}
	copy(v.data[offset:], p)
	return nil
}

// GetBytes copies n raw bytes from the given offset.
func (v *View) GetBytes(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(v.data) {
		return nil, fmt.Errorf("offset %d out of bounds getting %d bytes", offset, n)
	}
	out := make([]byte, n)
	copy(out, v.data[offset:])
	return out, nil
}

// Len returns the size of the underlying block.
func (v *View) Len() int {
	return len(v.data)
}
