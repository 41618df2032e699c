package rtsp

import "strings"

// HeaderField is a single name/value pair exactly as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered collection of RTSP header fields. Insertion order and
// the case of field names are preserved; lookups are case-insensitive.
type Header struct {
	fields []HeaderField
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns the fields in insertion order. The returned slice is the
// header's backing storage and must not be modified.
func (h *Header) Fields() []HeaderField {
	return h.fields
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set replaces the first field matching name (case-insensitive), preserving
// its position and original casing. If no field matches, the field is
// appended.
func (h *Header) Set(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.Add(name, value)
}

// Get returns the value of the first field matching name, or "" if absent.
func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value of the first field matching name and whether it
// was present.
func (h *Header) Lookup(name string) (string, bool) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			return h.fields[i].Value, true
		}
	}
	return "", false
}

// Del removes every field matching name (case-insensitive).
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() Header {
	if len(h.fields) == 0 {
		return Header{}
	}
	fields := make([]HeaderField, len(h.fields))
	copy(fields, h.fields)
	return Header{fields: fields}
}
