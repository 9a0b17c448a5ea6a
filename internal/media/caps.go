package media

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MediaTypeRawVideo is the media type of uncompressed video caps.
const MediaTypeRawVideo = "video/x-raw"

var (
	// ErrCapsSyntax is returned for malformed capability strings.
	ErrCapsSyntax = errors.New("malformed caps")
	// ErrCapsField is returned when a required field is missing or has the wrong type.
	ErrCapsField = errors.New("caps field missing or invalid")
)

// Caps is a parsed capability description: a media type plus typed fields.
type Caps struct {
	MediaType string
	fields    map[string]string
}

// NewCaps creates caps of the given media type without fields.
func NewCaps(mediaType string) *Caps {
	return &Caps{MediaType: mediaType, fields: map[string]string{}}
}

// ParseCaps parses a string such as "video/x-raw, format=NV12, width=(int)640".
func ParseCaps(s string) (*Caps, error) {
	parts := strings.Split(s, ",")
	mediaType := strings.TrimSpace(parts[0])
	if mediaType == "" || strings.Contains(mediaType, "=") {
		return nil, fmt.Errorf("%w: missing media type in %q", ErrCapsSyntax, s)
	}
	caps := NewCaps(mediaType)
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no value", ErrCapsSyntax, part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Drop a GStreamer-style type annotation such as "(int)".
		if strings.HasPrefix(value, "(") {
			end := strings.Index(value, ")")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated type in %q", ErrCapsSyntax, part)
			}
			value = strings.TrimSpace(value[end+1:])
		}
		if key == "" || value == "" {
			return nil, fmt.Errorf("%w: empty field in %q", ErrCapsSyntax, part)
		}
		caps.fields[key] = value
	}
	return caps, nil
}

// MustParseCaps is ParseCaps that panics on error. Intended for constants and tests.
func MustParseCaps(s string) *Caps {
	c, err := ParseCaps(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Set stores a field value.
func (c *Caps) Set(key string, value any) *Caps {
	if c.fields == nil {
		c.fields = map[string]string{}
	}
	c.fields[key] = fmt.Sprint(value)
	return c
}

// Get returns the raw field value.
func (c *Caps) Get(key string) (string, bool) {
	v, ok := c.fields[key]
	return v, ok
}

// Int returns the field parsed as an integer.
func (c *Caps) Int(key string) (int, error) {
	v, ok := c.fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCapsField, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrCapsField, key, v)
	}
	return n, nil
}

// Fraction returns the field parsed as "num/den".
func (c *Caps) Fraction(key string) (int, int, error) {
	v, ok := c.fields[key]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrCapsField, key)
	}
	ns, ds, found := strings.Cut(v, "/")
	if !found {
		ds = "1"
	}
	num, err := strconv.Atoi(strings.TrimSpace(ns))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrCapsField, key, v)
	}
	den, err := strconv.Atoi(strings.TrimSpace(ds))
	if err != nil || den == 0 {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrCapsField, key, v)
	}
	return num, den, nil
}

// Equal reports whether both caps describe the same media type and fields.
func (c *Caps) Equal(other *Caps) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.MediaType != other.MediaType || len(c.fields) != len(other.fields) {
		return false
	}
	for k, v := range c.fields {
		if other.fields[k] != v {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the caps.
func (c *Caps) Copy() *Caps {
	if c == nil {
		return nil
	}
	out := NewCaps(c.MediaType)
	for k, v := range c.fields {
		out.fields[k] = v
	}
	return out
}

// String renders the caps with fields in a stable order.
func (c *Caps) String() string {
	if c == nil {
		return ""
	}
	keys := make([]string, 0, len(c.fields))
	for k := range c.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(c.MediaType)
	for _, k := range keys {
		sb.WriteString(", ")
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(c.fields[k])
	}
	return sb.String()
}
