package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a string representation of time in RFC3339 format,
// with helper methods for conversion to/from time.Time.
type Timestamp string

// Time parses the timestamp string into time.Time.
// Returns zero time if the string is empty or invalid.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// IsZero returns true if the timestamp is empty or represents zero time.
func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

// String returns the string representation.
func (t Timestamp) String() string {
	return string(t)
}

// NewTimestamp creates a Timestamp from time.Time.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.Format(time.RFC3339))
}

// TimestampNow returns the current time as a Timestamp.
func TimestampNow() Timestamp {
	return NewTimestamp(time.Now())
}

// ByteList marshals bytes as a JSON number array rather than base64,
// matching what the window side expects for binary frames.
type ByteList []byte

func (b ByteList) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteList) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Pointer helper functions for working with optional fields.

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value pointed to, or the zero value if nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// DerefOr returns the value pointed to, or the default if nil.
func DerefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
