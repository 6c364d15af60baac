package sync

import "strconv"

// Cursor is an opaque, provider-assigned marker into the mailbox's
// change history. Gmail emits history IDs, the Outlook adapter a unix
// timestamp; both render as decimal strings, which is what Compare
// assumes.
type Cursor string

// IsZero reports whether the cursor has never been set.
func (c Cursor) IsZero() bool { return c == "" }

func (c Cursor) String() string { return string(c) }

// Compare orders two cursors: -1 if c < other, 0 if equal, 1 if c >
// other. An unset cursor sorts before everything. Values that parse
// as uint64 compare numerically; otherwise length-then-lexicographic
// order is used, which matches numeric order for decimal strings of
// any size.
func (c Cursor) Compare(other Cursor) int {
	if c == other {
		return 0
	}
	if c.IsZero() {
		return -1
	}
	if other.IsZero() {
		return 1
	}
	a, errA := strconv.ParseUint(string(c), 10, 64)
	b, errB := strconv.ParseUint(string(other), 10, 64)
	if errA == nil && errB == nil {
		if a < b {
			return -1
		}
		return 1
	}
	if len(c) != len(other) {
		if len(c) < len(other) {
			return -1
		}
		return 1
	}
	if c < other {
		return -1
	}
	return 1
}

// Before reports whether c is strictly older than other.
func (c Cursor) Before(other Cursor) bool { return c.Compare(other) < 0 }

// Max returns the newer of the two cursors.
func (c Cursor) Max(other Cursor) Cursor {
	if c.Compare(other) >= 0 {
		return c
	}
	return other
}

// CursorFromUint64 renders a numeric history marker as a Cursor.
func CursorFromUint64(v uint64) Cursor {
	return Cursor(strconv.FormatUint(v, 10))
}
