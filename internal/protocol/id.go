package protocol

import (
	"fmt"
	"strconv"
)

// ParseID decodes a server event id. Ids are positive integers encoded as
// strings and strictly increase within a conversation.
func ParseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, &MalformedError{What: "event id", Err: err}
	}
	if n < 0 {
		return 0, &MalformedError{What: "event id", Err: fmt.Errorf("negative id %d", n)}
	}
	return n, nil
}

// FormatID encodes an event index in its wire form.
func FormatID(n int64) string {
	return strconv.FormatInt(n, 10)
}

// CompareIDs orders two event ids numerically ("9" < "10").
// Unparseable ids sort before every valid id.
func CompareIDs(a, b string) int {
	na, errA := ParseID(a)
	nb, errB := ParseID(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return 0
}
