package common

import "strings"

// Identity is an opaque participant or role holder identifier, typically a
// hex encoded address.
type Identity string

// ZeroIdentity is the null identity. It can never hold a role.
const ZeroIdentity Identity = ""

// IsZero reports whether id is empty or made only of zero digits, with or
// without a 0x prefix.
func (id Identity) IsZero() bool {
	s := strings.TrimSpace(string(id))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.Trim(s, "0") == ""
}

func (id Identity) String() string {
	return string(id)
}
