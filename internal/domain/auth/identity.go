package auth

// MaxIdentityLen bounds the length of a client identity.
const MaxIdentityLen = 253

// ClientIdentity names a caller in the registry.
type ClientIdentity string

// ParseIdentity checks that s is a usable identity: 1 to MaxIdentityLen bytes
// of printable ASCII without spaces. Malformed input is not an error for the
// caller, it simply names no client.
func ParseIdentity(s string) (ClientIdentity, bool) {
	if len(s) == 0 || len(s) > MaxIdentityLen {
		return "", false
	}
	for i := range len(s) {
		if s[i] <= 0x20 || s[i] > 0x7E {
			return "", false
		}
	}
	return ClientIdentity(s), true
}

func (id ClientIdentity) String() string {
	return string(id)
}
