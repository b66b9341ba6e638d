package core

import (
	"errors"
	"strings"
)

// Identity is a SIP-style identity: user@domain plus an optional display name.
type Identity struct {
	URI         string
	DisplayName string
}

func (i Identity) String() string {
	if i.DisplayName != "" {
		return i.DisplayName + " <" + i.URI + ">"
	}
	return i.URI
}

var ErrInvalidURI = errors.New("URI must contain exactly one @")

// SplitURI returns the user and domain parts of uri, rejecting anything
// that does not contain exactly one @.
func SplitURI(uri string) (user, domain string, err error) {
	parts := strings.Split(uri, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidURI
	}
	return parts[0], parts[1], nil
}
