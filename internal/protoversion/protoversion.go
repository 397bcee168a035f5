// Package protoversion implements the PROTOCOL frame control's reserved
// purpose: advertising and checking compatibility of the active MAC
// protocol's version across nodes on the same network.
package protoversion

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// Current is the protocol version this build advertises in PROTOCOL frames.
const Current = "1.0.0"

// Compatible reports whether a remote-advertised version is compatible with
// local, defined as sharing the same major version segment.
func Compatible(local, remote string) (bool, error) {
	lv, err := version.NewVersion(local)
	if err != nil {
		return false, fmt.Errorf("protoversion: parse local %q: %w", local, err)
	}
	rv, err := version.NewVersion(remote)
	if err != nil {
		return false, fmt.Errorf("protoversion: parse remote %q: %w", remote, err)
	}
	return lv.Segments()[0] == rv.Segments()[0], nil
}
