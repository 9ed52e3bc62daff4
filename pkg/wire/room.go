package wire

import (
	"errors"
	"fmt"
	"strings"
)

type RoomKind uint8

const (
	noRoom RoomKind = iota
	DirectRoom
	NamedRoom
)

const (
	directPrefix = "dm-"
	namedPrefix  = "grp-"
)

var ErrInvalidRoomID = errors.New("invalid room id")

// RoomID identifies a conversation. A direct room is keyed by the
// counterparty of the local user; a named room by its name. The text form
// is only used at the wire and REST boundary.
type RoomID struct {
	kind RoomKind
	key  string
}

func Direct(peer string) RoomID { return RoomID{kind: DirectRoom, key: peer} }

func Named(name string) RoomID { return RoomID{kind: NamedRoom, key: name} }

func ParseRoomID(s string) (RoomID, error) {
	switch {
	case strings.HasPrefix(s, directPrefix) && len(s) > len(directPrefix):
		return Direct(s[len(directPrefix):]), nil
	case strings.HasPrefix(s, namedPrefix) && len(s) > len(namedPrefix):
		return Named(s[len(namedPrefix):]), nil
	}
	return RoomID{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, s)
}

func (r RoomID) Kind() RoomKind { return r.kind }

func (r RoomID) IsZero() bool { return r.kind == noRoom }

// Peer returns the counterparty of a direct room.
func (r RoomID) Peer() (string, bool) {
	if r.kind != DirectRoom {
		return "", false
	}
	return r.key, true
}

func (r RoomID) Name() (string, bool) {
	if r.kind != NamedRoom {
		return "", false
	}
	return r.key, true
}

func (r RoomID) String() string {
	switch r.kind {
	case DirectRoom:
		return directPrefix + r.key
	case NamedRoom:
		return namedPrefix + r.key
	}
	return ""
}

func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RoomID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = RoomID{}
		return nil
	}
	id, err := ParseRoomID(string(b))
	if err != nil {
		return err
	}
	*r = id
	return nil
}
