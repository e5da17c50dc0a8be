package presence

import (
	"errors"

	"nearbydrop/internal/protocol"
)

var ErrEmptyPool = errors.New("icon pool is empty")

// Assign picks pool[draw] as the icon for a new connection. A username clash
// on the icon is resolved by appending the first three characters of id. Two
// ids sharing a prefix can still collide on the same icon; that is accepted.
func Assign(pool []string, existing []protocol.Peer, id string, draw int) (username string, icon string, err error) {
	if len(pool) == 0 {
		return "", "", ErrEmptyPool
	}
	if draw < 0 || draw >= len(pool) {
		draw = ((draw % len(pool)) + len(pool)) % len(pool)
	}
	icon = pool[draw]
	for _, p := range existing {
		if p.Icon == icon {
			return icon + "-" + idPrefix(id), icon, nil
		}
	}
	return icon, icon, nil
}

func idPrefix(id string) string {
	if len(id) <= 3 {
		return id
	}
	return id[:3]
}
