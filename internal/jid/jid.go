// Package jid provides thin, focus-domain helpers over mellium.im/xmpp/jid
// for addressing rooms, room-local endpoints, and bridges.
package jid

import (
	"fmt"

	"mellium.im/xmpp/jid"
)

// Room parses a bare room identity of the form local@domain.
func Room(s string) (jid.JID, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}, fmt.Errorf("parse room jid %q: %w", s, err)
	}
	return j.Bare(), nil
}

// Member builds the full address of a room-local nickname: room's bare JID
// with the nickname as resourcepart.
func Member(room jid.JID, nickname string) (jid.JID, error) {
	j, err := room.Bare().WithResource(nickname)
	if err != nil {
		return jid.JID{}, fmt.Errorf("build member jid for %q in %s: %w", nickname, room, err)
	}
	return j, nil
}

// Nickname returns the resourcepart of a full member address, i.e. the
// room-local nickname used as the endpoint identifier.
func Nickname(full jid.JID) string {
	return full.Resourcepart()
}

// Bridge parses a bridge's opaque address. Bridges are addressed the same
// way rooms are (bare JIDs); a distinct constructor documents the intent at
// call sites.
func Bridge(s string) (jid.JID, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}, fmt.Errorf("parse bridge jid %q: %w", s, err)
	}
	return j.Bare(), nil
}
