// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire centralizes the on-the-wire encoding for the discovery/
// election UDP protocol and the control-channel TCP envelope, per the
// redesign note calling for a tagged-variant encoding that stays
// colon-delimited for compatibility.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which of the four UDP message shapes a datagram carries.
type Kind string

const (
	KindDiscover        Kind = "DISCOVER"
	KindElectionInit     Kind = "ELECTION_INIT"
	KindLCRToken         Kind = "LCR_TOKEN"
	KindPopStaleLeader   Kind = "POP_STALE_LEADER"
)

// ErrMalformed is returned when a datagram cannot be parsed as any known kind.
var ErrMalformed = errors.New("wire: malformed datagram")

// Message is the tagged-variant union of the four UDP message kinds.
// Exactly one of the Discover/ElectionInit/LCRToken/PopStaleLeader fields
// is populated, selected by Kind.
type Message struct {
	Kind Kind

	Discover      *DiscoverMsg
	ElectionInit  *ElectionInitMsg
	LCRToken      *LCRTokenMsg
	PopStaleLeader *PopStaleLeaderMsg
}

// DiscoverMsg is a periodic beacon advertising a node's identity, score and role.
type DiscoverMsg struct {
	Name  string
	IP    string
	Score int
	Role  string
}

// ElectionInitMsg starts a new election round.
type ElectionInitMsg struct {
	IP   string
	Name string
}

// LCRTokenMsg is a ring token carrying a composite UID and leader flag.
type LCRTokenMsg struct {
	Score    int
	IP       string
	IsLeader bool
}

// PopStaleLeaderMsg instructs every receiver to synchronously drop a leader.
type PopStaleLeaderMsg struct {
	IP string
}

// Encode renders m to its colon-delimited wire form.
func Encode(m Message) (string, error) {
	switch m.Kind {
	case KindDiscover:
		d := m.Discover
		if d == nil {
			return "", fmt.Errorf("wire: encode %s: %w", m.Kind, ErrMalformed)
		}
		return fmt.Sprintf("DISCOVER:%s:%s:%d:%s", d.Name, d.IP, d.Score, d.Role), nil
	case KindElectionInit:
		e := m.ElectionInit
		if e == nil {
			return "", fmt.Errorf("wire: encode %s: %w", m.Kind, ErrMalformed)
		}
		return fmt.Sprintf("ELECTION_INIT:%s:%s", e.IP, e.Name), nil
	case KindLCRToken:
		t := m.LCRToken
		if t == nil {
			return "", fmt.Errorf("wire: encode %s: %w", m.Kind, ErrMalformed)
		}
		return fmt.Sprintf("LCR_TOKEN:%d:%s:%s", t.Score, t.IP, boolWord(t.IsLeader)), nil
	case KindPopStaleLeader:
		p := m.PopStaleLeader
		if p == nil {
			return "", fmt.Errorf("wire: encode %s: %w", m.Kind, ErrMalformed)
		}
		return fmt.Sprintf("POP_STALE_LEADER:%s", p.IP), nil
	default:
		return "", fmt.Errorf("wire: encode: unknown kind %q: %w", m.Kind, ErrMalformed)
	}
}

// Parse decodes a raw datagram payload into a Message.
func Parse(raw string) (Message, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) == 0 {
		return Message{}, ErrMalformed
	}
	switch Kind(parts[0]) {
	case KindDiscover:
		if len(parts) != 5 {
			return Message{}, fmt.Errorf("wire: parse DISCOVER: %w", ErrMalformed)
		}
		score, err := strconv.Atoi(parts[3])
		if err != nil {
			return Message{}, fmt.Errorf("wire: parse DISCOVER score: %w", ErrMalformed)
		}
		return Message{Kind: KindDiscover, Discover: &DiscoverMsg{
			Name: parts[1], IP: parts[2], Score: score, Role: parts[4],
		}}, nil
	case KindElectionInit:
		if len(parts) != 3 {
			return Message{}, fmt.Errorf("wire: parse ELECTION_INIT: %w", ErrMalformed)
		}
		return Message{Kind: KindElectionInit, ElectionInit: &ElectionInitMsg{
			IP: parts[1], Name: parts[2],
		}}, nil
	case KindLCRToken:
		if len(parts) != 4 {
			return Message{}, fmt.Errorf("wire: parse LCR_TOKEN: %w", ErrMalformed)
		}
		score, err := strconv.Atoi(parts[1])
		if err != nil {
			return Message{}, fmt.Errorf("wire: parse LCR_TOKEN score: %w", ErrMalformed)
		}
		isLeader, err := parseBoolWord(parts[3])
		if err != nil {
			return Message{}, fmt.Errorf("wire: parse LCR_TOKEN flag: %w", ErrMalformed)
		}
		return Message{Kind: KindLCRToken, LCRToken: &LCRTokenMsg{
			Score: score, IP: parts[2], IsLeader: isLeader,
		}}, nil
	case KindPopStaleLeader:
		if len(parts) != 2 {
			return Message{}, fmt.Errorf("wire: parse POP_STALE_LEADER: %w", ErrMalformed)
		}
		return Message{Kind: KindPopStaleLeader, PopStaleLeader: &PopStaleLeaderMsg{
			IP: parts[1],
		}}, nil
	default:
		return Message{}, fmt.Errorf("wire: parse: unknown kind %q: %w", parts[0], ErrMalformed)
	}
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBoolWord(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, ErrMalformed
	}
}
