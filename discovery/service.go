// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery implements the UDP beacon sender/listener of
// spec.md §4.2: it owns the UDP socket, maintains the Membership
// Table, and dispatches election-relevant datagrams to an
// election.Engine. Grounded on
// original_source/backend/services/discovery_service.py's
// broadcast_loop/listen_loop, and the deleted teacher
// networking/zmq4/transport.go's "owned socket + RegisterHandler"
// wrapping idiom, adapted from a ZMQ pub/sub transport to raw UDP.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

// Receiver is the subset of election.Engine that discovery dispatches
// election datagrams to. Defined here (not imported from election) so
// a fake is trivial to construct in tests.
type Receiver interface {
	HandleElectionInit(wire.ElectionInitMsg)
	HandleLCRToken(ctx context.Context, token wire.LCRTokenMsg)
	HandlePopStaleLeader(wire.PopStaleLeaderMsg)
}

const maxDatagramSize = 2048

// Service owns the discovery UDP socket: it beacons this node's
// identity/score/role on an interval, listens for peer beacons and
// election datagrams, and keeps the Membership Table up to date.
type Service struct {
	port   int
	table  *membership.Table
	logger log.Logger

	conn     *net.UDPConn
	receiver Receiver

	electionActive func() bool
	currentRole    func() string
	currentScore   func(ctx context.Context) (int, error)

	beaconInterval time.Duration
}

// New constructs a Service. electionActive, currentRole, and
// currentScore let discovery read the live election/resource state
// without importing the election or resource packages.
func New(port int, table *membership.Table, beaconInterval time.Duration,
	electionActive func() bool, currentRole func() string, currentScore func(context.Context) (int, error),
	logger log.Logger) *Service {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Service{
		port:           port,
		table:          table,
		logger:         logger,
		electionActive: electionActive,
		currentRole:    currentRole,
		currentScore:   currentScore,
		beaconInterval: beaconInterval,
	}
}

// SetReceiver wires the election engine that election datagrams are
// dispatched to. Must be called before Run.
func (s *Service) SetReceiver(r Receiver) {
	s.receiver = r
}

// Start opens the UDP socket. Call Run afterwards to begin the beacon
// and listen loops.
func (s *Service) Start() error {
	addr := &net.UDPAddr{Port: s.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen udp :%d: %w", s.port, err)
	}
	s.conn = conn
	return nil
}

// Stop closes the UDP socket.
func (s *Service) Stop() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Run starts the beacon and listen loops; blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	go s.beaconLoop(ctx)
	s.listenLoop(ctx)
}

func (s *Service) beaconLoop(ctx context.Context) {
	ticker := time.NewTicker(s.beaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendBeacon(ctx)
		}
	}
}

func (s *Service) sendBeacon(ctx context.Context) {
	self := s.table.Self()
	score, err := s.currentScore(ctx)
	if err != nil {
		s.logger.Warn("failed to read score for beacon", "error", err)
		return
	}
	role := s.currentRole()
	s.table.Upsert(self.Name, self.IP, score, membership.Role(role), s.electionActive())

	raw, err := wire.Encode(wire.Message{Kind: wire.KindDiscover, Discover: &wire.DiscoverMsg{
		Name: self.Name, IP: self.IP, Score: score, Role: role,
	}})
	if err != nil {
		s.logger.Warn("failed to encode beacon", "error", err)
		return
	}

	for _, addr := range broadcastAddresses(s.port) {
		if _, err := s.conn.WriteToUDP([]byte(raw), addr); err != nil {
			s.logger.Debug("beacon send failed", "addr", addr, "error", err)
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Debug("udp read failed", "error", err)
				continue
			}
		}
		s.handleDatagram(ctx, string(buf[:n]))
	}
}

func (s *Service) handleDatagram(ctx context.Context, raw string) {
	msg, err := wire.Parse(raw)
	if err != nil {
		s.logger.Debug("dropping malformed datagram", "error", err)
		return
	}

	switch msg.Kind {
	case wire.KindDiscover:
		d := msg.Discover
		if d.IP == s.table.Self().IP {
			return
		}
		s.table.Upsert(d.Name, d.IP, d.Score, membership.Role(d.Role), s.electionActive())
	case wire.KindElectionInit:
		if s.receiver != nil {
			s.receiver.HandleElectionInit(*msg.ElectionInit)
		}
	case wire.KindLCRToken:
		if s.receiver != nil {
			s.receiver.HandleLCRToken(ctx, *msg.LCRToken)
		}
	case wire.KindPopStaleLeader:
		if s.receiver != nil {
			s.receiver.HandlePopStaleLeader(*msg.PopStaleLeader)
		}
	}
}

// SendToken unicasts an LCR token to ip's discovery port. Implements election.Sender.
func (s *Service) SendToken(ip string, token wire.LCRTokenMsg) error {
	raw, err := wire.Encode(wire.Message{Kind: wire.KindLCRToken, LCRToken: &token})
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: s.port}
	_, err = s.conn.WriteToUDP([]byte(raw), addr)
	return err
}

// BroadcastElectionInit implements election.Sender.
func (s *Service) BroadcastElectionInit(init wire.ElectionInitMsg) error {
	raw, err := wire.Encode(wire.Message{Kind: wire.KindElectionInit, ElectionInit: &init})
	if err != nil {
		return err
	}
	return s.broadcastRaw(raw)
}

// BroadcastPopStaleLeader implements election.Sender and failuremonitor.Sender.
func (s *Service) BroadcastPopStaleLeader(ip string) error {
	raw, err := wire.Encode(wire.Message{Kind: wire.KindPopStaleLeader, PopStaleLeader: &wire.PopStaleLeaderMsg{IP: ip}})
	if err != nil {
		return err
	}
	return s.broadcastRaw(raw)
}

func (s *Service) broadcastRaw(raw string) error {
	var lastErr error
	for _, addr := range broadcastAddresses(s.port) {
		if _, err := s.conn.WriteToUDP([]byte(raw), addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// broadcastAddresses enumerates every IPv4 broadcast address reachable
// from this host, excluding the global 255.255.255.255 and loopback
// (spec.md §4.2).
func broadcastAddresses(port int) []*net.UDPAddr {
	var out []*net.UDPAddr
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := broadcastFor(ip4, ipNet.Mask)
			if bcast.Equal(net.IPv4bcast) {
				continue
			}
			out = append(out, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return out
}

func broadcastFor(ip net.IP, mask net.IPMask) net.IP {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
