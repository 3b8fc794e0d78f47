/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	version "github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/chp"
	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/protocol"
)

// AggregateFunc is invoked whenever the aggregate lowest-state or
// global-state changes, per spec §4.7's reached_state/leaving_state
// callbacks. isGlobal is true when every peer shares state.
type AggregateFunc func(state protocol.State, isGlobal bool)

// discoverer is the subset of *chirp.Manager the controller depends on;
// narrowing it to an interface lets tests substitute a mock instead of
// binding the real discovery socket.
type discoverer interface {
	Start()
	Close() error
	Subscribe(kind protocol.ServiceKind, cb chirp.Callback)
	RegisterService(kind protocol.ServiceKind, port uint16) error
	Discovered(kind protocol.ServiceKind) []chirp.Record
}

// Controller discovers satellites in one group, maintains a command
// connection and heartbeat subscription to each, and aggregates their
// reported states.
type Controller struct {
	group     string
	discover  discoverer
	heartbeat *chp.Receiver
	metrics   *metrics.Registry

	mu    sync.RWMutex
	peers map[string]*Peer

	onReachedState AggregateFunc
	onLeavingState AggregateFunc

	lowest protocol.State
	global protocol.State
	isGlobal bool
}

// Options configures a new Controller.
type Options struct {
	Group          string
	Interface      string
	OnReachedState AggregateFunc
	OnLeavingState AggregateFunc
}

// New constructs a Controller for the given group; discovery and
// heartbeat subscriptions begin when Start is called.
func New(opts Options) (*Controller, error) {
	discover, err := chirp.NewManager(opts.Group, "controller."+opts.Group, opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("controller: chirp manager: %w", err)
	}
	c := &Controller{
		group:          opts.Group,
		discover:       discover,
		peers:          make(map[string]*Peer),
		onReachedState: opts.OnReachedState,
		onLeavingState: opts.OnLeavingState,
		metrics:        metrics.New("controller." + opts.Group),
	}
	c.heartbeat = chp.NewReceiver(c.onPeerFailure)
	c.heartbeat.OnBeat = c.metrics.BeaconsRecv.Inc
	return c, nil
}

// Start begins discovery and the heartbeat watchdog, and binds the
// controller's own /metrics endpoint.
func (c *Controller) Start() error {
	c.heartbeat.Start()
	c.discover.Subscribe(protocol.ServiceControl, c.onControlEvent)
	c.discover.Start()

	if _, err := c.metrics.Listen("0.0.0.0:0"); err != nil {
		return fmt.Errorf("controller: binding metrics socket: %w", err)
	}
	return nil
}

// Close tears down every peer connection and the discovery/heartbeat
// subsystems.
func (c *Controller) Close() {
	_ = c.discover.Close()
	c.heartbeat.Close()
	_ = c.metrics.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.peers {
		_ = p.close()
		delete(c.peers, name)
	}
}

// Peers returns a snapshot of currently known peers.
func (c *Controller) Peers() []*Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Peer returns the peer named canonicalName, if known.
func (c *Controller) Peer(canonicalName string) (*Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[canonicalName]
	return p, ok
}

func (c *Controller) onControlEvent(ev chirp.Event) {
	switch ev.Kind {
	case chirp.EventDiscovered:
		c.addPeer(ev.Record)
	case chirp.EventDeparted:
		c.removePeerByHost(ev.Record.HostHash)
	}
}

func (c *Controller) addPeer(rec chirp.Record) {
	commandAddr := net.JoinHostPort(rec.Address.String(), fmt.Sprintf("%d", rec.Port))

	probe, err := dialPeer("", commandAddr, "")
	if err != nil {
		log.WithError(err).WithField("addr", commandAddr).Warn("controller: failed to dial discovered control socket")
		return
	}

	nameVal, verb, err := probe.requestValue("get_name")
	if err != nil || verb != message.VerbSuccess {
		log.WithError(err).Warn("controller: get_name failed during peer priming")
		_ = probe.close()
		return
	}
	name, err := nameVal.AsString()
	if err != nil {
		_ = probe.close()
		return
	}

	c.mu.Lock()
	if _, exists := c.peers[name]; exists {
		c.mu.Unlock()
		log.WithField("satellite", name).Warn("controller: duplicate canonical name, ignoring")
		_ = probe.close()
		return
	}
	probe.CanonicalName = name
	c.peers[name] = probe
	c.mu.Unlock()

	c.primePeer(probe)

	hbRecords := c.discover.Discovered(protocol.ServiceHeartbeat)
	for _, hb := range hbRecords {
		if hb.HostHash == rec.HostHash {
			hbAddr := net.JoinHostPort(hb.Address.String(), fmt.Sprintf("%d", hb.Port))
			probe.HeartbeatAddr = hbAddr
			if err := c.heartbeat.Subscribe(name, hbAddr); err != nil {
				log.WithError(err).WithField("satellite", name).Warn("controller: failed to subscribe to heartbeat")
			}
			break
		}
	}

	c.metrics.PeersKnown.Set(float64(len(c.Peers())))
	c.recomputeAggregate()
}

func (c *Controller) primePeer(p *Peer) {
	if versionVal, verb, err := p.requestValue("get_version"); err == nil && verb == message.VerbSuccess {
		if s, serr := versionVal.AsString(); serr == nil {
			p.Version = s
			c.warnOnVersionMismatch(p)
		}
	}
	if stateVal, verb, err := p.requestValue("get_state"); err == nil && verb == message.VerbSuccess {
		if s, serr := stateVal.AsString(); serr == nil {
			if parsed, ok := protocol.ParseState(s); ok {
				p.setState(parsed)
			}
		}
	}
	if cmdVal, verb, err := p.requestValue("get_commands"); err == nil && verb == message.VerbSuccess {
		if d, derr := cmdVal.AsDict(); derr == nil {
			listing := make(map[string]string)
			for _, key := range d.Keys() {
				if v, ok := d.Get(key); ok {
					if s, serr := v.AsString(); serr == nil {
						listing[key] = s
					}
				}
			}
			p.setCommands(listing)
		}
	}
}

// warnOnVersionMismatch logs a WARNING (not a hard failure; no
// cross-version enforcement is specified) when p's reported build
// version differs from an already-known peer's in the same group.
func (c *Controller) warnOnVersionMismatch(p *Peer) {
	want, err := version.NewVersion(p.Version)
	if err != nil {
		return
	}
	for _, other := range c.Peers() {
		if other.CanonicalName == p.CanonicalName || other.Version == "" {
			continue
		}
		have, err := version.NewVersion(other.Version)
		if err != nil {
			continue
		}
		if !want.Equal(have) {
			log.WithFields(log.Fields{
				"satellite": p.CanonicalName, "version": p.Version,
				"peer": other.CanonicalName, "peer_version": other.Version,
			}).Warn("controller: satellite version differs from an already-known peer")
		}
	}
}

func (c *Controller) removePeerByHost(hostHash protocol.MD5Hash) {
	c.mu.Lock()
	var found *Peer
	var name string
	for n, p := range c.peers {
		if hostHash == hashOf(n) {
			found, name = p, n
			break
		}
	}
	if found != nil {
		delete(c.peers, name)
	}
	c.mu.Unlock()

	if found == nil {
		return
	}
	// Per design note (c): close the command socket strictly before the
	// peer-lost callback fires.
	_ = found.close()
	c.heartbeat.Unsubscribe(name)
	c.metrics.PeersLost.WithLabelValues("departed").Inc()
	c.metrics.PeersKnown.Set(float64(len(c.Peers())))
	c.recomputeAggregate()
}

func hashOf(canonicalName string) protocol.MD5Hash {
	return protocol.HashHost(canonicalName)
}

func (c *Controller) onPeerFailure(canonicalName, reason string) {
	log.WithFields(log.Fields{"satellite": canonicalName, "reason": reason}).Warn("controller: peer heartbeat lost")

	c.mu.Lock()
	p, ok := c.peers[canonicalName]
	if ok {
		delete(c.peers, canonicalName)
	}
	c.mu.Unlock()
	if ok {
		_ = p.close()
	}
	c.metrics.PeersLost.WithLabelValues(reason).Inc()
	c.metrics.PeersKnown.Set(float64(len(c.Peers())))
	c.recomputeAggregate()
}

// SendCommand issues verb with payload to every known peer and returns
// each peer's reply keyed by canonical name, per spec §4.7's
// send_commands.
func (c *Controller) SendCommand(verb string, payload []byte) map[string]message.CSCPMessage {
	peers := c.Peers()
	out := make(map[string]message.CSCPMessage, len(peers))
	var mu sync.Mutex
	var eg errgroup.Group
	for _, p := range peers {
		p := p
		eg.Go(func() error {
			reply, err := p.request(verb, payload)
			if err != nil {
				reply = message.CSCPMessage{Verb: message.VerbError, VerbName: err.Error()}
			}
			mu.Lock()
			out[p.CanonicalName] = reply
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// SendPerPeerCommand issues verb with a distinct payload per peer, taken
// from payloads keyed by canonical name; peers absent from the map are
// skipped.
func (c *Controller) SendPerPeerCommand(verb string, payloads map[string][]byte) map[string]message.CSCPMessage {
	out := make(map[string]message.CSCPMessage, len(payloads))
	var mu sync.Mutex
	var eg errgroup.Group
	for name, payload := range payloads {
		p, ok := c.Peer(name)
		if !ok {
			continue
		}
		name, p, payload := name, p, payload
		eg.Go(func() error {
			reply, err := p.request(verb, payload)
			if err != nil {
				reply = message.CSCPMessage{Verb: message.VerbError, VerbName: err.Error()}
			}
			mu.Lock()
			out[name] = reply
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// Initialize sends the initialize transition to every peer named in cfgs,
// each with its own configuration dictionary.
func (c *Controller) Initialize(cfgs map[string]*config.Dictionary) (map[string]message.CSCPMessage, error) {
	payloads := make(map[string][]byte, len(cfgs))
	for name, d := range cfgs {
		encoded, err := encodeDict(d)
		if err != nil {
			return nil, fmt.Errorf("encoding configuration for %s: %w", name, err)
		}
		payloads[name] = encoded
	}
	return c.SendPerPeerCommand("initialize", payloads), nil
}

// Start issues the start transition with runID to every known peer.
func (c *Controller) Start(runID string) (map[string]message.CSCPMessage, error) {
	payload, err := encodeValue(config.String(runID))
	if err != nil {
		return nil, err
	}
	return c.SendCommand("start", payload), nil
}

// Launch, Land, Stop issue the corresponding parameterless transition to
// every known peer.
func (c *Controller) Launch() map[string]message.CSCPMessage { return c.SendCommand("launch", nil) }
func (c *Controller) Land() map[string]message.CSCPMessage   { return c.SendCommand("land", nil) }
func (c *Controller) Stop() map[string]message.CSCPMessage   { return c.SendCommand("stop", nil) }

// Shutdown issues the shutdown verb to every known peer.
func (c *Controller) Shutdown() map[string]message.CSCPMessage {
	return c.SendCommand("shutdown", nil)
}
