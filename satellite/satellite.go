/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package satellite

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/chp"
	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/protocol"
)

// Version is the implementation's reported get_version string; overridden
// at link time in release builds.
var Version = "dev"

// Satellite owns one process's full control surface: the FSM, the user
// command registry, the CSCP responder, the CHP beacon sender, a CHP
// receiver monitoring every other satellite's beacon for failure
// propagation, and the CHIRP discovery advertisement of its sockets, per
// spec §4.6.
type Satellite struct {
	canonicalName string
	group         string

	fsm       *FSM
	registry  *Registry
	resp      *Responder
	beacon    *chp.Sender
	heartbeat *chp.Receiver
	discover  *chirp.Manager
	metrics   *metrics.Registry
	peers     *peerWatch

	startedAt time.Time

	mu               sync.Mutex
	cfg              *config.Configuration
	runID            string
	statusMsg        string
	failedPeer       string
	failedPeerReason string
}

// Options configures a new Satellite.
type Options struct {
	Type          string
	Name          string
	Group         string
	Interface     string
	Hooks         Hooks
	CommandPort   int // 0 picks an ephemeral port
	HeartbeatPort int
}

// New constructs a Satellite with the given canonical name and hooks. It
// binds only the CHIRP discovery socket; the command, heartbeat and
// metrics sockets are bound by Start.
func New(opts Options) (*Satellite, error) {
	canonical := fmt.Sprintf("%s.%s", opts.Type, opts.Name)
	if !protocol.IsValidSatelliteNamePart(opts.Type) || !protocol.IsValidSatelliteNamePart(opts.Name) {
		return nil, fmt.Errorf("satellite: invalid type/name %q/%q", opts.Type, opts.Name)
	}

	s := &Satellite{
		canonicalName: canonical,
		group:         opts.Group,
		registry:      NewRegistry(),
		metrics:       metrics.New(canonical),
		peers:         newPeerWatch(),
		startedAt:     time.Now(),
		statusMsg:     "initializing",
	}
	s.fsm = NewFSM(opts.Hooks)
	s.fsm.Subscribe(s.onStateChange)

	discover, err := chirp.NewManager(opts.Group, canonical, opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("satellite: chirp manager: %w", err)
	}
	s.discover = discover

	s.resp = NewResponder(ResponderDeps{
		CanonicalName: canonical,
		Version:       Version,
		FSM:           s.fsm,
		Registry:      s.registry,
		GetConfig:     s.Configuration,
		GetStatus:     s.Status,
		GetRunID:      s.RunID,
		OnShutdown:    s.requestProcessExit,
	})
	s.beacon = chp.NewSender(canonical, s.fsm.State)
	s.beacon.OnBeat = s.metrics.BeaconsSent.Inc

	s.heartbeat = chp.NewReceiver(s.onPeerFailure)
	s.heartbeat.OnBeat = s.metrics.BeaconsRecv.Inc

	return s, nil
}

// Registry exposes the command registry for user-defined verbs to be
// registered on before Start.
func (s *Satellite) Registry() *Registry { return s.registry }

// FSM exposes the state machine, e.g. so a satellite implementation can
// call RequestInterrupt from an external monitor.
func (s *Satellite) FSM() *FSM { return s.fsm }

// CanonicalName returns "<type>.<name>".
func (s *Satellite) CanonicalName() string { return s.canonicalName }

// Start binds the command and heartbeat sockets, advertises them over
// CHIRP, and begins serving.
func (s *Satellite) Start() error {
	cmdAddr := "0.0.0.0:0"
	cmdPort, err := s.resp.Listen(cmdAddr)
	if err != nil {
		return fmt.Errorf("satellite: binding command socket: %w", err)
	}
	s.resp.Start()

	hbPort, err := s.beacon.Listen("0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("satellite: binding heartbeat socket: %w", err)
	}
	s.beacon.Start()

	monPort, err := s.metrics.Listen("0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("satellite: binding metrics socket: %w", err)
	}

	s.heartbeat.Start()
	s.discover.Subscribe(protocol.ServiceControl, s.onPeerControlEvent)

	s.discover.Start()
	if err := s.discover.RegisterService(protocol.ServiceControl, cmdPort); err != nil {
		return fmt.Errorf("satellite: advertising control service: %w", err)
	}
	if err := s.discover.RegisterService(protocol.ServiceHeartbeat, hbPort); err != nil {
		return fmt.Errorf("satellite: advertising heartbeat service: %w", err)
	}
	if err := s.discover.RegisterService(protocol.ServiceMonitoring, monPort); err != nil {
		return fmt.Errorf("satellite: advertising monitoring service: %w", err)
	}

	log.WithFields(log.Fields{
		"satellite": s.canonicalName,
		"control":   cmdPort,
		"heartbeat": hbPort,
		"metrics":   monPort,
	}).Info("satellite: listening")
	return nil
}

// Stop tears down every socket the satellite owns. It does not touch the
// FSM; callers typically issue a shutdown verb first.
func (s *Satellite) Stop() {
	_ = s.discover.Close()
	s.beacon.Close()
	s.heartbeat.Close()
	_ = s.resp.Close()
	_ = s.metrics.Close()
	s.fsm.Close()
}

func (s *Satellite) requestProcessExit() {
	log.WithField("satellite", s.canonicalName).Info("satellite: shutdown requested, exiting")
	s.Stop()
	os.Exit(0)
}

func (s *Satellite) onStateChange(previous, current protocol.State, reason string) {
	log.WithFields(log.Fields{
		"satellite": s.canonicalName,
		"from":      previous,
		"to":        current,
		"reason":    reason,
	}).Info("satellite: state transition")
	s.metrics.Transitions.WithLabelValues(current.String()).Inc()
}

// Configuration returns the most recently applied configuration, or nil
// before the first successful initialize.
func (s *Satellite) Configuration() *config.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfiguration records cfg as the active configuration; called by the
// satellite implementation's Initializing/Reconfiguring hook on success.
func (s *Satellite) SetConfiguration(cfg *config.Configuration) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// RunID returns the run identifier supplied to the most recent start
// verb, or "" if no run is active.
func (s *Satellite) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// SetRunID records the active run identifier; called by the Starting hook.
func (s *Satellite) SetRunID(id string) {
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}

// SubmitStatus overwrites the free-text status string returned by
// get_status, per spec §4.9.
func (s *Satellite) SubmitStatus(msg string) {
	s.mu.Lock()
	s.statusMsg = msg
	s.mu.Unlock()
}

// Status returns the current status string enriched with host resource
// figures sampled via gopsutil.
func (s *Satellite) Status() string {
	s.mu.Lock()
	msg := s.statusMsg
	failedPeer := s.failedPeer
	failedReason := s.failedPeerReason
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Round(time.Second)
	stats := fmt.Sprintf("%s (uptime %s%s)", msg, uptime, s.hostStatsSuffix())
	if failedPeer != "" {
		stats += fmt.Sprintf(", peer %s lost: %s", failedPeer, failedReason)
	}
	return stats
}

func (s *Satellite) hostStatsSuffix() string {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ""
	}

	var parts []string
	if cpuPct, err := proc.Percent(0); err == nil {
		parts = append(parts, fmt.Sprintf("cpu=%.1f%%", cpuPct))
	}
	if mi, err := proc.MemoryInfo(); err == nil {
		parts = append(parts, fmt.Sprintf("rss=%dMiB", mi.RSS/(1<<20)))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		parts = append(parts, fmt.Sprintf("host_mem=%.0f%%", vm.UsedPercent))
	}
	if len(parts) == 0 {
		return ""
	}

	suffix := ", "
	for i, p := range parts {
		if i > 0 {
			suffix += " "
		}
		suffix += p
	}
	return suffix
}
