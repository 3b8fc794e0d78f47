/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/chp"
	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/metrics"
	"github.com/constellation-daq/constellation/protocol"
	"github.com/constellation-daq/constellation/satellite"
)

// fakeSatellite stands up a real Responder on loopback so addPeer can
// prime it the way it would a genuine satellite process, without
// binding CHIRP multicast sockets.
func fakeSatellite(t *testing.T, canonicalName, version string) (addr string, closeFn func()) {
	t.Helper()
	resp := satellite.NewResponder(satellite.ResponderDeps{
		CanonicalName: canonicalName,
		Version:       version,
		FSM:           satellite.NewFSM(satellite.Hooks{}),
		Registry:      satellite.NewRegistry(),
		GetConfig:     func() *config.Configuration { return nil },
		GetStatus:     func() string { return "idle" },
		GetRunID:      func() string { return "" },
	})
	port, err := resp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), func() { _ = resp.Close() }
}

func newTestController(t *testing.T, ctrl *gomock.Controller) (*Controller, *mockDiscoverer) {
	t.Helper()
	mock := newMockDiscoverer(ctrl)
	c := &Controller{
		group:    "test",
		discover: mock,
		peers:    make(map[string]*Peer),
		metrics:  metrics.New("controller.test"),
	}
	c.heartbeat = chp.NewReceiver(c.onPeerFailure)
	return c, mock
}

func TestAddPeerPrimesStateCommandsAndVersion(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := newTestController(t, ctrl)
	defer c.heartbeat.Close()

	addr, closeFn := fakeSatellite(t, "Sensor.one", "1.2.3")
	defer closeFn()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	mock.EXPECT().Discovered(protocol.ServiceHeartbeat).Return(nil).AnyTimes()

	c.addPeer(chirp.Record{
		HostHash: hashOf("Sensor.one"),
		Address:  net.ParseIP(host),
		Port:     uint16(port),
		Kind:     protocol.ServiceControl,
	})

	p, ok := c.Peer("Sensor.one")
	require.True(t, ok)
	require.Equal(t, "1.2.3", p.Version)
	require.Equal(t, protocol.StateNEW, p.State())
}

func TestRemovePeerByHostForgetsPeer(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mock := newTestController(t, ctrl)
	defer c.heartbeat.Close()

	addr, closeFn := fakeSatellite(t, "Sensor.two", "0.1.0")
	defer closeFn()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	mock.EXPECT().Discovered(protocol.ServiceHeartbeat).Return(nil).AnyTimes()

	rec := chirp.Record{HostHash: hashOf("Sensor.two"), Address: net.ParseIP(host), Port: uint16(port)}
	c.addPeer(rec)

	_, ok := c.Peer("Sensor.two")
	require.True(t, ok)

	c.removePeerByHost(rec.HostHash)

	_, ok = c.Peer("Sensor.two")
	require.False(t, ok)
}

func TestWarnOnVersionMismatchDoesNotPanicOnMalformedVersion(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _ := newTestController(t, ctrl)
	defer c.heartbeat.Close()

	c.peers["Sensor.bad"] = &Peer{CanonicalName: "Sensor.bad", Version: "not-a-version"}
	p := &Peer{CanonicalName: "Sensor.new", Version: "1.0.0"}

	require.NotPanics(t, func() { c.warnOnVersionMismatch(p) })
}
