/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package metrics wraps a Prometheus registry exposing per-process
// counters: transitions, beacons sent/received and peers lost, served
// over a bare HTTP /metrics endpoint advertised as the MONITORING CHIRP
// service.
package metrics

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Registry wraps an isolated prometheus.Registry so a process's metrics
// never leak into the default global registry.
type Registry struct {
	reg *prometheus.Registry

	Transitions  *prometheus.CounterVec
	BeaconsSent  prometheus.Counter
	BeaconsRecv  prometheus.Counter
	PeersLost    *prometheus.CounterVec
	PeersKnown   prometheus.Gauge

	server *http.Server
}

// New constructs a Registry with every counter pre-registered.
func New(canonicalName string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "fsm_transitions_total",
			Help:      "Number of FSM transitions processed, by transition name.",
			ConstLabels: prometheus.Labels{"satellite": canonicalName},
		}, []string{"transition"}),
		BeaconsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "constellation",
			Name:        "chp_beacons_sent_total",
			Help:        "Number of heartbeat beacons emitted.",
			ConstLabels: prometheus.Labels{"satellite": canonicalName},
		}),
		BeaconsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "constellation",
			Name:        "chp_beacons_received_total",
			Help:        "Number of heartbeat beacons received from peers.",
			ConstLabels: prometheus.Labels{"satellite": canonicalName},
		}),
		PeersLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "constellation",
			Name:        "chp_peers_lost_total",
			Help:        "Number of peers declared lost, by reason.",
			ConstLabels: prometheus.Labels{"satellite": canonicalName},
		}, []string{"reason"}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "constellation",
			Name:        "chirp_peers_known",
			Help:        "Number of peers currently tracked via discovery.",
			ConstLabels: prometheus.Labels{"satellite": canonicalName},
		}),
	}

	reg.MustRegister(r.Transitions, r.BeaconsSent, r.BeaconsRecv, r.PeersLost, r.PeersKnown)
	return r
}

// Listen binds an HTTP server serving /metrics on addr, starts serving it
// on a background goroutine, and returns the bound port.
func (r *Registry) Listen(addr string) (uint16, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("metrics: binding listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.server = &http.Server{Handler: mux}

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics: server stopped unexpectedly")
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Close shuts down the metrics HTTP server, if started.
func (r *Registry) Close() error {
	if r.server == nil {
		return nil
	}
	return r.server.Close()
}
