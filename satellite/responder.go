/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package satellite

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// Responder implements the CSCP command socket described in spec §4.3:
// one connection at a time per client, strictly FIFO request/reply.
type Responder struct {
	canonicalName string
	version       string
	fsm           *FSM
	registry      *Registry

	getConfig func() *config.Configuration
	getStatus func() string
	getRunID  func() string

	onShutdown func()

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// ResponderDeps bundles the runtime accessors a Responder consults for
// the standard verbs; every field except OnShutdown is required.
type ResponderDeps struct {
	CanonicalName string
	Version       string
	FSM           *FSM
	Registry      *Registry
	GetConfig     func() *config.Configuration
	GetStatus     func() string
	GetRunID      func() string
	// OnShutdown is invoked after a successful shutdown verb reply has
	// been flushed to the client, so the caller can tear down the
	// satellite process.
	OnShutdown func()
}

// NewResponder constructs a Responder from deps.
func NewResponder(deps ResponderDeps) *Responder {
	return &Responder{
		canonicalName: deps.CanonicalName,
		version:       deps.Version,
		fsm:           deps.FSM,
		registry:      deps.Registry,
		getConfig:     deps.GetConfig,
		getStatus:     deps.GetStatus,
		getRunID:      deps.GetRunID,
		onShutdown:    deps.OnShutdown,
		stopCh:        make(chan struct{}),
	}
}

// Listen binds the command socket on addr and returns the bound port.
func (r *Responder) Listen(addr string) (uint16, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	r.listener = ln
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Start accepts connections and serves each on its own goroutine.
func (r *Responder) Start() {
	r.wg.Add(1)
	go r.acceptLoop()
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (r *Responder) Close() error {
	close(r.stopCh)
	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Responder) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				log.WithError(err).Trace("satellite: command socket accept error")
				return
			}
		}
		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *Responder) serve(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		req, err := message.ReadCSCP(reader)
		if err != nil {
			return
		}

		reply := r.handle(req)

		w := bufio.NewWriter(conn)
		if err := message.WriteCSCP(w, reply); err != nil || w.Flush() != nil {
			return
		}

		if reply.Verb == message.VerbSuccess && strings.EqualFold(reply.VerbName, "shutdown") {
			if r.onShutdown != nil {
				r.onShutdown()
			}
			return
		}
	}
}

// handle dispatches one CSCP request to a reply, per spec §4.3.
func (r *Responder) handle(req message.CSCPMessage) message.CSCPMessage {
	reply := message.CSCPMessage{
		Header: message.CSCPHeader{Sender: r.canonicalName, Time: time.Now().UTC()},
	}

	if req.Verb != message.VerbRequest {
		reply.Verb = message.VerbError
		reply.VerbName = "Can only handle CSCP messages with REQUEST type"
		return reply
	}

	verb := strings.ToLower(req.VerbName)
	reply.VerbName = verb

	switch verb {
	case "get_name":
		return r.respondValue(reply, config.String(r.canonicalName))
	case "get_version":
		return r.respondValue(reply, config.String(r.version))
	case "get_commands":
		return r.respondCommands(reply)
	case "get_state":
		return r.respondValue(reply, config.Enum(r.fsm.State()))
	case "get_status":
		return r.respondValue(reply, config.String(r.getStatus()))
	case "get_config":
		return r.respondConfig(reply)
	case "get_run_id":
		return r.respondValue(reply, config.String(r.getRunID()))
	case "shutdown":
		return r.handleShutdown(reply)
	}

	if t, ok := protocol.ParseTransition(verb); ok && t.IsCommand() {
		return r.handleTransition(reply, t, req.Payload)
	}

	if _, known := r.registry.commands[verb]; known {
		return r.handleUserCommand(reply, verb, req.Payload)
	}

	reply.Verb = message.VerbUnknown
	return reply
}

func (r *Responder) respondValue(reply message.CSCPMessage, v config.Value) message.CSCPMessage {
	payload, err := encodeValue(v)
	if err != nil {
		reply.Verb = message.VerbError
		return reply
	}
	reply.Verb = message.VerbSuccess
	reply.Payload = payload
	return reply
}

func (r *Responder) respondCommands(reply message.CSCPMessage) message.CSCPMessage {
	d := config.NewDictionary()
	for name, desc := range r.registry.Listing() {
		d.Set(name, config.String(desc))
	}
	return r.respondValue(reply, config.Dict(d))
}

// respondConfig returns the merged effective configuration split into its
// USER and INTERNAL views, per spec §4.6: keys beginning with "_" are
// internal.
func (r *Responder) respondConfig(reply message.CSCPMessage) message.CSCPMessage {
	out := config.NewDictionary()
	user := config.NewDictionary()
	internal := config.NewDictionary()

	cfg := r.getConfig()
	if cfg != nil {
		dict := cfg.Dictionary()
		for _, k := range dict.Keys() {
			v, _ := dict.Get(k)
			if strings.HasPrefix(k, "_") {
				internal.Set(k, v)
			} else {
				user.Set(k, v)
			}
		}
	}

	out.Set("USER", config.Dict(user))
	out.Set("INTERNAL", config.Dict(internal))
	return r.respondValue(reply, config.Dict(out))
}

func (r *Responder) handleShutdown(reply message.CSCPMessage) message.CSCPMessage {
	if !protocol.IsShutdownAllowed(r.fsm.State()) {
		reply.Verb = message.VerbInvalid
		reply.VerbName = "shutdown not allowed in current state"
		return reply
	}
	reply.Verb = message.VerbSuccess
	reply.VerbName = "shutdown"
	return reply
}

func (r *Responder) handleTransition(reply message.CSCPMessage, t protocol.Transition, payload []byte) message.CSCPMessage {
	if !r.fsm.Allowed(t) {
		reply.Verb = message.VerbInvalid
		reply.VerbName = fmt.Sprintf("transition %s not allowed in current state", t)
		return reply
	}

	if t == protocol.TransitionReconfigure && !r.fsm.SupportsReconfigure() {
		reply.Verb = message.VerbNotImplemented
		return reply
	}

	var arg any
	switch t {
	case protocol.TransitionInitialize, protocol.TransitionReconfigure:
		if len(payload) == 0 {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = "expected a configuration dictionary payload"
			return reply
		}
		d, err := decodeDictionary(payload)
		if err != nil {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = err.Error()
			return reply
		}
		arg = config.New(d)
	case protocol.TransitionStart:
		if len(payload) == 0 {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = "expected a run identifier payload"
			return reply
		}
		v, err := decodeValue(payload)
		if err != nil {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = err.Error()
			return reply
		}
		runID, err := v.AsString()
		if err != nil || !protocol.IsValidRunID(runID) {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = "run identifier is not a valid string"
			return reply
		}
		arg = runID
	}

	if err := r.fsm.React(t, arg); err != nil {
		reply.Verb = message.VerbInvalid
		reply.VerbName = err.Error()
		return reply
	}

	reply.Verb = message.VerbSuccess
	reply.VerbName = fmt.Sprintf("Transition %s is being initiated", t)
	return reply
}

func (r *Responder) handleUserCommand(reply message.CSCPMessage, verb string, payload []byte) message.CSCPMessage {
	var args []config.Value
	if len(payload) > 0 {
		decoded, err := decodeValueArray(payload)
		if err != nil {
			reply.Verb = message.VerbIncomplete
			reply.VerbName = err.Error()
			return reply
		}
		args = decoded
	}

	result, err := r.registry.Invoke(verb, args, r.fsm.State())
	if err != nil {
		if ie, ok := err.(*InvokeError); ok {
			switch ie.Kind {
			case InvokeUnknown:
				reply.Verb = message.VerbUnknown
			case InvokeStateMismatch:
				reply.Verb = message.VerbInvalid
				reply.VerbName = ie.Msg
			default:
				reply.Verb = message.VerbIncomplete
				reply.VerbName = ie.Msg
			}
			return reply
		}
		reply.Verb = message.VerbError
		reply.VerbName = err.Error()
		return reply
	}

	return r.respondValue(reply, result)
}
