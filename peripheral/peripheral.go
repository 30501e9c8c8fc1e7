// Copyright 2024 The ledgerd Authors
// This file is part of the ledgerd library.
//
// The ledgerd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ledgerd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ledgerd library. If not, see <http://www.gnu.org/licenses/>.

// Package peripheral turns the machine it runs on into something a Ledger
// host library can talk to. It dispatches APDUs either to the dashboard
// commands or to the application the host opened.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	apduInMeter      = metrics.NewRegisteredMeter("ledger/apdu/in", nil)
	apduErrorMeter   = metrics.NewRegisteredMeter("ledger/apdu/error", nil)
	apduLatencyTimer = metrics.NewRegisteredTimer("ledger/apdu/latency", nil)
)

var errResponseTooLong = apdu.NewStatusError(apdu.StatusTechnicalProblem, errors.New("ledger: response too long"))

// AppHandler executes the commands of one application.
type AppHandler interface {
	// HandleAPDU returns the full reply, status word included. Errors are
	// reported to the host with the status word they carry.
	HandleAPDU(ctx context.Context, a apdu.APDU) ([]byte, error)

	// Reset drops every multi APDU request in flight.
	Reset()

	// Clear drops the metadata provisioned during the session.
	Clear()
}

// Peripheral is the dispatcher in front of the application handlers. It
// handles one APDU at a time.
type Peripheral struct {
	config   Config
	handlers map[App]AppHandler
	log      log.Logger

	mu       sync.Mutex
	app      App // empty while the dashboard is shown
	recorder *Recorder
}

// New creates a peripheral serving the given application handlers. Apps of
// the catalogue without a handler can be opened but answer every command with
// an unknown APDU status.
func New(config Config, handlers map[App]AppHandler) (*Peripheral, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	for app := range handlers {
		if _, ok := config.lookup(string(app)); !ok {
			return nil, fmt.Errorf("%w: %s", ErrAppNotSupported, app)
		}
	}
	return &Peripheral{
		config:   config,
		handlers: handlers,
		log:      log.New("device", OSName),
	}, nil
}

// CurrentApp returns the open application.
func (p *Peripheral) CurrentApp() (App, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.app, p.app != ""
}

// SetRecorder starts tracing every handled command to r. A nil recorder
// stops tracing.
func (p *Peripheral) SetRecorder(r *Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// EnterApp opens the named application as if the user had started it.
func (p *Peripheral) EnterApp(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enterApp(name)
}

// ExitApp returns to the dashboard.
func (p *Peripheral) ExitApp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitApp()
}

func (p *Peripheral) enterApp(name string) error {
	info, ok := p.config.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrAppNotSupported, name)
	}
	p.resetApp(p.app)
	p.resetApp(info.Name)
	p.app = info.Name
	p.log.Info("Opened app", "name", info.Name, "version", info.Version)
	return nil
}

func (p *Peripheral) exitApp() {
	if p.app == "" {
		return
	}
	p.resetApp(p.app)
	p.log.Info("Closed app", "name", p.app)
	p.app = ""
}

func (p *Peripheral) resetApp(app App) {
	if handler, ok := p.handlers[app]; ok {
		handler.Reset()
		handler.Clear()
	}
}

// Handle executes one command and returns the reply to send back. Failures
// are reported through the status word of the reply.
func (p *Peripheral) Handle(ctx context.Context, a apdu.APDU) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	apduInMeter.Mark(1)
	app, start := p.app, time.Now()
	reply := p.respond(ctx, a)
	apduLatencyTimer.UpdateSince(start)

	_, status, _ := apdu.Split(reply)
	p.recorder.record(start, app, a, status, time.Since(start))
	return reply
}

func (p *Peripheral) respond(ctx context.Context, a apdu.APDU) []byte {
	p.log.Trace("Received APDU", "apdu", a)
	reply, err := p.handle(ctx, a)
	if err == nil && len(reply) > apdu.MaxResponseLength+2 {
		err = fmt.Errorf("%w: %d bytes", errResponseTooLong, len(reply)-2)
	}
	if err != nil {
		apduErrorMeter.Mark(1)
		if handler, ok := p.handlers[p.app]; ok {
			handler.Reset()
		}
		status := apdu.StatusOf(err)
		p.log.Debug("APDU failed", "apdu", a, "status", status, "err", err)
		return status.Bytes()
	}
	p.log.Trace("Replying", "reply", hexutil.Bytes(reply))
	return reply
}

func (p *Peripheral) handle(ctx context.Context, a apdu.APDU) ([]byte, error) {
	if reply, ok := p.handleOS(a); ok {
		return reply, nil
	}
	handler, ok := p.handlers[p.app]
	if p.app == "" || !ok {
		return nil, apdu.NewStatusError(apdu.StatusUnknownAPDU, fmt.Errorf("ledger: unknown apdu %s", a))
	}
	return handler.HandleAPDU(ctx, a)
}
