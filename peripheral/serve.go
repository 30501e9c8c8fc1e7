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

package peripheral

import (
	"context"
	"errors"
	"io"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
)

// Transport carries APDUs between a host and the peripheral.
type Transport interface {
	// Receive blocks until the next command arrives. It returns io.EOF once
	// the host went away and an error wrapping apdu.ErrMalformed when the
	// received bytes do not form a command.
	Receive(ctx context.Context) (apdu.APDU, error)

	// Send delivers a reply, status word included.
	Send(ctx context.Context, reply []byte) error

	Close() error
}

// Serve answers the commands arriving on t until the host disconnects or ctx
// is cancelled. The transport is closed on return, or as soon as ctx is
// cancelled to unblock a pending Receive.
func (p *Peripheral) Serve(ctx context.Context, t Transport) error {
	defer t.Close()
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		a, err := t.Receive(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, apdu.ErrMalformed):
			p.log.Warn("Dropping malformed APDU", "err", err)
			apduErrorMeter.Mark(1)
			if err := t.Send(ctx, apdu.StatusIncorrectLength.Bytes()); err != nil {
				return ignoreClosed(ctx, err)
			}
			continue
		case err != nil:
			return err
		}
		if err := t.Send(ctx, p.Handle(ctx, a)); err != nil {
			return ignoreClosed(ctx, err)
		}
	}
}

func ignoreClosed(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stats summarizes the APDU traffic handled by the process.
type Stats struct {
	Received    int64
	Failed      int64
	MeanLatency float64 // nanoseconds
}

// ReadStats returns the process wide APDU counters.
func ReadStats() Stats {
	return Stats{
		Received:    apduInMeter.Snapshot().Count(),
		Failed:      apduErrorMeter.Snapshot().Count(),
		MeanLatency: apduLatencyTimer.Snapshot().Mean(),
	}
}
