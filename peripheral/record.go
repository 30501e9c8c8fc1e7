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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
)

// recordFields is the header of a command trace.
var recordFields = []string{"time", "app", "cla", "ins", "p1", "p2", "length", "status", "latency"}

// Recorder traces handled commands as CSV rows, one per command. Command data
// is not recorded. Writing is thread safe and a nil Recorder records nothing.
type Recorder struct {
	writer  *csv.Writer
	backing io.WriteCloser
	mu      sync.Mutex
}

// NewRecorder creates a recorder writing to wc and writes the header.
func NewRecorder(wc io.WriteCloser) *Recorder {
	r := &Recorder{writer: csv.NewWriter(wc), backing: wc}
	r.writer.Write(recordFields)
	return r
}

func (r *Recorder) record(at time.Time, app App, a apdu.APDU, status apdu.StatusWord, latency time.Duration) {
	if r == nil {
		return
	}
	if app == "" {
		app = OSName
	}
	row := []string{
		at.UTC().Format(time.RFC3339Nano),
		string(app),
		fmt.Sprintf("%02x", a.CLA),
		fmt.Sprintf("%02x", a.INS),
		fmt.Sprintf("%02x", a.P1),
		fmt.Sprintf("%02x", a.P2),
		strconv.Itoa(len(a.Data)),
		fmt.Sprintf("%04x", uint16(status)),
		strconv.FormatInt(latency.Microseconds(), 10),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.Write(row)
	r.writer.Flush()
}

// Close flushes pending rows and closes the writer. This is a no-op for a
// nil receiver.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.Flush()
	return r.backing.Close()
}
