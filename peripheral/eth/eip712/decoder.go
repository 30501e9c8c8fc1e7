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

// Package eip712 reassembles EIP-712 typed data streamed to the device as a
// sequence of struct definitions, optional display filters and a flattened,
// depth first list of field values.
package eip712

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DomainType is the name of the struct every session starts its values with.
const DomainType = "EIP712Domain"

// maxFieldLength is the largest value a length prefixed field may declare.
const maxFieldLength = 0xffff

var (
	// ErrUnexpectedChunk is returned for chunks received out of order.
	ErrUnexpectedChunk = errors.New("eip712: unexpected chunk")

	// ErrIncomplete is returned when decoding is requested too early.
	ErrIncomplete = errors.New("eip712: incomplete typed data")

	errDuplicateType   = errors.New("eip712: duplicate struct")
	errDuplicateField  = errors.New("eip712: duplicate field")
	errFilterInactive  = errors.New("eip712: filtering not activated")
	errFilterPending   = errors.New("eip712: filter already pending")
	errFilterCount     = errors.New("eip712: filter count mismatch")
	errMissingDomain   = errors.New("eip712: missing domain data")
	errRedundantRoot   = errors.New("eip712: redundant message data")
	errArrayLength     = errors.New("eip712: invalid array length")
	errFieldLength     = errors.New("eip712: invalid encoded field length")
	errDomainFieldType = errors.New("eip712: invalid domain field")
)

// ValuePhase distinguishes the four kinds of value chunks.
type ValuePhase uint8

const (
	PhaseRoot ValuePhase = iota
	PhaseArray
	PhaseFieldPartial
	PhaseFieldComplete
)

var phaseStates = map[ValuePhase]State{
	PhaseRoot:          StateValueRoot,
	PhaseArray:         StateValueArray,
	PhaseFieldPartial:  StateValueFieldPartial,
	PhaseFieldComplete: StateValueFieldComplete,
}

// Decoder accumulates one typed data session. Any error discards the session.
type Decoder struct {
	checker *request.Checker
	log     log.Logger

	state       State
	types       apitypes.Types
	current     string
	descriptors map[string]TypeDescriptor

	filtering   bool
	contract    *ContractInfo
	filter      *Filter
	filterCount int

	roots   []string
	queues  [][]entry
	domain  map[string]interface{}
	partial []byte
	fields  []FieldValue
}

// NewDecoder creates a decoder whose sessions expire with the given timer.
func NewDecoder(timer *request.Timer) *Decoder {
	d := &Decoder{log: log.New("decoder", "eip712")}
	d.checker = request.NewChecker(timer, d.clear)
	d.clear()
	return d
}

// State returns the kind of the last accepted chunk.
func (d *Decoder) State() State { return d.state }

// Reset drops the current session.
func (d *Decoder) Reset() {
	d.clear()
	d.checker.Done()
}

func (d *Decoder) clear() {
	d.state = StateNone
	d.types = make(apitypes.Types)
	d.current = ""
	d.descriptors = make(map[string]TypeDescriptor)
	d.filtering = false
	d.contract = nil
	d.filter = nil
	d.filterCount = 0
	d.roots = nil
	d.queues = nil
	d.domain = nil
	d.partial = nil
	d.fields = nil
}

func (d *Decoder) fail(err error) error {
	d.log.Debug("Discarding typed data session", "state", d.state, "err", err)
	d.Reset()
	return err
}

// enter keeps the session alive and validates the transition to next. A
// restart chunk may open a new session over a stale one.
func (d *Decoder) enter(next State, restart bool) error {
	if err := d.checker.Check(restart || d.state == StateNone); err != nil {
		return err
	}
	if !canFollow(d.state, next) {
		return fmt.Errorf("%w: %s after %s", ErrUnexpectedChunk, next, d.state)
	}
	return nil
}

// ReceiveTypeName opens the definition of a new struct.
func (d *Decoder) ReceiveTypeName(data []byte) error {
	if err := d.enter(StateTypeName, true); err != nil {
		return d.fail(err)
	}
	name := string(data)
	if name == "" {
		return d.fail(fmt.Errorf("%w: struct", errEmptyName))
	}
	if _, ok := d.types[name]; ok {
		return d.fail(fmt.Errorf("%w: %q", errDuplicateType, name))
	}
	d.types[name] = []apitypes.Type{}
	d.current = name
	d.state = StateTypeName
	return nil
}

// ReceiveType appends a field definition to the struct being defined.
func (d *Decoder) ReceiveType(data []byte) error {
	if err := d.enter(StateType, false); err != nil {
		return d.fail(err)
	}
	def, err := ParseFieldDefinition(data)
	if err != nil {
		return d.fail(err)
	}
	for _, field := range d.types[d.current] {
		if field.Name == def.Name {
			return d.fail(fmt.Errorf("%w: %s.%s", errDuplicateField, d.current, def.Name))
		}
	}
	typ := def.Type.String()
	d.types[d.current] = append(d.types[d.current], apitypes.Type{Name: def.Name, Type: typ})
	d.descriptors[typ] = def.Type
	d.state = StateType
	return nil
}

// ReceiveFilterActivate switches the session to filtered display mode.
func (d *Decoder) ReceiveFilterActivate() error {
	if err := d.enter(StateFilterActivate, false); err != nil {
		return d.fail(err)
	}
	d.filtering = true
	d.state = StateFilterActivate
	return nil
}

// ReceiveFilterContractName records the message level filter header. It is
// sent once the domain values are complete.
func (d *Decoder) ReceiveFilterContractName(data []byte) error {
	if err := d.enter(StateFilterContractName, false); err != nil {
		return d.fail(err)
	}
	if !d.filtering {
		return d.fail(errFilterInactive)
	}
	info, err := parseContractInfo(data)
	if err != nil {
		return d.fail(err)
	}
	d.contract = info
	d.state = StateFilterContractName
	return nil
}

// ReceiveFilterShowField tags the next leaf value with a display filter.
func (d *Decoder) ReceiveFilterShowField(data []byte, format Format) error {
	if err := d.enter(StateFilterShowField, false); err != nil {
		return d.fail(err)
	}
	if !d.filtering {
		return d.fail(errFilterInactive)
	}
	if d.filter != nil {
		return d.fail(errFilterPending)
	}
	filter, err := parseFilter(data, format)
	if err != nil {
		return d.fail(err)
	}
	d.filter = filter
	d.filterCount++
	d.state = StateFilterShowField
	return nil
}

// ReceiveValue accepts a value chunk of the given phase.
func (d *Decoder) ReceiveValue(data []byte, phase ValuePhase) error {
	next, ok := phaseStates[phase]
	if !ok {
		return d.fail(fmt.Errorf("%w: phase %d", ErrUnexpectedChunk, phase))
	}
	if err := d.enter(next, false); err != nil {
		return d.fail(err)
	}
	var err error
	switch phase {
	case PhaseRoot:
		err = d.receiveRoot(string(data))
	case PhaseArray:
		err = d.receiveArray(data)
	case PhaseFieldPartial:
		if len(d.partial)+len(data) > 2+maxFieldLength {
			err = fmt.Errorf("%w: oversized field", errFieldLength)
		}
		d.partial = append(d.partial, data...)
	case PhaseFieldComplete:
		err = d.receiveField(data)
	}
	if err != nil {
		return d.fail(err)
	}
	d.state = next
	return nil
}

func (d *Decoder) receiveRoot(name string) error {
	if d.filter != nil {
		return errFilterPending
	}
	switch len(d.roots) {
	case 0:
		if name != DomainType {
			return errMissingDomain
		}
	case 1:
		if name == DomainType {
			return errRedundantRoot
		}
		domain, err := d.buildRoot(DomainType, d.queues[0])
		if err != nil {
			return err
		}
		d.domain = domain
	default:
		return errRedundantRoot
	}
	if _, ok := d.types[name]; !ok {
		return fmt.Errorf("%w: %q", errUnknownType, name)
	}
	d.roots = append(d.roots, name)
	d.queues = append(d.queues, nil)
	return nil
}

func (d *Decoder) receiveArray(data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("%w: %d bytes", errArrayLength, len(data))
	}
	var count uint32
	for _, b := range data {
		count = count<<8 | uint32(b)
	}
	d.push(entry{array: true, count: int(count)})
	return nil
}

func (d *Decoder) receiveField(data []byte) error {
	blob := append(d.partial, data...)
	d.partial = nil

	r := apdu.NewReader(blob)
	n, err := r.Uint16("field length")
	if err != nil {
		return err
	}
	if r.Len() != int(n) {
		return fmt.Errorf("%w: declared %d, have %d", errFieldLength, n, r.Len())
	}
	d.push(entry{data: common.CopyBytes(r.Rest()), filter: d.filter})
	d.filter = nil
	return nil
}

func (d *Decoder) push(e entry) {
	last := len(d.queues) - 1
	d.queues[last] = append(d.queues[last], e)
}

// Decode finishes the session and returns the reconstructed typed data. The
// decoder is reset whether or not decoding succeeds.
func (d *Decoder) Decode() (*TypedData, error) {
	if err := d.checker.Check(false); err != nil {
		return nil, d.fail(err)
	}
	if len(d.roots) != 2 || d.partial != nil || d.filter != nil ||
		(d.state != StateValueFieldComplete && d.state != StateValueArray) {
		return nil, d.fail(fmt.Errorf("%w: state %s", ErrIncomplete, d.state))
	}
	message, err := d.buildRoot(d.roots[1], d.queues[1])
	if err != nil {
		return nil, d.fail(err)
	}
	if d.contract != nil && int(d.contract.FilterCount) != d.filterCount {
		return nil, d.fail(fmt.Errorf("%w: announced %d, received %d", errFilterCount, d.contract.FilterCount, d.filterCount))
	}
	domain, err := domainFromMap(d.domain)
	if err != nil {
		return nil, d.fail(err)
	}
	typed := &TypedData{
		TypedData: apitypes.TypedData{
			Types:       d.types,
			PrimaryType: d.roots[1],
			Domain:      domain,
			Message:     message,
		},
		Filtered: d.filtering,
		Contract: d.contract,
		Fields:   d.fields,
	}
	d.Reset()
	return typed, nil
}

// arrayLength encodes an array marker the way hosts send it.
func arrayLength(n int) []byte {
	switch {
	case n <= 0xff:
		return []byte{byte(n)}
	case n <= 0xffff:
		return binary.BigEndian.AppendUint16(nil, uint16(n))
	}
	return binary.BigEndian.AppendUint32(nil, uint32(n))
}
