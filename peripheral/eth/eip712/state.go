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

package eip712

import "fmt"

// State is the kind of the last chunk accepted by a Decoder.
type State uint8

const (
	StateNone State = iota
	StateTypeName
	StateType
	StateFilterActivate
	StateFilterContractName
	StateFilterShowField
	StateValueRoot
	StateValueArray
	StateValueFieldPartial
	StateValueFieldComplete
)

var stateNames = [...]string{
	StateNone:               "none",
	StateTypeName:           "type name",
	StateType:               "type",
	StateFilterActivate:     "filter activate",
	StateFilterContractName: "filter contract name",
	StateFilterShowField:    "filter show field",
	StateValueRoot:          "value root",
	StateValueArray:         "value array",
	StateValueFieldPartial:  "value field partial",
	StateValueFieldComplete: "value field complete",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type stateSet uint16

func statesOf(states ...State) stateSet {
	var set stateSet
	for _, s := range states {
		set |= 1 << s
	}
	return set
}

func (set stateSet) has(s State) bool { return set&(1<<s) != 0 }

var valueFieldPredecessors = statesOf(
	StateValueRoot, StateValueArray, StateFilterShowField, StateValueFieldPartial, StateValueFieldComplete,
)

// transitions lists, for every state, the states it may directly follow.
var transitions = map[State]stateSet{
	StateTypeName:           statesOf(StateNone, StateType),
	StateType:               statesOf(StateTypeName, StateType),
	StateFilterActivate:     statesOf(StateType),
	StateFilterContractName: statesOf(StateValueFieldComplete, StateValueArray),
	StateFilterShowField:    statesOf(StateValueRoot, StateValueArray, StateValueFieldComplete),
	StateValueRoot: statesOf(
		StateType, StateFilterActivate, StateFilterContractName, StateValueFieldComplete, StateValueArray,
	),
	StateValueArray:         statesOf(StateValueRoot, StateValueArray, StateValueFieldComplete, StateFilterShowField),
	StateValueFieldPartial:  valueFieldPredecessors,
	StateValueFieldComplete: valueFieldPredecessors,
}

// canFollow reports whether next may be received right after prev.
func canFollow(prev, next State) bool {
	return transitions[next].has(prev)
}
