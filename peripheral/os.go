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
	"encoding/binary"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
)

// Dashboard instruction codes.
const (
	insGetAppAndVersion byte = 0x01 // CLA 0xb0
	insQuitApp          byte = 0xa7 // CLA 0xb0
	insGetVersion       byte = 0x01 // CLA 0xe0
	insBatteryStatus    byte = 0x10
	insEditDeviceName   byte = 0xd4
	insOpenApp          byte = 0xd8
)

// Battery status queries, selected by P2.
const (
	batteryPercentage  byte = 0x00
	batteryVoltage     byte = 0x01
	batteryTemperature byte = 0x02
	batteryCurrent     byte = 0x03
	batteryFlags       byte = 0x04
)

var batteryReplies = map[byte][]byte{
	batteryPercentage:  {100},
	batteryVoltage:     {0, 30},
	batteryTemperature: {30},
	batteryCurrent:     {30},
	batteryFlags:       {0, 0, 0, 0},
}

// handleOS answers the dashboard commands that work whatever application is
// open. The second result is false for commands it does not know.
func (p *Peripheral) handleOS(a apdu.APDU) ([]byte, bool) {
	switch {
	case a.Matches(apdu.ClassOS, insGetAppAndVersion, 0, 0):
		return p.appAndVersion(), true

	case a.Matches(apdu.ClassOS, insQuitApp, 0, 0):
		p.exitApp()
		return apdu.Response(), true

	case a.CLA == apdu.ClassApp && a.INS == insBatteryStatus && a.P1 == 0:
		reply, ok := batteryReplies[a.P2]
		if !ok {
			return nil, false
		}
		return apdu.Response(reply), true

	case a.Matches(apdu.ClassApp, insGetVersion, 0, 0):
		return p.osVersion(), true

	case a.Matches(apdu.ClassApp, insOpenApp, 0, 0):
		return p.openApp(string(a.Data)), true

	case a.Matches(apdu.ClassApp, insEditDeviceName, 0, 0):
		return apdu.StatusUserRefusedOnDevice.Bytes(), true
	}
	return nil, false
}

// appAndVersion replies with the open application, or the OS:
//
//	Description                      | Length
//	---------------------------------+----------
//	Format, always 1                 | 1 byte
//	Name length                      | 1 byte
//	Name                             | variable
//	Version length                   | 1 byte
//	Version                          | variable
//	Flags length, always 0           | 1 byte
func (p *Peripheral) appAndVersion() []byte {
	name, version := OSName, p.config.OSVersion
	if p.app != "" {
		info, _ := p.config.lookup(string(p.app))
		name, version = string(info.Name), info.Version
	}
	// Hosts poll this before every session; drop whatever was left half sent.
	for _, handler := range p.handlers {
		handler.Reset()
	}
	out := []byte{1, byte(len(name))}
	out = append(out, name...)
	out = append(out, byte(len(version)))
	out = append(out, version...)
	return apdu.Response(out, []byte{0})
}

// osVersion replies with the firmware identity:
//
//	Description                      | Length
//	---------------------------------+----------
//	Target ID                        | 4 bytes
//	Version length                   | 1 byte
//	Version                          | variable
//	Flags length, always 0           | 1 byte
func (p *Peripheral) osVersion() []byte {
	out := binary.BigEndian.AppendUint32(nil, p.config.TargetID)
	out = append(out, byte(len(p.config.OSVersion)))
	out = append(out, p.config.OSVersion...)
	return apdu.Response(out, []byte{0})
}

func (p *Peripheral) openApp(name string) []byte {
	if name == "" {
		return apdu.StatusInvalidAppNameLength.Bytes()
	}
	if err := p.enterApp(name); err != nil {
		p.log.Debug("Refusing to open app", "name", name, "err", err)
		return apdu.StatusAppNotInstalled.Bytes()
	}
	return apdu.Response()
}
