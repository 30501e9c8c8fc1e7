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
	"errors"
	"fmt"
)

// App names an application that can be opened on the device.
type App string

const (
	AppBitcoin  App = "Bitcoin"
	AppEthereum App = "Ethereum"
	AppSolana   App = "Solana"
	AppCosmos   App = "Cosmos"
	AppAptos    App = "Aptos"
	AppSui      App = "Sui"
	AppTron     App = "Tron"
)

// OSName is reported by the get app and version command while no application
// is open.
const OSName = "BOLOS"

// ErrAppNotSupported is returned when opening an application missing from the
// catalogue.
var ErrAppNotSupported = errors.New("ledger: app not supported")

// AppInfo is a catalogue entry.
type AppInfo struct {
	Name    App
	Version string
}

// Config contains the identity the peripheral reports to hosts.
type Config struct {
	OSVersion string
	TargetID  uint32 // device model, 0x33000004 for a Nano X
	Apps      []AppInfo
}

// DefaultConfig impersonates a Nano X on firmware 2.2.4.
var DefaultConfig = Config{
	OSVersion: "2.2.4",
	TargetID:  0x33000004,
	Apps: []AppInfo{
		{Name: AppBitcoin, Version: "2.2.3"},
		{Name: AppEthereum, Version: "1.10.4"},
		{Name: AppSolana, Version: "1.4.3"},
		{Name: AppCosmos, Version: "2.35.22"},
		{Name: AppAptos, Version: "0.6.9"},
		{Name: AppSui, Version: "0.2.1"},
		{Name: AppTron, Version: "0.5.0"},
	},
}

func (c *Config) lookup(name string) (AppInfo, bool) {
	for _, app := range c.Apps {
		if string(app.Name) == name {
			return app, true
		}
	}
	return AppInfo{}, false
}

func (c *Config) validate() error {
	if len(c.OSVersion) > 0xff {
		return errors.New("ledger: os version too long")
	}
	seen := make(map[App]bool)
	for _, app := range c.Apps {
		switch {
		case app.Name == "" || len(app.Name) > 0xff:
			return fmt.Errorf("ledger: invalid app name %q", app.Name)
		case len(app.Version) > 0xff:
			return fmt.Errorf("ledger: invalid %s version %q", app.Name, app.Version)
		case seen[app.Name]:
			return fmt.Errorf("ledger: duplicate app %s", app.Name)
		}
		seen[app.Name] = true
	}
	return nil
}
