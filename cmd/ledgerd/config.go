// Copyright 2024 The ledgerd Authors
// This file is part of ledgerd.
//
// ledgerd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ledgerd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with ledgerd. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"unicode"

	"github.com/archmage-live/ledgerd/peripheral"
	"github.com/archmage-live/ledgerd/peripheral/eth"
	"github.com/archmage-live/ledgerd/peripheral/transport"
	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"
)

var (
	dumpConfigCommand = cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		ArgsUsage:   "",
		Flags:       serveFlags,
		Category:    "MISCELLANEOUS COMMANDS",
		Description: `The dumpconfig command shows configuration values.`,
	}

	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type transportConfig struct {
	Enabled   []string // any of tcp, ws and hid
	TCPAddr   string
	WSAddr    string
	MTU       int // BLE MTU used on websockets
	HIDDevice string
}

type signerConfig struct {
	MnemonicFile string `toml:",omitempty"`
	AutoApprove  bool
}

type ledgerdConfig struct {
	Device    peripheral.Config
	Ethereum  eth.Config
	Transport transportConfig
	Signer    signerConfig
}

var defaultTransportConfig = transportConfig{
	Enabled:   []string{"tcp"},
	TCPAddr:   "127.0.0.1:9999",
	WSAddr:    "127.0.0.1:8435",
	MTU:       156,
	HIDDevice: "/dev/hidg0",
}

func defaultConfig() ledgerdConfig {
	device := peripheral.DefaultConfig
	device.Apps = append([]peripheral.AppInfo(nil), device.Apps...)
	return ledgerdConfig{
		Device:    device,
		Ethereum:  eth.DefaultConfig,
		Transport: defaultTransportConfig,
	}
}

func loadConfig(file string, cfg *ledgerdConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the configuration file, if any, and applies the command
// line flags on top of it.
func makeConfig(ctx *cli.Context) (ledgerdConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(transportFlag.Name) {
		cfg.Transport.Enabled = splitList(ctx.String(transportFlag.Name))
	}
	if ctx.IsSet(tcpAddrFlag.Name) {
		cfg.Transport.TCPAddr = ctx.String(tcpAddrFlag.Name)
	}
	if ctx.IsSet(wsAddrFlag.Name) {
		cfg.Transport.WSAddr = ctx.String(wsAddrFlag.Name)
	}
	if ctx.IsSet(mtuFlag.Name) {
		cfg.Transport.MTU = ctx.Int(mtuFlag.Name)
	}
	if ctx.IsSet(hidDeviceFlag.Name) {
		cfg.Transport.HIDDevice = ctx.String(hidDeviceFlag.Name)
	}
	if ctx.IsSet(mnemonicFileFlag.Name) {
		cfg.Signer.MnemonicFile = ctx.String(mnemonicFileFlag.Name)
	}
	if ctx.IsSet(autoApproveFlag.Name) {
		cfg.Signer.AutoApprove = ctx.Bool(autoApproveFlag.Name)
	}
	if ctx.IsSet(blindSigningFlag.Name) {
		cfg.Ethereum.ArbitraryData = ctx.BoolT(blindSigningFlag.Name)
	}
	return cfg, cfg.validate()
}

func (c *ledgerdConfig) validate() error {
	if len(c.Transport.Enabled) == 0 {
		return errors.New("no transport enabled")
	}
	for _, kind := range c.Transport.Enabled {
		switch kind {
		case "tcp", "hid":
		case "ws":
			if err := transport.NewBLEFramer(c.Transport.MTU).Validate(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown transport %q", kind)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	dump.WriteString("# Note: this config doesn't contain the mnemonic.\n\n")
	dump.Write(out)
	return nil
}
