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
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/archmage-live/ledgerd/peripheral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/urfave/cli.v1"
)

// testConfigMarshal checks that marshalling, unmarshalling and marshalling
// again yields the same document.
func testConfigMarshal(t *testing.T, cfg ledgerdConfig) {
	cfgMarshal, err := tomlSettings.Marshal(&cfg)
	require.NoError(t, err)

	var outCfg ledgerdConfig
	require.NoError(t, tomlSettings.NewDecoder(bytes.NewReader(cfgMarshal)).Decode(&outCfg))
	outCfgMarshal, err := tomlSettings.Marshal(&outCfg)
	require.NoError(t, err)

	assert.Equal(t, string(cfgMarshal), string(outCfgMarshal))
	assert.Equal(t, cfg, outCfg)
}

func TestConfigMarshal(t *testing.T) {
	testCases := []struct {
		name   string
		config func() ledgerdConfig
	}{
		{
			name:   "defaultConfig",
			config: defaultConfig,
		},
		{
			name: "customized",
			config: func() ledgerdConfig {
				cfg := defaultConfig()
				cfg.Device.TargetID = 0x33100004
				cfg.Device.Apps = []peripheral.AppInfo{{Name: peripheral.AppEthereum, Version: "1.11.0"}}
				cfg.Ethereum.ERC20Provisioning = false
				cfg.Transport.Enabled = []string{"tcp", "ws"}
				cfg.Signer = signerConfig{MnemonicFile: "/run/secrets/seed", AutoApprove: true}
				return cfg
			},
		},
	}
	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			testConfigMarshal(t, c.config())
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	file := filepath.Join(t.TempDir(), "ledgerd.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoadConfigUnknownField(t *testing.T) {
	file := writeConfig(t, "[Transport]\nListen = \"0.0.0.0:1\"\n")

	cfg := defaultConfig()
	err := loadConfig(file, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), file)
	assert.Contains(t, err.Error(), "field 'Listen' is not defined")
}

func newContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(app, set, nil)
}

func TestMakeConfigFlagsOverrideFile(t *testing.T) {
	file := writeConfig(t, `
[Ethereum]
Version = "1.9.0"

[Transport]
Enabled = ["ws"]
MTU = 100
`)
	cfg, err := makeConfig(newContext(t, serveFlags, "--config", file, "--mtu", "64", "--blind-signing=false"))
	require.NoError(t, err)

	assert.Equal(t, "1.9.0", cfg.Ethereum.Version)
	assert.Equal(t, []string{"ws"}, cfg.Transport.Enabled)
	assert.Equal(t, 64, cfg.Transport.MTU)
	assert.False(t, cfg.Ethereum.ArbitraryData)
	assert.Equal(t, defaultTransportConfig.TCPAddr, cfg.Transport.TCPAddr)
}

func TestMakeConfigValidates(t *testing.T) {
	_, err := makeConfig(newContext(t, serveFlags, "--transport", "usb"))
	assert.ErrorContains(t, err, `unknown transport "usb"`)

	_, err = makeConfig(newContext(t, serveFlags, "--transport", "ws", "--mtu", "6"))
	assert.Error(t, err)

	cfg, err := makeConfig(newContext(t, serveFlags, "--transport", "tcp, ws"))
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp", "ws"}, cfg.Transport.Enabled)
}
