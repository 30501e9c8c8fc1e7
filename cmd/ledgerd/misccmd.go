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
	"encoding/json"
	"fmt"
	"os"

	"github.com/archmage-live/ledgerd/peripheral/eth/eip712"
	"github.com/archmage-live/ledgerd/signer/hdsigner"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"gopkg.in/urfave/cli.v1"
)

var (
	pathFlag = cli.StringFlag{
		Name:  "path",
		Usage: "BIP-32 derivation path of the account",
		Value: accounts.DefaultBaseDerivationPath.String(),
	}

	addressCommand = cli.Command{
		Action:    printAddress,
		Name:      "address",
		Usage:     "Print the account the device derives for a path",
		ArgsUsage: "",
		Flags:     append([]cli.Flag{pathFlag}, keyFlags...),
		Category:  "ACCOUNT COMMANDS",
		Description: `
The address command derives the account at --path from the device seed and
prints its address, public key and chain code.`,
	}

	mnemonicCommand = cli.Command{
		Action:    newMnemonic,
		Name:      "mnemonic",
		Usage:     "Generate a new device seed",
		ArgsUsage: "",
		Category:  "ACCOUNT COMMANDS",
	}

	typedDataCommand = cli.Command{
		Action:    printTypedData,
		Name:      "typeddata",
		Usage:     "Print the APDUs a host sends to sign EIP-712 typed data",
		ArgsUsage: "<file.json>",
		Category:  "MISCELLANEOUS COMMANDS",
		Description: `
The typeddata command reads an eth_signTypedData_v4 JSON document and prints
the struct definition and implementation commands, one hex encoded APDU per
line, followed by the hash the device signs.`,
	}
)

func printAddress(ctx *cli.Context) error {
	path, err := accounts.ParseDerivationPath(ctx.String(pathFlag.Name))
	if err != nil {
		return err
	}
	signer, err := makeSigner(ctx, signerConfig{MnemonicFile: ctx.String(mnemonicFileFlag.Name)})
	if err != nil {
		return err
	}
	account, err := signer.Address(path)
	if err != nil {
		return err
	}
	fmt.Printf("Path:       %s\n", path)
	fmt.Printf("Address:    %s\n", account.Address.Hex())
	fmt.Printf("Public key: %s\n", hexutil.Bytes(account.PublicKey))
	fmt.Printf("Chain code: %s\n", hexutil.Bytes(account.ChainCode))
	return nil
}

func newMnemonic(ctx *cli.Context) error {
	mnemonic, err := hdsigner.NewMnemonic()
	if err != nil {
		return err
	}
	fmt.Println(mnemonic)
	return nil
}

func printTypedData(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one typed data file, got %d arguments", ctx.NArg())
	}
	blob, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(blob, &typed); err != nil {
		return fmt.Errorf("invalid typed data: %v", err)
	}
	apdus, err := eip712.EncodeTypedData(typed)
	if err != nil {
		return err
	}
	for _, a := range apdus {
		fmt.Println(hexutil.Encode(a.Bytes()))
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return err
	}
	fmt.Printf("Signing hash: %s\n", hexutil.Bytes(hash))
	return nil
}
