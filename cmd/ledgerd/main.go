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

// ledgerd is an emulated Ledger device that wallets can connect to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/archmage-live/ledgerd/peripheral"
	"github.com/archmage-live/ledgerd/peripheral/eth"
	"github.com/archmage-live/ledgerd/peripheral/request"
	"github.com/archmage-live/ledgerd/peripheral/transport"
	"github.com/archmage-live/ledgerd/signer/hdsigner"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/console/prompt"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"
)

var (
	app = cli.NewApp()

	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	transportFlag = cli.StringFlag{
		Name:  "transport",
		Usage: "Comma separated transports to serve (tcp, ws, hid)",
		Value: "tcp",
	}
	tcpAddrFlag = cli.StringFlag{
		Name:  "tcp.addr",
		Usage: "Listening address of the emulator APDU port",
		Value: defaultTransportConfig.TCPAddr,
	}
	wsAddrFlag = cli.StringFlag{
		Name:  "ws.addr",
		Usage: "Listening address of the websocket BLE bridge",
		Value: defaultTransportConfig.WSAddr,
	}
	mtuFlag = cli.IntFlag{
		Name:  "mtu",
		Usage: "BLE MTU of websocket frames",
		Value: defaultTransportConfig.MTU,
	}
	hidDeviceFlag = cli.StringFlag{
		Name:  "hid.device",
		Usage: "USB HID gadget device node",
		Value: defaultTransportConfig.HIDDevice,
	}
	mnemonicFlag = cli.StringFlag{
		Name:   "mnemonic",
		Usage:  "BIP-39 mnemonic of the device seed",
		EnvVar: "LEDGERD_MNEMONIC",
	}
	mnemonicFileFlag = cli.StringFlag{
		Name:  "mnemonic.file",
		Usage: "File holding the BIP-39 mnemonic",
	}
	passphraseFlag = cli.StringFlag{
		Name:   "passphrase",
		Usage:  "Optional BIP-39 passphrase",
		EnvVar: "LEDGERD_PASSPHRASE",
	}
	autoApproveFlag = cli.BoolFlag{
		Name:  "auto-approve",
		Usage: "Sign every request without asking for confirmation",
	}
	blindSigningFlag = cli.BoolTFlag{
		Name:  "blind-signing",
		Usage: "Allow signing of contract data the device cannot display",
	}
	metricsFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "Periodically log APDU statistics",
	}
	traceFileFlag = cli.StringFlag{
		Name:  "trace.csv",
		Usage: "Append a CSV trace of the handled commands to this file",
	}
	metricsIntervalFlag = cli.DurationFlag{
		Name:  "metrics.interval",
		Usage: "Interval between APDU statistics reports",
		Value: time.Minute,
	}

	keyFlags = []cli.Flag{
		mnemonicFlag,
		mnemonicFileFlag,
		passphraseFlag,
	}
	serveFlags = append([]cli.Flag{
		configFileFlag,
		transportFlag,
		tcpAddrFlag,
		wsAddrFlag,
		mtuFlag,
		hidDeviceFlag,
		autoApproveFlag,
		blindSigningFlag,
		metricsFlag,
		metricsIntervalFlag,
		traceFileFlag,
	}, keyFlags...)
)

func init() {
	app.Name = "ledgerd"
	app.Usage = "emulated Ledger device"
	app.Action = serve
	app.HideVersion = true
	app.Copyright = "Copyright 2024 The ledgerd Authors"
	app.Commands = []cli.Command{
		dumpConfigCommand,
		addressCommand,
		mnemonicCommand,
		typedDataCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Flags = append([]cli.Flag{verbosityFlag}, serveFlags...)
	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx.GlobalInt(verbosityFlag.Name))
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		prompt.Stdin.Close() // Resets terminal mode.
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(color.Error, log.FromLegacyLevel(verbosity), !color.NoColor)
	log.SetDefault(log.NewLogger(handler))
}

// makeSigner unlocks the seed given on the command line or in the config.
func makeSigner(ctx *cli.Context, cfg signerConfig) (*hdsigner.Signer, error) {
	mnemonic := ctx.String(mnemonicFlag.Name)
	if mnemonic == "" && cfg.MnemonicFile != "" {
		blob, err := os.ReadFile(cfg.MnemonicFile)
		if err != nil {
			return nil, err
		}
		mnemonic = strings.TrimSpace(string(blob))
	}
	if mnemonic == "" {
		return nil, fmt.Errorf("no seed given, use --%s or --%s", mnemonicFlag.Name, mnemonicFileFlag.Name)
	}
	var approver hdsigner.Approver = hdsigner.NewConsoleApprover()
	if cfg.AutoApprove {
		log.Warn("Signing requests without confirmation")
		approver = hdsigner.AutoApprove
	}
	return hdsigner.New(mnemonic, ctx.String(passphraseFlag.Name), hdsigner.WithApprover(approver))
}

// serve is the main entry point. It runs the device on every enabled
// transport until interrupted.
func serve(ctx *cli.Context) error {
	if args := ctx.Args(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	signer, err := makeSigner(ctx, cfg.Signer)
	if err != nil {
		return err
	}

	timer := request.NewTimer(mclock.System{}, request.DefaultInterval)
	timer.Start()
	defer timer.Stop()

	ethereum, err := eth.New(signer, timer, cfg.Ethereum)
	if err != nil {
		return err
	}
	device, err := peripheral.New(cfg.Device, map[peripheral.App]peripheral.AppHandler{
		peripheral.AppEthereum: ethereum,
	})
	if err != nil {
		return err
	}

	if file := ctx.String(traceFileFlag.Name); file != "" {
		f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		recorder := peripheral.NewRecorder(f)
		defer recorder.Close()
		device.SetRecorder(recorder)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	for _, kind := range cfg.Transport.Enabled {
		switch kind {
		case "tcp":
			g.Go(func() error { return serveTCP(gctx, device, cfg.Transport.TCPAddr) })
		case "ws":
			g.Go(func() error { return serveWS(gctx, device, cfg.Transport) })
		case "hid":
			g.Go(func() error { return serveHID(gctx, device, cfg.Transport.HIDDevice) })
		}
	}
	if ctx.Bool(metricsFlag.Name) {
		g.Go(func() error {
			reportStats(gctx, ctx.Duration(metricsIntervalFlag.Name))
			return nil
		})
	}
	err = g.Wait()
	log.Info("Device stopped", "stats", fmt.Sprintf("%+v", peripheral.ReadStats()))
	return err
}

// serveTCP accepts emulator clients one after the other.
func serveTCP(ctx context.Context, device *peripheral.Peripheral, addr string) error {
	ln, err := transport.ListenTCP(addr, log.Root())
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("Serving emulator APDU port", "addr", ln.Addr())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := device.Serve(ctx, conn); err != nil {
			log.Warn("TCP host session failed", "err", err)
		}
		device.ExitApp()
	}
}

func serveWS(ctx context.Context, device *peripheral.Peripheral, cfg transportConfig) error {
	handler := transport.NewWSHandler(transport.NewBLEFramer(cfg.MTU), func(_ context.Context, conn *transport.FrameConn) error {
		defer device.ExitApp()
		return device.Serve(ctx, conn)
	}, log.Root())

	srv := &http.Server{Addr: cfg.WSAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	log.Info("Serving websocket BLE bridge", "addr", cfg.WSAddr, "mtu", cfg.MTU)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveHID(ctx context.Context, device *peripheral.Peripheral, path string) error {
	conn, err := transport.OpenHID(path, log.Root())
	if err != nil {
		return err
	}
	log.Info("Serving USB HID gadget", "device", path)
	return device.Serve(ctx, conn)
}

func reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := peripheral.ReadStats()
			log.Info("APDU statistics", "received", stats.Received, "failed", stats.Failed,
				"latency", time.Duration(stats.MeanLatency))
		}
	}
}
