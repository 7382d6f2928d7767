// Command ycybridged runs the bridge daemon: it connects to one target
// device over BLE and exposes the bridge's facade operations, driven
// here by a small interactive CLI rather than a network-facing
// legacy-API server (wiring an actual legacy-API transport is out of
// scope, see SPEC_FULL.md's Non-goals).
//
// The command structure follows the teacher repo's kr CLI
// (src/kr/kr.go): a urfave/cli v1 app with one subcommand per
// operation, signal handling modeled on the teacher's krd daemon
// (src/krd/main.go).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/kryptco/ycybridge/internal/bridge"
	"github.com/kryptco/ycybridge/internal/channel"
	"github.com/kryptco/ycybridge/internal/kcolor"
	"github.com/kryptco/ycybridge/internal/klog"
	"github.com/kryptco/ycybridge/internal/transport"
	"github.com/kryptco/ycybridge/internal/wire"
)

func useSyslog() bool {
	env := os.Getenv("YCY_LOG_SYSLOG")
	if env != "" {
		return env == "true"
	}
	return true
}

var log = klog.Setup("ycybridged", logging.INFO, useSyslog())

func connectedBridge(c *cli.Context) (*bridge.Bridge, error) {
	cfg := bridge.DefaultConfig(c.GlobalString("address"))
	if limit := c.GlobalInt("strength-limit"); limit > 0 {
		cfg.StrengthLimit = limit
	}

	b := bridge.New(cfg, transport.NewBLETransport(cfg.DeviceAddress, nil), log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ScanTimeout+15*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// reportable expands ch into the channel(s) a status line should be
// printed for: itself, or both A and B for the ChannelAB broadcast
// pseudo-channel (Bridge.LegacyStrength panics on ChannelAB directly).
func reportable(ch wire.Channel) []wire.Channel {
	if ch == wire.ChannelAB {
		return []wire.Channel{wire.ChannelA, wire.ChannelB}
	}
	return []wire.Channel{ch}
}

func strengthCommand(op channel.Op) cli.ActionFunc {
	return func(c *cli.Context) error {
		ch, err := parseChannel(c.Args().Get(0))
		if err != nil {
			return err
		}
		value, err := strconv.Atoi(c.Args().Get(1))
		if err != nil {
			return cli.NewExitError("value must be an integer 0-200", 1)
		}
		b, err := connectedBridge(c)
		if err != nil {
			return err
		}
		defer b.Stop()
		b.SetStrength(ch, op, value)
		for _, rc := range reportable(ch) {
			fmt.Println(kcolor.Green(fmt.Sprintf("channel %v strength now %d", rc, b.LegacyStrength(rc))))
		}
		return nil
	}
}

func presetCommand(c *cli.Context) error {
	ch, err := parseChannel(c.Args().Get(0))
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return cli.NewExitError("preset index must be 0-15", 1)
	}
	b, err := connectedBridge(c)
	if err != nil {
		return err
	}
	defer b.Stop()
	b.SetPulsePreset(ch, index)
	for _, rc := range reportable(ch) {
		fmt.Println(kcolor.Green(fmt.Sprintf("channel %v preset set to %d", rc, index)))
	}
	return nil
}

func stopCommand(c *cli.Context) error {
	b, err := connectedBridge(c)
	if err != nil {
		return err
	}
	defer b.Stop()
	b.StopAll()
	fmt.Println(kcolor.Yellow("both channels stopped"))
	return nil
}

func statusCommand(c *cli.Context) error {
	b, err := connectedBridge(c)
	if err != nil {
		return err
	}
	defer b.Stop()

	battery, err := b.Battery()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("battery: %d%%\n", battery)

	for _, ch := range [2]wire.Channel{wire.ChannelA, wire.ChannelB} {
		status, err := b.ChannelStatus(ch)
		if err != nil {
			fmt.Println(kcolor.Red(fmt.Sprintf("channel %v: %v", ch, err)))
			continue
		}
		if status == nil {
			fmt.Println(kcolor.Yellow(fmt.Sprintf("channel %v: no reply (timed out)", ch)))
			continue
		}
		fmt.Printf("channel %v: enabled=%v strength=%d mode=%v electrode=%v\n",
			ch, status.Enabled, status.Strength, status.Mode, status.Electrode)
	}
	return nil
}

func parseChannel(s string) (wire.Channel, error) {
	switch s {
	case "a", "A":
		return wire.ChannelA, nil
	case "b", "B":
		return wire.ChannelB, nil
	case "ab", "AB":
		return wire.ChannelAB, nil
	default:
		return 0, cli.NewExitError("channel must be a, b, or ab", 1)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "ycybridged"
	app.Usage = "bridge a legacy e-stim control session onto a target BLE device"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "address",
			Usage: "target device BLE address; empty scans for the first match",
		},
		cli.IntFlag{
			Name:  "strength-limit",
			Usage: "legacy-API strength ceiling (default 200)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "set",
			Usage:     "set a channel's absolute strength",
			ArgsUsage: "<a|b|ab> <0-200>",
			Action:    strengthCommand(channel.OpSet),
		},
		{
			Name:      "increase",
			Usage:     "increase a channel's strength",
			ArgsUsage: "<a|b|ab> <delta>",
			Action:    strengthCommand(channel.OpIncrease),
		},
		{
			Name:      "decrease",
			Usage:     "decrease a channel's strength",
			ArgsUsage: "<a|b|ab> <delta>",
			Action:    strengthCommand(channel.OpDecrease),
		},
		{
			Name:      "preset",
			Usage:     "select one of the 16 built-in waveforms",
			ArgsUsage: "<a|b|ab> <0-15>",
			Action:    presetCommand,
		},
		{
			Name:   "stop",
			Usage:  "disable both channels",
			Action: stopCommand,
		},
		{
			Name:   "status",
			Usage:  "print battery and per-channel status",
			Action: statusCommand,
		},
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stopSignal
		log.Notice("stopping with signal", sig)
		os.Exit(0)
	}()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, kcolor.Red(err.Error()))
		os.Exit(1)
	}
}
