// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// lattice-sync pairs two devices over an out-of-band payload and
// moves an encrypted snapshot between them.
//
// The already-synced device runs "lattice-sync offer" and shows the
// pairing payload (QR code on a terminal, always as copyable text).
// The new device runs "lattice-sync answer", scans or pastes the
// payload, and displays a short confirmation code plus a compact
// answer to relay back. Once the operator confirms the code on the
// offering side, the snapshot transfers directly between the devices
// over an encrypted data channel.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	qrcodeTerminal "github.com/Baozisoftware/qrcode-terminal-go"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/lattice-im/devicesync/lib/version"
	"github.com/lattice-im/devicesync/session"
	"github.com/lattice-im/devicesync/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "offer":
		return runOffer(os.Args[2:])
	case "answer":
		return runAnswer(os.Args[2:])
	case "version", "--version":
		fmt.Printf("lattice-sync %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: lattice-sync <subcommand> [flags]

Subcommands:
  offer    Offer a snapshot to a new device (run on the synced device)
  answer   Receive a snapshot onto this device
  version  Print version information

Run 'lattice-sync <subcommand> --help' for subcommand flags.
`)
}

// commonFlags are shared by both subcommands.
type commonFlags struct {
	icePath string
	verbose bool
	noQR    bool
}

func registerCommon(flagSet *pflag.FlagSet) *commonFlags {
	flags := &commonFlags{}
	flagSet.StringVar(&flags.icePath, "ice-config", "", "YAML file listing STUN/TURN servers (default: host candidates only)")
	flagSet.BoolVar(&flags.verbose, "verbose", false, "log session progress to stderr")
	flagSet.BoolVar(&flags.noQR, "no-qr", false, "suppress the QR code even on a terminal")
	return flags
}

func (flags *commonFlags) sessionOptions() (session.Options, error) {
	options := session.Options{}
	if flags.icePath != "" {
		ice, err := transport.LoadICEConfig(flags.icePath)
		if err != nil {
			return session.Options{}, err
		}
		options.ICE = ice
	}
	if flags.verbose {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return options, nil
}

func runOffer(args []string) error {
	flagSet := pflag.NewFlagSet("lattice-sync offer", pflag.ContinueOnError)
	flags := registerCommon(flagSet)
	snapshotPath := flagSet.String("snapshot", "", "snapshot file to send (required)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *snapshotPath == "" {
		return fmt.Errorf("--snapshot is required")
	}

	snapshot, err := os.ReadFile(*snapshotPath)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	options, err := flags.sessionOptions()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sync := session.New(options)
	defer sync.Close()

	payloadText, err := sync.Start(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Scan this payload on the new device, or paste the text below:")
	fmt.Println()
	showPayload(payloadText, flags.noQR)
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	answerCompact, err := prompt(reader, "Paste the answer shown on the new device: ")
	if err != nil {
		return err
	}
	code, err := prompt(reader, "Enter the confirmation code from the new device: ")
	if err != nil {
		return err
	}

	fmt.Println("Connecting...")
	if err := sync.CompleteConnection(ctx, answerCompact, code); err != nil {
		return err
	}

	fmt.Println("Connected. Sending snapshot...")
	stats, err := sync.Send(ctx, snapshot, printProgress)
	if err != nil {
		return err
	}
	finishProgress()

	fmt.Printf("Sent %d bytes in %d chunks (%s on the wire, %s).\n",
		len(snapshot), stats.Chunks, formatBytes(stats.Bytes), stats.Duration.Round(time.Millisecond))
	return nil
}

func runAnswer(args []string) error {
	flagSet := pflag.NewFlagSet("lattice-sync answer", pflag.ContinueOnError)
	flags := registerCommon(flagSet)
	outputPath := flagSet.String("output", "", "file to write the received snapshot to (required)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *outputPath == "" {
		return fmt.Errorf("--output is required")
	}

	options, err := flags.sessionOptions()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sync := session.New(options)
	defer sync.Close()

	reader := bufio.NewReader(os.Stdin)
	payloadText, err := prompt(reader, "Paste the pairing payload from the other device: ")
	if err != nil {
		return err
	}

	code, answerCompact, err := sync.Accept(ctx, payloadText)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Relay this answer back to the other device:")
	fmt.Println()
	fmt.Println(answerCompact)
	fmt.Println()
	fmt.Printf("Confirmation code (read it out, the other side must enter it): %s\n", code)
	fmt.Println()
	fmt.Println("Waiting for the other device to confirm...")

	if err := sync.WaitForConnection(ctx); err != nil {
		return err
	}

	fmt.Println("Connected. Receiving snapshot...")
	snapshot, stats, err := sync.Receive(ctx, printProgress)
	if err != nil {
		return err
	}
	finishProgress()

	if err := os.WriteFile(*outputPath, snapshot, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	fmt.Printf("Received %d bytes in %d chunks (%s on the wire, %s) into %s.\n",
		len(snapshot), stats.Chunks, formatBytes(stats.Bytes), stats.Duration.Round(time.Millisecond), *outputPath)
	return nil
}

// showPayload renders the payload as a QR code when stdout is a
// terminal, and always as copyable text.
func showPayload(payloadText string, noQR bool) {
	if !noQR && term.IsTerminal(int(os.Stdout.Fd())) {
		qrcodeTerminal.New().Get(payloadText).Print()
		fmt.Println()
	}
	fmt.Println(payloadText)
}

func prompt(reader *bufio.Reader, message string) (string, error) {
	fmt.Print(message)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("empty input")
	}
	return line, nil
}

// printProgress redraws a single-line chunk counter.
func printProgress(transferred, total int) {
	fmt.Printf("\r  %d/%d chunks", transferred, total)
}

func finishProgress() {
	fmt.Println()
}

func formatBytes(count int) string {
	switch {
	case count >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(count)/(1<<20))
	case count >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(count)/(1<<10))
	default:
		return fmt.Sprintf("%d B", count)
	}
}
