package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"

	"signmesh/config"
	"signmesh/control"
	"signmesh/crypto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "status":
		return cmdStatus(args[1:], out, errOut)
	case "broadcast":
		return cmdBroadcast(args[1:], out, errOut)
	case "messages":
		return cmdMessages(args[1:], out, errOut)
	case "take-received":
		return cmdTakeReceived(args[1:], out, errOut)
	case "keygen":
		return cmdKeygen(args[1:], out, errOut)
	case "restart":
		return cmdRestart(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "meshctl: control a running signmesh node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  meshctl status [--target <host:port>] [--host <port>]")
	fmt.Fprintln(w, "  meshctl broadcast [--target <host:port>] [--host <port>] <text>")
	fmt.Fprintln(w, "  meshctl messages [--target <host:port>] --host <port> [--out <file>]")
	fmt.Fprintln(w, "  meshctl take-received [--target <host:port>] --host <port>")
	fmt.Fprintln(w, "  meshctl keygen [--target <host:port>] --host <port>")
	fmt.Fprintln(w, "  meshctl restart [--target <host:port>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - --host selects a local host by listen port; 0 means every host")
	fmt.Fprintln(w, "  - messages --out writes the raw Arrow IPC stream")
}

// dialOptions is appended to every control connection.
var dialOptions []grpc.DialOption

type commonFlags struct {
	target  string
	host    uint
	timeout time.Duration
}

func (c *commonFlags) add(fs *flag.FlagSet) {
	fs.StringVar(&c.target, "target", config.DefaultControlAddress, "control service address")
	fs.UintVar(&c.host, "host", 0, "host listen port")
	fs.DurationVar(&c.timeout, "timeout", 5*time.Second, "per-call timeout")
}

func (c *commonFlags) dial() (*control.Client, error) {
	client, err := control.Dial(c.target, control.DialOptions{Timeout: c.timeout, Extra: dialOptions})
	if err != nil {
		return nil, err
	}
	client.Timeout = c.timeout
	return client, nil
}

func parse(name string, args []string, errOut io.Writer) (*flag.FlagSet, *commonFlags, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)
	return fs, &common, fs.Parse(args) == nil
}

func cmdStatus(args []string, out io.Writer, errOut io.Writer) int {
	_, common, ok := parse("status", args, errOut)
	if !ok {
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	hosts, err := client.Status(uint16(common.host))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, h := range hosts {
		fmt.Fprintf(out, "host #%d port=%d state=%s connected=%v linked=%d messages=%d received=%v\n",
			h.Index, h.Port, h.State, h.Connected, h.Linked, h.Messages, h.Received)
		if h.Fingerprint != "" {
			fmt.Fprintf(out, "  fingerprint %s\n", crypto.FormatFingerprint(h.Fingerprint))
		}
		if h.LastError != "" {
			fmt.Fprintf(out, "  last error: %s\n", h.LastError)
		}
		for _, p := range h.Peers {
			state := "down"
			if p.Connected {
				state = "up"
			}
			fmt.Fprintf(out, "  peer %s:%d %s\n", p.Address, p.Port, state)
		}
	}
	return 0
}

func cmdBroadcast(args []string, out io.Writer, errOut io.Writer) int {
	fs, common, ok := parse("broadcast", args, errOut)
	if !ok {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: meshctl broadcast [flags] <text>")
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	result, err := client.Broadcast(uint16(common.host), strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintf(out, "hosts=%d sent=%d skipped=%d failed=%d\n", result.Hosts, result.Sent, result.Skipped, result.Failed)
	if len(result.FailedHosts) > 0 {
		fmt.Fprintf(errOut, "broadcast failed on hosts %v\n", result.FailedHosts)
		return 1
	}
	return 0
}

func cmdMessages(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("messages", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.add(fs)
	outPath := fs.String("out", "", "write the Arrow IPC stream to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	if *outPath != "" {
		data, err := client.MessagesIPC(uint16(common.host))
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		fmt.Fprintf(out, "wrote %d bytes to %s\n", len(data), *outPath)
		return 0
	}

	messages, err := client.Messages(uint16(common.host))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	for _, m := range messages {
		fmt.Fprintf(out, "%s %s:%d %s\n", m.FormatTimestamp(), m.SenderAddress, m.SenderPort, m.Payload)
	}
	return 0
}

func cmdTakeReceived(args []string, out io.Writer, errOut io.Writer) int {
	_, common, ok := parse("take-received", args, errOut)
	if !ok {
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	received, err := client.TakeReceived(uint16(common.host))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintln(out, received)
	return 0
}

func cmdKeygen(args []string, out io.Writer, errOut io.Writer) int {
	_, common, ok := parse("keygen", args, errOut)
	if !ok {
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	key, err := client.GenerateKeypair(uint16(common.host))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintf(out, "fingerprint %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(key)))
	return 0
}

func cmdRestart(args []string, out io.Writer, errOut io.Writer) int {
	_, common, ok := parse("restart", args, errOut)
	if !ok {
		return 2
	}
	client, err := common.dial()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer client.Close()

	if err := client.Restart(); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintln(out, "restarted")
	return 0
}
