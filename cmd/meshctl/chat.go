package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"

	"agentmesh/pkg/control"
	"agentmesh/pkg/eventbus"
)

// ANSI colors for the verbose transcript; suppressed when stdout is not a
// terminal.
const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

// errChatDone stops the control stream once the final response line arrives.
var errChatDone = errors.New("chat done")

func handleChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	verbose := fs.Bool("v", false, "print the event transcript, including inter-agent hops")
	interactive := fs.Bool("i", false, "keep reading messages from stdin")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fail(exitOperator, "chat requires an agent name")
	}
	name := fs.Arg(0)
	message := strings.Join(fs.Args()[1:], " ")

	_, reg := openSupervisor(*runtimeDir, "")
	rec, ok := reg.Get(name)
	if !ok {
		fail(exitOperator, "unknown agent %q", name)
	}

	client := control.NewClient(rec.ControlSocketPath)
	colored := term.IsTerminal(int(os.Stdout.Fd()))
	correlationID := uuid.NewString()

	if message != "" {
		if err := chatOnce(client, message, correlationID, *verbose, colored); err != nil {
			fail(exitTransport, "%v", err)
		}
	} else if !*interactive {
		fail(exitOperator, "chat requires a message or -i")
	}

	if *interactive {
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := chatOnce(client, line, correlationID, *verbose, colored); err != nil {
				fail(exitTransport, "%v", err)
			}
		}
	}
}

// chatOnce sends one chat request and consumes the streamed reply: event
// lines (printed when verbose) followed by a final status line.
func chatOnce(client *control.Client, message, correlationID string, verbose, colored bool) error {
	req := control.Request{Cmd: control.CmdChat, Message: message, CorrelationID: correlationID}

	var final control.Response
	err := client.Stream(context.Background(), req, func(line []byte) error {
		var probe struct {
			Kind   string `json:"kind"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil
		}

		if probe.Kind != "" {
			if verbose {
				var ev eventbus.Event
				if json.Unmarshal(line, &ev) == nil {
					printEvent(ev, colored)
				}
			}
			return nil
		}

		if err := json.Unmarshal(line, &final); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return errChatDone
	})
	if err != nil && !errors.Is(err, errChatDone) {
		return err
	}

	if final.Error != "" {
		return fmt.Errorf("agent error: %s", final.Error)
	}
	if colored {
		fmt.Printf("%s%s%s\n", colorGreen, final.Response, colorReset)
	} else {
		fmt.Println(final.Response)
	}
	return nil
}

// printEvent renders one transcript line; inter-agent hops get their own
// color so a multi-agent exchange reads as a conversation.
func printEvent(ev eventbus.Event, colored bool) {
	var color, text string
	switch ev.Kind {
	case eventbus.KindToolCallStarted:
		color, text = colorYellow, fmt.Sprintf("tool call: %v", ev.Payload["tool"])
	case eventbus.KindToolCallFinished:
		color, text = colorDim, fmt.Sprintf("tool done: %v", ev.Payload["tool"])
	case eventbus.KindPeerMessageSent:
		color, text = colorCyan, fmt.Sprintf("-> %s: %v", ev.Peer, ev.Payload["message"])
	case eventbus.KindPeerMessageReceived:
		color, text = colorCyan, fmt.Sprintf("<- %s: %v", ev.Peer, ev.Payload["message"])
	case eventbus.KindError:
		color, text = colorRed, fmt.Sprintf("error: %v", ev.Payload["error"])
	case eventbus.KindTurnStarted, eventbus.KindTurnFinished, eventbus.KindTurnCapped,
		eventbus.KindModelRequest, eventbus.KindModelResponse:
		color, text = colorDim, string(ev.Kind)
	default:
		color, text = colorDim, string(ev.Kind)
	}

	if colored {
		fmt.Printf("%s[%s]%s %s%s%s\n", colorDim, ev.Timestamp.Format("15:04:05"), colorReset, color, text, colorReset)
	} else {
		fmt.Printf("[%s] %s\n", ev.Timestamp.Format("15:04:05"), text)
	}
}
