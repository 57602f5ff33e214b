// meshctl is the operator command-line front end: it starts and stops agent
// processes, wires the peer graph, and surfaces health, metrics, events, and
// chat transcripts.
//
// Exit codes: 0 success, 1 operator error, 2 agent failure, 3 transport
// error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/supervisor"
)

const (
	exitOK        = 0
	exitOperator  = 1
	exitAgent     = 2
	exitTransport = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitOperator)
	}

	switch os.Args[1] {
	case "start":
		handleStart(os.Args[2:])
	case "stop":
		handleStopRestart(os.Args[2:], false)
	case "restart":
		handleStopRestart(os.Args[2:], true)
	case "status":
		handleStatus(os.Args[2:])
	case "connect":
		handleConnect(os.Args[2:])
	case "disconnect":
		handleDisconnect(os.Args[2:])
	case "health":
		handleHealth(os.Args[2:])
	case "metrics":
		handleMetrics(os.Args[2:])
	case "chat":
		handleChat(os.Args[2:])
	case "logs":
		handleLogs(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(exitOperator)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: meshctl <command> [options]

Commands:
  start -f <file>...          Start agents declared in descriptor file(s)
  stop [name...]              Gracefully stop agents (all when no names given)
  restart [name...]           Stop then start agents
  status                      List known agents
  connect <from> <to> [-b]    Establish a directed (or bidirectional) peer link
  disconnect <from> <to>      Remove a directed peer link
  health <name>               Query an agent's health
  metrics <name> [-f fmt]     Query an agent's metrics (json or prometheus)
  chat <name> [-v] [-i] [msg] Send a message to an agent
  logs <name> [-f]            Print (or follow) an agent's log file

Common options (per command):
  -runtime-dir <dir>          Override the runtime directory
`)
}

// defaultRuntimeDir mirrors the supervisor's default so every subcommand
// resolves the same sockets and registry file.
func defaultRuntimeDir() string {
	return filepath.Join(os.TempDir(), "agentmesh")
}

// openSupervisor loads the registry and builds a supervisor for CLI use.
func openSupervisor(runtimeDir, agentBinary string) (*supervisor.Supervisor, *registry.Registry) {
	reg, err := registry.Open(filepath.Join(runtimeDir, "registry.json"))
	if err != nil {
		fail(exitTransport, "open registry: %v", err)
	}
	sup := supervisor.New(reg, supervisor.Config{RuntimeDir: runtimeDir, AgentBinary: agentBinary})
	return sup, reg
}

func fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "meshctl: "+format+"\n", args...)
	os.Exit(code)
}

// classify maps an error onto an exit code: unknown names and collisions are
// operator errors, everything else is a transport error.
func classify(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "unknown agent") || strings.Contains(msg, "already exists") || strings.Contains(msg, "already running") {
		return exitOperator
	}
	return exitTransport
}

func handleStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	agentBinary := fs.String("agent-binary", "", "path to the meshagent binary")
	var files stringList
	fs.Var(&files, "f", "descriptor file (repeatable)")
	_ = fs.Parse(args)

	if len(files) == 0 && fs.NArg() > 0 {
		files = fs.Args()
	}
	if len(files) == 0 {
		fail(exitOperator, "start requires at least one descriptor file (-f)")
	}

	sup, _ := openSupervisor(*runtimeDir, *agentBinary)
	for _, path := range files {
		descs, err := descriptor.Load(path)
		if err != nil {
			fail(exitOperator, "%v", err)
		}
		for _, d := range descs {
			if err := sup.Add(d); err != nil {
				fail(classify(err), "%v", err)
			}
		}
	}

	if err := sup.StartAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		printStatusTable(sup.Status())
		os.Exit(exitAgent)
	}
	printStatusTable(sup.Status())
}

func handleStopRestart(args []string, restart bool) {
	verb := "stop"
	if restart {
		verb = "restart"
	}
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	agentBinary := fs.String("agent-binary", "", "path to the meshagent binary")
	_ = fs.Parse(args)

	sup, reg := openSupervisor(*runtimeDir, *agentBinary)
	names := fs.Args()
	if len(names) == 0 {
		for _, rec := range reg.All() {
			names = append(names, rec.Name)
		}
	}

	ctx := context.Background()
	code := exitOK
	for _, name := range names {
		var err error
		if restart {
			err = sup.Restart(ctx, name)
		} else {
			err = sup.Stop(ctx, name)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshctl: %s %s: %v\n", verb, name, err)
			if c := classify(err); c > code {
				code = c
			}
		} else if restart {
			fmt.Printf("%s: restarted\n", name)
		} else {
			fmt.Printf("%s: stopped\n", name)
		}
	}
	os.Exit(code)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	_ = fs.Parse(args)

	_, reg := openSupervisor(*runtimeDir, "")
	printStatusTable(reg.All())
}

func handleConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	bidirectional := fs.Bool("b", false, "connect in both directions")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		fail(exitOperator, "connect requires exactly two agent names")
	}
	from, to := fs.Arg(0), fs.Arg(1)

	sup, _ := openSupervisor(*runtimeDir, "")
	if err := sup.Connect(context.Background(), from, to, *bidirectional); err != nil {
		fail(classify(err), "%v", err)
	}
	if *bidirectional {
		fmt.Printf("connected %s <-> %s\n", from, to)
	} else {
		fmt.Printf("connected %s -> %s\n", from, to)
	}
}

func handleDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		fail(exitOperator, "disconnect requires exactly two agent names")
	}
	from, to := fs.Arg(0), fs.Arg(1)

	sup, _ := openSupervisor(*runtimeDir, "")
	if err := sup.Disconnect(context.Background(), from, to); err != nil {
		fail(classify(err), "%v", err)
	}
	fmt.Printf("disconnected %s -> %s\n", from, to)
}

func handleHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fail(exitOperator, "health requires exactly one agent name")
	}

	sup, _ := openSupervisor(*runtimeDir, "")
	resp, err := sup.Health(context.Background(), fs.Arg(0))
	if err != nil {
		fail(classify(err), "%v", err)
	}
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

func handleMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	format := fs.String("f", "json", "output format: json or prometheus")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fail(exitOperator, "metrics requires exactly one agent name")
	}
	if *format != "json" && *format != "prometheus" {
		fail(exitOperator, "invalid format %q", *format)
	}

	sup, _ := openSupervisor(*runtimeDir, "")
	resp, err := sup.Metrics(context.Background(), fs.Arg(0), *format)
	if err != nil {
		fail(classify(err), "%v", err)
	}
	if resp.Error != "" {
		fail(exitAgent, "%s", resp.Error)
	}

	if *format == "prometheus" {
		// The prometheus exposition text rides the wire as a JSON string.
		var text string
		if err := json.Unmarshal(resp.Metrics, &text); err == nil {
			fmt.Print(text)
			return
		}
	}
	var pretty map[string]any
	if err := json.Unmarshal(resp.Metrics, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(resp.Metrics))
}

func handleLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	runtimeDir := fs.String("runtime-dir", defaultRuntimeDir(), "runtime directory")
	follow := fs.Bool("f", false, "follow appended output")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fail(exitOperator, "logs requires exactly one agent name")
	}

	if err := tailFile(supervisor.LogPath(*runtimeDir, fs.Arg(0)), *follow); err != nil {
		fail(exitOperator, "%v", err)
	}
}

// stringList implements flag.Value for repeatable -f flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
