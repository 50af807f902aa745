package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/delegator/internal/daemon"
	"github.com/msageha/delegator/internal/follow"
	"github.com/msageha/delegator/internal/lifecycle"
	"github.com/msageha/delegator/internal/logging"
	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/setup"
	"github.com/msageha/delegator/internal/status"
	"github.com/msageha/delegator/internal/store"
	"github.com/msageha/delegator/internal/uds"
)

const version = "0.1.0"

const followInterval = 500 * time.Millisecond

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "output":
		runOutput(os.Args[2:])
	case "result":
		runResult(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "kill":
		runKill(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "up":
		runUp(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "version":
		fmt.Printf("delegator %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	logStderr := false
	for _, a := range args {
		switch a {
		case "--log-stderr":
			logStderr = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: delegator daemon [--log-stderr]\n", a)
			os.Exit(1)
		}
	}

	stateDir := mustStateDir()
	cfg := mustConfig(stateDir)

	var d *daemon.Daemon
	if logStderr {
		d = daemon.NewWithLogger(stateDir, cfg, logging.NewConsole(os.Stderr, cfg.Logging.Level))
	} else {
		var err error
		d, err = daemon.New(stateDir, cfg)
		if err != nil {
			fatalf("create daemon: %v", err)
		}
	}

	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runSetup(args []string) {
	var dir, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = flagValue(args, &i)
		default:
			if strings.HasPrefix(args[i], "--") || dir != "" {
				fmt.Fprintln(os.Stderr, "usage: delegator setup <project_dir> [--name <project>]")
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: delegator setup <project_dir> [--name <project>]")
		os.Exit(1)
	}
	if err := setup.Run(dir, name); err != nil {
		fatalf("setup: %v", err)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.StateDir, absDir)
}

func runSubmit(args []string) {
	const usage = "usage: delegator submit [--work-dir <dir>] [--project <id>] [--type <task_type>] [--no-queue] [--json] <prompt|->"
	var params daemon.SubmitParams
	var jsonOutput bool
	var words []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--work-dir":
			dir, err := filepath.Abs(flagValue(args, &i))
			if err != nil {
				fatalf("resolve --work-dir: %v", err)
			}
			params.WorkDir = dir
		case "--project":
			params.ProjectID = flagValue(args, &i)
		case "--type":
			params.TaskType = flagValue(args, &i)
		case "--no-queue":
			params.NoQueue = true
		case "--json":
			jsonOutput = true
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
				os.Exit(1)
			}
			words = append(words, args[i])
		}
	}
	if len(words) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params.Prompt = strings.Join(words, " ")
	if params.Prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("read prompt from stdin: %v", err)
		}
		params.Prompt = string(data)
	}
	if params.ProjectID == "" {
		if cfg, err := setup.LoadConfig(mustStateDir()); err == nil {
			params.ProjectID = cfg.Project.Name
		}
	}

	var res model.EnqueueResult
	call("submit", params, &res)
	if jsonOutput {
		printJSON(res)
		return
	}
	if res.Queued {
		fmt.Printf("queued %s (position %d)\n", res.QueueID, res.Position)
		return
	}
	fmt.Printf("started %s\n", res.SessionID)
}

func runStatus(args []string) {
	jsonOutput := false
	var id string
	for _, a := range args {
		switch {
		case a == "--json":
			jsonOutput = true
		case !strings.HasPrefix(a, "--") && id == "":
			id = a
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: delegator status [<session_id>] [--json]\n", a)
			os.Exit(1)
		}
	}

	stateDir := mustStateDir()
	if id == "" {
		if err := status.Run(stateDir, mustConfig(stateDir), os.Stdout, jsonOutput); err != nil {
			fatalf("status: %v", err)
		}
		return
	}

	var v model.SessionView
	call("status", daemon.SessionParams{SessionID: id}, &v)
	if jsonOutput {
		printJSON(v)
		return
	}
	printSession(v)
}

func runOutput(args []string) {
	followOutput := false
	var id string
	for _, a := range args {
		switch {
		case a == "--follow" || a == "-f":
			followOutput = true
		case !strings.HasPrefix(a, "-") && id == "":
			id = a
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: delegator output <session_id> [--follow]\n", a)
			os.Exit(1)
		}
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: delegator output <session_id> [--follow]")
		os.Exit(1)
	}

	if !followOutput {
		var out daemon.OutputResult
		call("output", daemon.SessionParams{SessionID: id}, &out)
		fmt.Print(out.Output)
		return
	}

	stateDir := mustStateDir()
	cfg := mustConfig(stateDir)
	client := newClient(stateDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.Storage.Driver == store.DriverFiles {
		// Make sure the session exists before watching its directory.
		var v model.SessionView
		call("status", daemon.SessionParams{SessionID: id}, &v)
		fs, ferr := store.NewFileStore(stateDir, logging.NewConsole(os.Stderr, "error"))
		if ferr != nil {
			fatalf("open store: %v", ferr)
		}
		err = follow.Tail(ctx, fs.OutputPath(id), os.Stdout, func() (bool, error) {
			var v model.SessionView
			if err := client.Call("status", daemon.SessionParams{SessionID: id}, &v); err != nil {
				return false, err
			}
			return model.IsTerminal(v.Status), nil
		}, followInterval)
	} else {
		err = follow.Poll(ctx, os.Stdout, func() (string, bool, error) {
			var out daemon.OutputResult
			if err := client.Call("output", daemon.SessionParams{SessionID: id}, &out); err != nil {
				return "", false, err
			}
			return out.Output, model.IsTerminal(out.Status), nil
		}, followInterval)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalf("follow: %v", err)
	}
}

func runResult(args []string) {
	wait, jsonOutput := false, false
	var id string
	for _, a := range args {
		switch {
		case a == "--wait":
			wait = true
		case a == "--json":
			jsonOutput = true
		case !strings.HasPrefix(a, "--") && id == "":
			id = a
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: delegator result <session_id> [--wait] [--json]\n", a)
			os.Exit(1)
		}
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: delegator result <session_id> [--wait] [--json]")
		os.Exit(1)
	}

	var res daemon.ResultResult
	for {
		call("result", daemon.SessionParams{SessionID: id}, &res)
		if res.Ready || !wait {
			break
		}
		time.Sleep(followInterval)
	}
	if jsonOutput {
		printJSON(res)
		return
	}
	if !res.Ready {
		fmt.Printf("%s has not finished yet\n", id)
		os.Exit(2)
	}
	r := res.Result
	fmt.Printf("Session: %s\nStatus:  %s\nExit:    %d\n", r.SessionID, r.Status, r.ExitCode)
	if r.Error != "" {
		fmt.Printf("Error:   %s\n", r.Error)
	}
	fmt.Printf("\n%s", r.Output)
	if !r.Success {
		os.Exit(1)
	}
}

func runList(args []string) {
	var params daemon.ListParams
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			s, err := model.ParseStatus(flagValue(args, &i))
			if err != nil {
				fatalf("%v", err)
			}
			params.Status = s
		case "--project":
			params.ProjectID = flagValue(args, &i)
		case "--limit":
			n, err := strconv.Atoi(flagValue(args, &i))
			if err != nil || n < 0 {
				fatalf("invalid --limit value: %s", args[i])
			}
			params.Limit = n
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: delegator list [--status <status>] [--project <id>] [--limit <n>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	var list daemon.ListResult
	call("list", params, &list)
	if jsonOutput {
		printJSON(list)
		return
	}
	if len(list.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	fmt.Printf("%-24s  %-9s  %-12s  %-20s  %s\n", "ID", "STATUS", "PROJECT", "STARTED", "TASK")
	for _, v := range list.Sessions {
		started := "-"
		if v.StartedAt != nil {
			started = v.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-24s  %-9s  %-12s  %-20s  %s\n", v.ID, v.Status, v.Task.ProjectID, started, v.TaskSummary)
	}
	if list.Total > len(list.Sessions) {
		fmt.Printf("(%d of %d shown)\n", len(list.Sessions), list.Total)
	}
}

func runKill(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: delegator kill <session_id>")
		os.Exit(1)
	}
	var res daemon.KillResult
	call("kill", daemon.SessionParams{SessionID: args[0]}, &res)
	if res.Killed {
		fmt.Printf("killed %s\n", res.SessionID)
		return
	}
	fmt.Printf("%s is not running\n", res.SessionID)
}

func runCleanup(_ []string) {
	var report struct {
		Removed []string `json:"removed"`
		Kept    int      `json:"kept"`
		Failed  int      `json:"failed"`
	}
	call("cleanup", nil, &report)
	fmt.Printf("removed %d, kept %d, failed %d\n", len(report.Removed), report.Kept, report.Failed)
}

func runQueue(args []string) {
	if len(args) == 0 || args[0] == "--json" {
		var qs model.QueueStatus
		call("queue_status", nil, &qs)
		if len(args) > 0 {
			printJSON(qs)
			return
		}
		if qs.Length == 0 {
			fmt.Println("queue is empty")
			return
		}
		for _, e := range qs.Entries {
			fmt.Printf("%3d  %s  %-12s  %s\n", e.Position, e.QueueID, e.ProjectID, e.Preview)
		}
		return
	}
	switch args[0] {
	case "cancel":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: delegator queue cancel <queue_id>")
			os.Exit(1)
		}
		call("queue_cancel", daemon.QueueCancelParams{QueueID: args[1]}, nil)
		fmt.Printf("cancelled %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: delegator queue [--json] | delegator queue cancel <queue_id>")
		os.Exit(1)
	}
}

func runUp(_ []string) {
	stateDir := mustStateDir()
	execPath, err := os.Executable()
	if err != nil {
		execPath = "delegator"
	}
	err = lifecycle.Up(stateDir, []string{execPath, "daemon"}, 10*time.Second)
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
		fmt.Println("Daemon is already running.")
		return
	}
	if err != nil {
		fatalf("up: %v", err)
	}
	fmt.Println("Daemon is up.")
}

func runDown(_ []string) {
	stateDir := mustStateDir()
	cfg := mustConfig(stateDir)
	timeout := time.Duration(cfg.Daemon.ShutdownTimeoutSec)*time.Second + 10*time.Second
	running, err := lifecycle.Down(stateDir, timeout)
	if err != nil {
		fatalf("down: %v", err)
	}
	if !running {
		fmt.Println("Daemon is not running.")
		return
	}
	fmt.Println("Daemon stopped.")
}

func printSession(v model.SessionView) {
	fmt.Printf("Session: %s\n", v.ID)
	fmt.Printf("Status:  %s", v.Status)
	if v.Indeterminate {
		fmt.Print(" (indeterminate: no live process)")
	}
	fmt.Println()
	if v.Task.ProjectID != "" {
		fmt.Printf("Project: %s\n", v.Task.ProjectID)
	}
	fmt.Printf("Task:    %s\n", v.TaskSummary)
	fmt.Printf("Created: %s\n", v.CreatedAt.Local().Format(time.RFC3339))
	if v.StartedAt != nil {
		fmt.Printf("Started: %s\n", v.StartedAt.Local().Format(time.RFC3339))
	}
	if v.CompletedAt != nil {
		fmt.Printf("Ended:   %s\n", v.CompletedAt.Local().Format(time.RFC3339))
	}
	if v.PID != 0 {
		fmt.Printf("PID:     %d\n", v.PID)
	}
	if v.ExitCode != nil {
		fmt.Printf("Exit:    %d\n", *v.ExitCode)
	}
	if v.Error != "" {
		fmt.Printf("Error:   %s\n", v.Error)
	}
}

// call sends command to the daemon and exits on any failure.
func call(command string, params, out any) {
	if err := newClient(mustStateDir()).Call(command, params, out); err != nil {
		fatalf("%s: %v", command, err)
	}
}

func newClient(stateDir string) *uds.Client {
	return uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
}

func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fatalf("%s requires a value", args[*i])
	}
	*i++
	return args[*i]
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode json: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// mustStateDir searches for .delegator/ in the current directory and ancestors.
func mustStateDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatalf("getwd: %v", err)
	}
	dir := setup.Find(wd)
	if dir == "" {
		fatalf("%s/ directory not found. Run 'delegator setup <dir>' first.", setup.StateDir)
	}
	return dir
}

func mustConfig(stateDir string) model.Config {
	cfg, err := setup.LoadConfig(stateDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `delegator %s - background task delegation

Usage: delegator <command> [options]

Project:
  setup <dir> [--name <project>]   Initialize .delegator/ directory
  up                               Start the daemon in the background
  down                             Stop the daemon (running workers are killed)
  daemon [--log-stderr]            Run the daemon in the foreground
  status [--json]                  Daemon, capacity and queue overview

Sessions:
  submit [flags] <prompt|->        Delegate a task (queued when at capacity)
  status <session_id> [--json]     Show one session
  output <session_id> [--follow]   Print captured worker output
  result <session_id> [--wait]     Print the final result
  list [--status s] [--project p]  List sessions, newest first
  kill <session_id>                Stop a running session
  cleanup                          Remove finished sessions past retention

Queue:
  queue [--json]                   Show waiting tasks
  queue cancel <queue_id>          Drop a waiting task

Utilities:
  version                          Show version
  help                             Show this help

`, version)
}
