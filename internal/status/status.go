// Package status renders the `delegator status` overview.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/daemon"
	"github.com/msageha/delegator/internal/lock"
	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/store"
	"github.com/msageha/delegator/internal/uds"
	yamlutil "github.com/msageha/delegator/internal/yaml"
)

type Overview struct {
	Daemon   DaemonStatus         `json:"daemon"`
	Sessions SessionSummary       `json:"sessions"`
	Queue    QueueSummary         `json:"queue"`
	Recent   []model.SessionView  `json:"recent,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type SessionSummary struct {
	Running  int                  `json:"running"`
	Capacity int                  `json:"capacity"`
	ByStatus map[model.Status]int `json:"by_status"`
}

type QueueSummary struct {
	Length int `json:"length"`
}

const recentLimit = 5

// Run collects the overview and prints it to w. With a live daemon the numbers
// come over the socket; otherwise they are read from durable state.
func Run(stateDir string, cfg model.Config, w io.Writer, jsonOutput bool) error {
	ov, err := Collect(stateDir, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ov)
	}
	printOverview(w, ov)
	return nil
}

func Collect(stateDir string, cfg model.Config) (Overview, error) {
	cfg = cfg.WithDefaults()
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	var ping daemon.PingResult
	if err := client.Call("ping", nil, &ping); err == nil {
		return collectLive(client, ping)
	}

	ov := Overview{
		Daemon: DaemonStatus{PID: lock.ReadPID(filepath.Join(stateDir, "locks", daemon.LockFile))},
		Sessions: SessionSummary{
			Capacity: cfg.Sessions.MaxConcurrent,
			ByStatus: map[model.Status]int{},
		},
	}
	views, err := readStore(stateDir, cfg.Storage)
	if err != nil {
		return ov, err
	}
	ov.Sessions.ByStatus, ov.Recent = summarize(views)
	ov.Queue.Length = backlogLength(filepath.Join(stateDir, "queue.yaml"))
	return ov, nil
}

func collectLive(client *uds.Client, ping daemon.PingResult) (Overview, error) {
	ov := Overview{
		Daemon: DaemonStatus{Running: true, PID: ping.PID},
		Sessions: SessionSummary{
			Running:  ping.Running,
			Capacity: ping.Capacity,
		},
		Queue: QueueSummary{Length: ping.Queued},
	}
	var list daemon.ListResult
	if err := client.Call("list", daemon.ListParams{}, &list); err != nil {
		return ov, fmt.Errorf("list sessions: %w", err)
	}
	ov.Sessions.ByStatus, ov.Recent = summarize(list.Sessions)
	return ov, nil
}

// readStore reads every durable record while no daemon holds the state.
func readStore(stateDir string, cfg model.StorageConfig) ([]model.SessionView, error) {
	st, err := store.Open(stateDir, cfg, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ids, err := st.List()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	views := make([]model.SessionView, 0, len(ids))
	for _, id := range ids {
		rec, err := st.LoadStatus(id)
		if err != nil {
			continue
		}
		views = append(views, model.SessionView{
			SessionRecord: *rec,
			Indeterminate: !model.IsTerminal(rec.Status),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].SortTime().After(views[j].SortTime())
	})
	return views, nil
}

// summarize counts views by status and keeps the first few, which callers
// pass newest first.
func summarize(views []model.SessionView) (map[model.Status]int, []model.SessionView) {
	counts := map[model.Status]int{}
	for _, v := range views {
		counts[v.Status]++
	}
	if len(views) > recentLimit {
		views = views[:recentLimit]
	}
	return counts, views
}

func backlogLength(path string) int {
	var doc model.QueueBacklog
	if err := yamlutil.LoadDoc(path, model.FileTypeQueueBacklog, &doc); err != nil {
		return 0
	}
	return len(doc.Entries)
}

var statusOrder = []model.Status{
	model.StatusPending,
	model.StatusSpawning,
	model.StatusRunning,
	model.StatusCompleted,
	model.StatusFailed,
	model.StatusKilled,
	model.StatusTimeout,
}

func printOverview(w io.Writer, ov Overview) {
	switch {
	case ov.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", ov.Daemon.PID)
	case ov.Daemon.PID != 0:
		fmt.Fprintf(w, "Daemon: stopped (stale lock, pid %d)\n", ov.Daemon.PID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if ov.Daemon.Running {
		fmt.Fprintf(w, "\nSessions: %d/%d running\n", ov.Sessions.Running, ov.Sessions.Capacity)
	} else {
		fmt.Fprintf(w, "\nSessions: capacity %d\n", ov.Sessions.Capacity)
	}
	for _, s := range statusOrder {
		if n := ov.Sessions.ByStatus[s]; n > 0 {
			fmt.Fprintf(w, "  %-10s  %d\n", s, n)
		}
	}

	fmt.Fprintf(w, "\nQueue: %d waiting\n", ov.Queue.Length)

	if len(ov.Recent) > 0 {
		fmt.Fprintln(w, "\nRecent:")
		for _, v := range ov.Recent {
			marker := ""
			if v.Indeterminate {
				marker = " (indeterminate)"
			}
			fmt.Fprintf(w, "  %s  %-9s  %s%s\n", v.ID, v.Status, v.TaskSummary, marker)
		}
	}
}
