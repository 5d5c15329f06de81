// Command pushctl is the operator CLI for pushd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/SuicidePanda1738/kismet-webui/internal/api"
	"github.com/SuicidePanda1738/kismet-webui/internal/inventory"
	"github.com/SuicidePanda1738/kismet-webui/internal/supervisor"
)

const usage = `usage: pushctl [--addr host:port] [--json] <command> [args]

commands:
  status                 list agents and their liveness
  start <name>           start an agent
  stop <name>            stop an agent
  reconcile              run one reconcile pass now
  cleanup                prune dead liveness records and stale artifacts
  devices [--type T]     list wifi, bluetooth and sdr hardware
  logs <name>            show the tail of an agent's output log
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("pushctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	addr := fs.String("addr", envOr("PUSHD_ADDR", "127.0.0.1:8095"), "pushd control API address")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	timeout := fs.Duration("timeout", 90*time.Second, "Request timeout")
	fs.SetInterspersed(false)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	c := api.NewClient(*addr)
	out := printer{w: stdout, json: *asJSON}

	var err error
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "status":
		var st api.StatusResponse
		if st, err = c.Status(ctx); err == nil {
			out.status(st)
		}
	case "start", "stop":
		if len(cmdArgs) != 1 {
			fmt.Fprintf(stderr, "pushctl %s: exactly one agent name required\n", cmd)
			return 2
		}
		if cmd == "start" {
			err = c.Start(ctx, cmdArgs[0])
		} else {
			err = c.Stop(ctx, cmdArgs[0])
		}
		if err == nil {
			fmt.Fprintf(stdout, "%s: %s ok\n", cmdArgs[0], cmd)
		}
	case "reconcile":
		var rep supervisor.Report
		if rep, err = c.Reconcile(ctx); err == nil {
			out.report(rep)
		}
	case "cleanup":
		var rep supervisor.CleanupReport
		if rep, err = c.Cleanup(ctx); err == nil {
			out.cleanup(rep)
		}
	case "devices":
		err = devices(ctx, c, cmdArgs, out, stderr)
	case "logs":
		lfs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
		lfs.SetOutput(stderr)
		tail := lfs.Int("tail", 200, "Number of lines")
		if err := lfs.Parse(cmdArgs); err != nil || lfs.NArg() != 1 {
			fmt.Fprintln(stderr, "pushctl logs: exactly one agent name required")
			return 2
		}
		var logs api.LogsResponse
		if logs, err = c.Logs(ctx, lfs.Arg(0), *tail); err == nil {
			out.logs(logs)
		}
	default:
		fmt.Fprintf(stderr, "pushctl: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "pushctl: %v\n", err)
		return 1
	}
	return 0
}

func devices(ctx context.Context, c *api.Client, args []string, out printer, stderr io.Writer) error {
	dfs := pflag.NewFlagSet("devices", pflag.ContinueOnError)
	dfs.SetOutput(stderr)
	class := dfs.StringP("type", "t", "", "Only this class: wifi, bluetooth or sdr")
	local := dfs.Bool("local", false, "Enumerate on this host without pushd")
	if err := dfs.Parse(args); err != nil {
		return err
	}

	var res inventory.Result
	if *local {
		var classes []inventory.Class
		if *class != "" {
			cl, err := inventory.ParseClass(*class)
			if err != nil {
				return err
			}
			classes = append(classes, cl)
		}
		res = inventory.New(zerolog.Nop()).Enumerate(ctx, classes...)
	} else {
		var err error
		if res, err = c.Devices(ctx, *class); err != nil {
			return err
		}
	}
	out.devices(res)
	return nil
}

type printer struct {
	w    io.Writer
	json bool
}

func (p printer) raw(v any) bool {
	if !p.json {
		return false
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}

func (p printer) status(st api.StatusResponse) {
	if p.raw(st) {
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tUP\tRESTARTS\tNOTE")
	for _, a := range st.Agents {
		state := string(a.State)
		if state == "" {
			state = "-"
		}
		if a.Degraded {
			state += " (degraded)"
		}
		if !a.Enabled && a.Configured {
			state += " [disabled]"
		}
		pid, up := "-", "-"
		if a.PID > 0 {
			pid = fmt.Sprint(a.PID)
		}
		if !a.StartedAt.IsZero() && a.State.Live() {
			up = humanize.RelTime(a.StartedAt, st.Time, "", "")
		}
		note := a.LastError
		switch {
		case a.ConfigError != "":
			note = a.ConfigError
		case !a.Configured:
			note = "not configured"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", a.Name, state, pid, strings.TrimSpace(up), a.Restarts, note)
	}
	_ = tw.Flush()
}

func (p printer) report(rep supervisor.Report) {
	if p.raw(rep) {
		return
	}
	line := func(label string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(p.w, "%s: %s\n", label, strings.Join(names, ", "))
		}
	}
	line("started", rep.Started)
	line("stopped", rep.Stopped)
	line("crashed", rep.Crashed)
	for _, kv := range sortedPairs(rep.Skipped) {
		fmt.Fprintf(p.w, "skipped %s: %s\n", kv[0], kv[1])
	}
	for _, kv := range sortedPairs(rep.Errors) {
		fmt.Fprintf(p.w, "error %s: %s\n", kv[0], kv[1])
	}
	if len(rep.Started)+len(rep.Stopped)+len(rep.Crashed)+len(rep.Skipped)+len(rep.Errors) == 0 {
		fmt.Fprintln(p.w, "nothing to do")
	}
}

func (p printer) cleanup(rep supervisor.CleanupReport) {
	if p.raw(rep) {
		return
	}
	fmt.Fprintf(p.w, "pruned %s, removed %s\n",
		humanize.Comma(int64(len(rep.Pruned)))+" "+plural(len(rep.Pruned), "record"),
		humanize.Comma(int64(len(rep.RemovedArtifacts)))+" "+plural(len(rep.RemovedArtifacts), "file"))
	for _, n := range rep.Pruned {
		fmt.Fprintf(p.w, "  record %s\n", n)
	}
	for _, f := range rep.RemovedArtifacts {
		fmt.Fprintf(p.w, "  file %s\n", f)
	}
}

func (p printer) devices(res inventory.Result) {
	if p.raw(res) {
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tINTERFACE\tNAME\tDETAIL")
	for _, d := range res.Devices {
		detail := d.Address
		switch d.Class {
		case inventory.ClassWiFi:
			detail = strings.TrimSpace(d.Mode + " " + d.Frequency)
		case inventory.ClassSDR:
			detail = "SN " + d.Serial
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Class, d.Interface, d.Name, detail)
	}
	_ = tw.Flush()
	for _, c := range res.Classes {
		if !c.OK {
			fmt.Fprintf(p.w, "warning: %s: %s\n", c.Class, c.Error)
		}
	}
}

func (p printer) logs(l api.LogsResponse) {
	if p.raw(l) {
		return
	}
	for _, line := range l.Lines {
		fmt.Fprintln(p.w, line)
	}
}

func sortedPairs(m map[string]string) [][2]string {
	out := make([][2]string, 0, len(m))
	for k, v := range m {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
