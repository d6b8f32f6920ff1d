// Package main implements meshctl, the operator CLI for a meshcdn mesh.
//
// Commands:
//
//	meshctl -nodes node1:5000,node2:5000,node3:5000 status
//	meshctl -nodes node1:5000 ls
//	meshctl -nodes node1:5000 put https://example.com/wine.jpg [name]
//	meshctl -nodes node1:5000 sync
//
// status queries every listed node and reports whether they agree on a
// master. The other commands talk to the first listed node. MESH_NODES is
// used when -nodes is not given.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meshcdn/internal/cluster"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args and executes one command, returning the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("meshctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nodesFlag := fs.String("nodes", os.Getenv("MESH_NODES"), "comma separated node addresses")
	timeout := fs.Duration("timeout", 30*time.Second, "overall request timeout")
	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	nodes := parseNodes(*nodesFlag)
	if len(nodes) == 0 || fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "status":
		err = handleStatus(ctx, stdout, nodes)
	case "ls":
		err = handleList(ctx, stdout, nodes[0])
	case "put":
		if len(rest) < 1 || len(rest) > 2 {
			fmt.Fprintf(stderr, "%s usage: put %s %s\n", color.RedString("Error:"), color.CyanString("<url>"), color.CyanString("[name]"))
			return 2
		}
		name := ""
		if len(rest) == 2 {
			name = rest[1]
		}
		err = handlePut(ctx, stdout, nodes[0], rest[0], name)
	case "sync":
		err = handleSync(ctx, stdout, nodes[0])
	default:
		fmt.Fprintf(stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(cmd))
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s %s\n", color.RedString("Error:"), err)
		return 1
	}
	return 0
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: meshctl [flags] <command> [args]\n\nFlags:\n")
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nCommands:\n")
	fmt.Fprintf(w, "  %s\n", color.GreenString("status"))
	fmt.Fprintf(w, "  %s\n", color.GreenString("ls"))
	fmt.Fprintf(w, "  %s %s %s\n", color.GreenString("put"), color.CyanString("<url>"), color.CyanString("[name]"))
	fmt.Fprintf(w, "  %s\n", color.GreenString("sync"))
}

func parseNodes(v string) []cluster.NodeAddress {
	var out []cluster.NodeAddress
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, cluster.NodeAddress(p)) {
			out = append(out, cluster.NodeAddress(p))
		}
	}
	return out
}

type nodeStatus struct {
	err error
	st  cluster.StatusResponse
}

// collectStatus queries every node concurrently. Failures are kept per node.
func collectStatus(ctx context.Context, nodes []cluster.NodeAddress) []nodeStatus {
	out := make([]nodeStatus, len(nodes))
	var g errgroup.Group
	for i, addr := range nodes {
		g.Go(func() error {
			out[i].err = cluster.GetJSON(ctx, addr.URL("status"), &out[i].st)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func handleStatus(ctx context.Context, w io.Writer, nodes []cluster.NodeAddress) error {
	results := collectStatus(ctx, nodes)

	masters := make(map[cluster.NodeAddress]int)
	reachable := 0
	for i, addr := range nodes {
		r := results[i]
		if r.err != nil {
			fmt.Fprintf(w, "%s %s\n", color.CyanString(string(addr)), color.RedString("unreachable: %v", r.err))
			continue
		}
		reachable++
		masters[r.st.Master]++

		role := string(r.st.Role)
		switch r.st.Role {
		case cluster.RoleMaster:
			role = color.HiGreenString(role)
		case cluster.RoleSlave:
			role = color.GreenString(role)
		default:
			role = color.YellowString(orDash(role))
		}
		fmt.Fprintf(w, "%s role=%s master=%s seed=%d files=%d",
			color.CyanString(string(addr)), role, orDash(string(r.st.Master)), r.st.Seed, r.st.Files)
		if len(r.st.Slaves) > 0 {
			slaves := make([]string, 0, len(r.st.Slaves))
			for s := range r.st.Slaves {
				slaves = append(slaves, string(s))
			}
			slices.Sort(slaves)
			fmt.Fprintf(w, " slaves=%s", strings.Join(slaves, ","))
		}
		fmt.Fprintln(w)
	}

	switch {
	case reachable == 0:
		return fmt.Errorf("no node reachable")
	case len(masters) == 1:
		for m := range masters {
			if m == "" {
				color.New(color.FgHiYellow).Fprintln(w, "no master elected yet")
			} else {
				color.New(color.FgHiGreen).Fprintf(w, "converged on %s\n", m)
			}
		}
	default:
		color.New(color.FgHiYellow).Fprintf(w, "split view: %d distinct masters\n", len(masters))
	}
	return nil
}

func handleList(ctx context.Context, w io.Writer, node cluster.NodeAddress) error {
	var resp cluster.FilesResponse
	if err := cluster.GetJSON(ctx, node.URL("files"), &resp); err != nil {
		return err
	}
	if len(resp.Files) == 0 {
		color.New(color.FgHiYellow).Fprintln(w, "No files found.")
		return nil
	}
	for _, f := range resp.Files {
		fmt.Fprintln(w, f)
	}
	return nil
}

func handlePut(ctx context.Context, w io.Writer, node cluster.NodeAddress, rawURL, name string) error {
	form := url.Values{"url": {rawURL}}
	if name != "" {
		form.Set("name", name)
	}
	var resp cluster.MessageResponse
	if err := cluster.PostForm(ctx, node.URL("files"), form, &resp); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", color.HiGreenString("OK"), color.CyanString(resp.Filename))
	return nil
}

func handleSync(ctx context.Context, w io.Writer, node cluster.NodeAddress) error {
	var resp cluster.SyncResponse
	if err := cluster.GetJSON(ctx, node.URL("sync"), &resp); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s synced=%d\n", color.HiGreenString(resp.Status), resp.Synced)

	failed := make([]string, 0, len(resp.Failed))
	for addr := range resp.Failed {
		failed = append(failed, string(addr))
	}
	slices.Sort(failed)
	for _, addr := range failed {
		fmt.Fprintf(w, "  %s %s\n", color.RedString(addr), resp.Failed[cluster.NodeAddress(addr)])
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
