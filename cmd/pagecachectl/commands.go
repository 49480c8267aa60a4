package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"pagecache"
)

var cmdRead = &subcommands.Command{
	UsageLine: "read [options] <path>",
	ShortDesc: "reads a file or a byte range of it",
	LongDesc:  "Reads pages of the file from the cluster and writes the bytes to stdout or -o. A negative -length reads to the end of the file.",
	CommandRun: func() subcommands.CommandRun {
		r := &readRun{}
		r.registerFlags()
		r.Flags.Int64Var(&r.offset, "offset", 0, "First byte to read.")
		r.Flags.Int64Var(&r.length, "length", -1, "Number of bytes to read.")
		r.Flags.StringVar(&r.output, "o", "", "Output file. Defaults to stdout.")
		return r
	},
}

type readRun struct {
	commonFlags
	offset int64
	length int64
	output string
}

func (r *readRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		start := time.Now()
		data, err := client.ReadRange(ctx, path, r.offset, r.length)
		if err != nil {
			return err
		}

		out := a.GetOut()
		if r.output != "" {
			f, err := os.Create(r.output)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		if r.output != "" {
			fmt.Fprintf(a.GetErr(), "read %s in %s\n", humanize.IBytes(uint64(len(data))), time.Since(start).Round(time.Millisecond))
		}
		return nil
	})
}

var cmdWrite = &subcommands.Command{
	UsageLine: "write [options] <path>",
	ShortDesc: "caches data as the pages of a file",
	LongDesc:  "Splits stdin or -i into pages and writes each page to its primary worker.",
	CommandRun: func() subcommands.CommandRun {
		r := &writeRun{}
		r.registerFlags()
		r.Flags.StringVar(&r.input, "i", "", "Input file. Defaults to stdin.")
		return r
	},
}

type writeRun struct {
	commonFlags
	input string
}

func (r *writeRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		var in io.Reader = os.Stdin
		if r.input != "" {
			f, err := os.Open(r.input)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		if err := client.Write(ctx, path, data); err != nil {
			return err
		}
		pages := (int64(len(data)) + client.PageSize() - 1) / client.PageSize()
		fmt.Fprintf(a.GetOut(), "wrote %s in %d pages\n", humanize.IBytes(uint64(len(data))), pages)
		return nil
	})
}

var cmdStat = &subcommands.Command{
	UsageLine: "stat [options] <path>",
	ShortDesc: "prints the status of a file",
	CommandRun: func() subcommands.CommandRun {
		r := &statRun{}
		r.registerFlags()
		return r
	},
}

type statRun struct {
	commonFlags
}

func (r *statRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		st, err := client.GetFileStatus(ctx, path)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.GetOut(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "path\t%s\n", st.Path)
		fmt.Fprintf(w, "ufs path\t%s\n", st.UfsPath)
		fmt.Fprintf(w, "type\t%s\n", st.Type)
		fmt.Fprintf(w, "length\t%s (%d bytes)\n", humanize.IBytes(uint64(st.Length)), st.Length)
		if st.LastModificationTimeMs > 0 {
			fmt.Fprintf(w, "modified\t%s\n", time.UnixMilli(st.LastModificationTimeMs).UTC().Format(time.RFC3339))
		}
		return w.Flush()
	})
}

var cmdList = &subcommands.Command{
	UsageLine: "ls [options] <path>",
	ShortDesc: "lists a directory",
	CommandRun: func() subcommands.CommandRun {
		r := &listRun{}
		r.registerFlags()
		return r
	},
}

type listRun struct {
	commonFlags
}

func (r *listRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		entries, err := client.ListDir(ctx, path)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.GetOut(), 0, 4, 2, ' ', 0)
		for _, e := range entries {
			size := humanize.IBytes(uint64(e.Length))
			if e.IsDir() {
				size = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Type, size, e.Name)
		}
		return w.Flush()
	})
}

var cmdLoad = &subcommands.Command{
	UsageLine: "load [options] <path>",
	ShortDesc: "asks the cluster to preload a file",
	LongDesc:  "Submits a load job to the primary worker of the path. With -wait, polls until the job finishes.",
	CommandRun: func() subcommands.CommandRun {
		r := &loadRun{}
		r.registerFlags()
		r.Flags.BoolVar(&r.wait, "wait", false, "Wait for the job to finish.")
		r.Flags.DurationVar(&r.interval, "interval", pagecache.DefaultLoadPollInterval, "Progress poll interval with -wait.")
		return r
	},
}

type loadRun struct {
	commonFlags
	wait     bool
	interval time.Duration
}

func (r *loadRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		if r.wait {
			if err := client.LoadAndWait(ctx, path, r.interval); err != nil {
				return err
			}
			fmt.Fprintf(a.GetOut(), "%s loaded\n", path)
			return nil
		}
		task, err := client.Load(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.GetOut(), "submitted load of %s to %s (task %s)\n", path, task.Worker, task.ID)
		return nil
	})
}

var cmdProgress = &subcommands.Command{
	UsageLine: "progress [options] <path>",
	ShortDesc: "prints the state of a load job",
	CommandRun: func() subcommands.CommandRun {
		r := &progressRun{}
		r.registerFlags()
		return r
	},
}

type progressRun struct {
	commonFlags
}

func (r *progressRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		p, err := client.LoadProgress(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.GetOut(), "%s %.1f%%\n", p.State, p.Percentage)
		return nil
	})
}

var cmdStop = &subcommands.Command{
	UsageLine: "stop [options] <path>",
	ShortDesc: "cancels a load job",
	CommandRun: func() subcommands.CommandRun {
		r := &stopRun{}
		r.registerFlags()
		return r
	},
}

type stopRun struct {
	commonFlags
}

func (r *stopRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		stopped, err := client.StopLoad(ctx, path)
		if err != nil {
			return err
		}
		if !stopped {
			return fmt.Errorf("worker refused to stop the load of %s", path)
		}
		fmt.Fprintf(a.GetOut(), "stopped load of %s\n", path)
		return nil
	})
}

var cmdStatus = &subcommands.Command{
	UsageLine: "status [options]",
	ShortDesc: "prints the cluster membership",
	CommandRun: func() subcommands.CommandRun {
		r := &statusRun{}
		r.registerFlags()
		return r
	},
}

type statusRun struct {
	commonFlags
}

func (r *statusRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		st := client.MembershipStatus()
		workers, err := client.Workers()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.GetOut(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ring version\t%d\n", st.Version)
		fmt.Fprintf(w, "dynamic\t%t\n", st.Dynamic)
		fmt.Fprintf(w, "page size\t%s\n", humanize.IBytes(uint64(client.PageSize())))
		if !st.LastRefresh.IsZero() {
			fmt.Fprintf(w, "last refresh\t%s\n", humanize.Time(st.LastRefresh))
		}
		if st.LastError != nil {
			fmt.Fprintf(w, "last error\t%s (%d consecutive)\n", st.LastError, st.ConsecutiveFailures)
		}
		fmt.Fprintf(w, "workers\t%d\n", len(workers))
		for _, wk := range workers {
			fmt.Fprintf(w, "\t%s\n", wk)
		}
		return w.Flush()
	})
}

var cmdRing = &subcommands.Command{
	UsageLine: "ring [options] <path>",
	ShortDesc: "prints the workers a page routes to",
	CommandRun: func() subcommands.CommandRun {
		r := &ringRun{}
		r.registerFlags()
		r.Flags.Int64Var(&r.page, "page", 0, "Page index.")
		return r
	},
}

type ringRun struct {
	commonFlags
	page int64
}

func (r *ringRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	path, ok := onePath(a, args)
	if !ok {
		return 1
	}
	return r.run(a, func(ctx context.Context, client *pagecache.Client) error {
		candidates, err := client.Locate(path, r.page)
		if err != nil {
			return err
		}
		for i, w := range candidates {
			role := "fallback"
			if i == 0 {
				role = "primary"
			}
			fmt.Fprintf(a.GetOut(), "%-8s %s\n", role, w)
		}
		return nil
	})
}
