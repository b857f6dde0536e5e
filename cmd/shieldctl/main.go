package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"

	"webshield/internal/client"
	"webshield/internal/importer"
	"webshield/internal/settings"
	"webshield/internal/store"
)

const usage = `usage: shieldctl [-addr URL] [-timeout D] <command> [args]

commands:
  check <url>            report whether a request URL would be blocked
  import <list-url>      import a block list and follow it to the end
  cancel <job-id>        cancel a running import
  block <domain>         add a domain to the block list
  unblock <domain>       remove a domain from the block list
  allow <domain>         whitelist a domain
  disallow <domain>      remove a domain from the whitelist
  list [-q filter] <blocked|allowed|lists>
  export <kind> [file]   write a kind as a JSON array (stdout by default)
  load <kind> [file]     import a JSON array into a kind (stdin by default)
  settings               print the current import settings
`

func main() {
	addr := flag.String("addr", envOr("WEBSHIELD_ADDR", "http://localhost:8080"), "webshield API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*addr, *timeout)
	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "shieldctl: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", usageError(fmt.Sprintf("%s takes exactly one argument", cmd))
	}
	return args[0], nil
}

func run(ctx context.Context, c *client.Client, cmd string, args []string, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "check":
		u, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		res, err := c.Check(ctx, u)
		if err != nil {
			return err
		}
		switch {
		case res.Blocked:
			fmt.Fprintf(stdout, "blocked: %s (matched %s)\n", res.Host, res.Match)
		default:
			fmt.Fprintf(stdout, "%s: %s\n", res.Verdict, res.Host)
		}
		return nil

	case "import":
		u, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return runImport(ctx, c, u, stdout)

	case "cancel":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		if err := c.CancelImport(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "cancellation requested for %s\n", id)
		return nil

	case "block", "allow":
		d, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		k := store.Blocked
		if cmd == "allow" {
			k = store.Allowed
		}
		got, err := c.Add(ctx, k, d)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s\n", k, got)
		return nil

	case "unblock", "disallow":
		d, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		k := store.Blocked
		if cmd == "disallow" {
			k = store.Allowed
		}
		if err := c.Remove(ctx, k, d); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s from %s\n", d, k)
		return nil

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		q := fs.String("q", "", "substring filter")
		if err := fs.Parse(args); err != nil {
			return usageError(err.Error())
		}
		name, err := oneArg(cmd, fs.Args())
		if err != nil {
			return err
		}
		k, err := store.ParseKind(name)
		if err != nil {
			return usageError(err.Error())
		}
		items, err := c.List(ctx, k, *q)
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Fprintln(stdout, it)
		}
		return nil

	case "export":
		if len(args) < 1 || len(args) > 2 {
			return usageError("export takes a kind and an optional file")
		}
		k, err := store.ParseKind(args[0])
		if err != nil {
			return usageError(err.Error())
		}
		if len(args) == 1 {
			return c.Export(ctx, k, stdout)
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		if err := c.Export(ctx, k, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case "load":
		if len(args) < 1 || len(args) > 2 {
			return usageError("load takes a kind and an optional file")
		}
		k, err := store.ParseKind(args[0])
		if err != nil {
			return usageError(err.Error())
		}
		in := stdin
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		res, err := c.Load(ctx, k, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "added %d, duplicates %d, rejected %d\n", res.Added, res.Duplicates, len(res.Rejected))
		return nil

	case "settings":
		s, err := c.Settings(ctx)
		if err != nil {
			return err
		}
		data, err := sonic.ConfigStd.MarshalIndent(s, "", "    ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", data)
		return err
	}

	return usageError(fmt.Sprintf("unknown command %q", cmd))
}

// rejectedLimit reads rejected_limit from the server settings, falling back
// to the default when they cannot be fetched.
func rejectedLimit(ctx context.Context, c *client.Client) int {
	s, err := c.Settings(ctx)
	if err != nil {
		return settings.Default().RejectedLimit
	}
	return s.RejectedLimit
}

// runImport starts an import and prints its progress until it ends. An
// interrupt cancels the import on the server before exiting.
func runImport(ctx context.Context, c *client.Client, listURL string, stdout io.Writer) error {
	id, err := c.StartImport(ctx, listURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "import %s started\n", id)

	last := -1
	res, err := c.Follow(ctx, id, func(p importer.Progress) {
		if p.Percent == last {
			return
		}
		last = p.Percent
		fmt.Fprintf(stdout, "[%3d%%] %s\n", p.Percent, p.Message)
	})
	if errors.Is(err, context.Canceled) {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := c.CancelImport(cctx, id); cerr != nil {
			return errors.Join(err, cerr)
		}
		fmt.Fprintf(stdout, "import %s cancelled\n", id)
		return err
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: %s\n", res.State, res.Message)
	if s := res.RejectedSummary(rejectedLimit(ctx, c)); s != "" {
		fmt.Fprintln(stdout, s)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	if res.State == importer.StateFailed {
		return errors.New("import failed")
	}
	return nil
}
