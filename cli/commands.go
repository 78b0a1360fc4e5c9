package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/urfave/cli/v2"
	"github.com/zot/livefeed/internal/filter"
	"github.com/zot/livefeed/internal/mcp"
	livefeed "github.com/zot/livefeed/lib/go"
	"go.uber.org/zap"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "connect, open a feed view and print items as they arrive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "scope the view to one source id"},
			&cli.StringFlag{Name: "category", Usage: "scope the view to one category"},
			&cli.IntFlag{Name: "capacity", Usage: "maximum items held"},
			&cli.StringFlag{Name: "filter", Usage: "Lua boolean expression over item"},
			&cli.StringFlag{Name: "filter-file", Usage: "file holding the filter expression, reloaded on change"},
			&cli.IntFlag{Name: "pages", Usage: "extra pages to load after the first"},
			&cli.BoolFlag{Name: "once", Usage: "print the loaded items and exit"},
			&cli.BoolFlag{Name: "json", Usage: "print one JSON object per item"},
		},
		Action: runWatch,
	}
}

func runWatch(ctx *cli.Context) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	logger := client.Logger()

	opts := livefeed.FeedOptions{
		Scope: livefeed.Scope{SourceID: ctx.String("source"), Category: ctx.String("category")},
	}
	var loader *filter.HotLoader
	var view *livefeed.FeedView
	if path := ctx.String("filter-file"); path != "" {
		loader, err = filter.NewHotLoader(path, logger, func(expr string) {
			if err := view.SetFilter(ctx.Context, expr); err != nil {
				logger.Warn("filter not applied", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		defer loader.Stop()
		opts.Filter = loader.Expr()
	}

	view, err = client.NewFeedView(ctx.Context, opts)
	if err != nil {
		return err
	}
	defer view.Close()
	if loader != nil && !ctx.Bool("once") {
		if err := loader.Start(); err != nil {
			return err
		}
	}

	for i := 0; i < ctx.Int("pages"); i++ {
		more, err := view.LoadMore(ctx.Context)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	p := newPrinter(ctx.App.Writer, ctx.Bool("json"))
	if ctx.Bool("once") {
		return p.print(view.Items())
	}

	view.OnChange(func(items []livefeed.FeedItem) {
		if err := p.print(items); err != nil {
			logger.Warn("print failed", zap.Error(err))
		}
	})
	if _, err := client.OnState(func(s livefeed.Status) {
		logger.Info("connection", zap.Stringer("status", s))
	}); err != nil {
		return err
	}
	if err := p.print(view.Items()); err != nil {
		return err
	}
	<-ctx.Context.Done()
	return nil
}

// printer writes each item the first time it is seen.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
	seen   map[string]bool
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, asJSON: asJSON, seen: make(map[string]bool)}
}

func (p *printer) print(items []livefeed.FeedItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.out)
	for _, item := range items {
		if p.seen[item.ID] {
			continue
		}
		p.seen[item.ID] = true
		var err error
		if p.asJSON {
			err = enc.Encode(item)
		} else {
			err = p.line(item)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) line(item livefeed.FeedItem) error {
	flag := " "
	if item.IsBreaking {
		flag = "!"
	}
	when := "-"
	if !item.PublishedAt.IsZero() {
		when = item.PublishedAt.Format("2006-01-02 15:04")
	}
	_, err := fmt.Fprintf(p.out, "%s %s %-16s %s\n", flag, when, item.SourceName, item.Title)
	return err
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:   "inspect",
		Usage:  "serve connection state and feed views to MCP clients on stdio",
		Action: runInspect,
	}
}

func runInspect(ctx *cli.Context) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	server := mcp.NewServer(client, Version, client.Logger())
	defer server.Close()
	return server.ServeStdio()
}

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:      "share",
		Usage:     "record a share of a feed item",
		ArgsUsage: "<item-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "platform", Value: "link", Usage: "where the item was shared"},
		},
		Action: runShare,
	}
}

func runShare(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("share: expected one item id")
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	id := ctx.Args().First()
	client.Share(ctx.Context, id, ctx.String("platform"))
	fmt.Fprintf(ctx.App.Writer, "shared %s on %s\n", id, ctx.String("platform"))
	return nil
}
