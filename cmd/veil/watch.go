package main

import (
	"context"
	"net/url"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/commentveil/bridge"
	"github.com/hazyhaar/commentveil/command"
	"github.com/hazyhaar/commentveil/engine"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/platform"
	"github.com/hazyhaar/commentveil/scheduler"
)

func newWatchCmd(a *app) *cobra.Command {
	var pageURL string
	var useMCP bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Veil comments in a live browser tab",
		Long: `Opens --url in a browser tab and keeps its comments veiled until
interrupted. Commands are read as JSON lines on stdin, or served as MCP
tools over stdio with --mcp.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), cmd, pageURL, useMCP)
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "page to open")
	cmd.Flags().BoolVar(&useMCP, "mcp", false, "serve commands as MCP tools on stdio")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// schedulerConfig picks the platform debounce when none is configured.
func (a *app) schedulerConfig(pageURL string) scheduler.Config {
	sc := scheduler.Config{
		Debounce: a.cfg.Scheduler.Debounce,
		MaxWait:  a.cfg.Scheduler.MaxWait,
		Name:     "veil",
	}
	if sc.Debounce > 0 {
		return sc
	}
	if u, err := url.Parse(pageURL); err == nil {
		if p, ok := platform.ForHost(u.Hostname()); ok {
			sc.Debounce = platform.DebounceFor(p)
		}
	}
	return sc
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, pageURL string, useMCP bool) error {
	logger := a.logger

	mgr := bridge.NewManager(a.cfg.Browser, logger)
	defer mgr.Close()
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	tab, err := mgr.OpenTab(ctx, pageURL)
	if err != nil {
		return err
	}
	defer tab.Close()
	surf, err := bridge.Attach(ctx, tab, logger)
	if err != nil {
		return err
	}
	defer surf.Detach()

	store, err := a.cfg.Settings.OpenStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := a.cfg.Drift.OpenLedger(logger)
	if err != nil {
		return err
	}
	reporters := []guard.Reporter{guard.LogReporter{Logger: logger}}
	if ledger != nil {
		defer ledger.Close()
		reporters = append(reporters, ledger)
	}
	g := guard.New(guard.Config{}, logger, reporters...)
	defer g.Close()

	e, err := engine.New(engine.Config{
		Surface:   surf,
		Resolver:  a.cfg.Packs.Resolver(logger),
		Guard:     g,
		Store:     store,
		Drift:     ledger,
		Scheduler: a.schedulerConfig(pageURL),
		OnPacket: func(p platform.Packet) {
			logger.Debug("veil: discovery pass", "platform", p.Meta.Platform,
				"page_type", p.Meta.PageType, "adapter", p.Adapter.Name)
		},
	}, logger)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	router := command.NewRouter(logger)
	e.RegisterCommands(router)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		surf.Pump(gctx, e)
		return nil
	})
	if useMCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "veil", Version: version}, nil)
		router.RegisterMCP(srv)
		grp.Go(func() error { return srv.Run(gctx, &mcp.StdioTransport{}) })
	} else {
		grp.Go(func() error { return router.ServeLines(gctx, cmd.InOrStdin(), cmd.OutOrStdout()) })
	}

	logger.Info("veil: watching", "url", pageURL, "mcp", useMCP)
	err = grp.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
