package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/engine"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/settings"
	"github.com/hazyhaar/commentveil/veil"
)

type scanOpts struct {
	url    string
	in     string
	out    string
	device string
}

func newScanCmd(a *app) *cobra.Command {
	var o scanOpts
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Veil the comments of a saved page once",
		Long: `Parses a saved HTML page as if it were loaded from --url, runs one scan
and writes the veiled HTML to --out (stdout by default). A JSON summary with
counts only is written to stdout when --out is a file, stderr otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.scan(cmd.Context(), cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.url, "url", "", "page URL the HTML was saved from")
	cmd.Flags().StringVar(&o.in, "in", "-", "HTML input file, - for stdin")
	cmd.Flags().StringVar(&o.out, "out", "", "veiled HTML output file (default stdout)")
	cmd.Flags().StringVar(&o.device, "device", "hover", "input device: hover or touch")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func parseDevice(s string) (veil.Device, error) {
	switch s {
	case "hover", "":
		return veil.Hover, nil
	case "touch":
		return veil.Touch, nil
	}
	return 0, fmt.Errorf("veil: device %q: want hover or touch", s)
}

func (a *app) scan(ctx context.Context, cmd *cobra.Command, o scanOpts) error {
	device, err := parseDevice(o.device)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if o.in != "-" && o.in != "" {
		f, err := os.Open(o.in)
		if err != nil {
			return fmt.Errorf("veil: open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	doc, err := dom.Parse(in, o.url)
	if err != nil {
		return err
	}
	page := dom.NewPage(doc)

	snap, err := a.loadSettings(ctx)
	if err != nil {
		return err
	}

	ledger, err := a.cfg.Drift.OpenLedger(a.logger)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}
	reporters := []guard.Reporter{guard.LogReporter{Logger: a.logger}}
	if ledger != nil {
		reporters = append(reporters, ledger)
	}
	g := guard.New(guard.Config{}, a.logger, reporters...)

	e, err := engine.New(engine.Config{
		Surface:  engine.NewPageSurface(page, device),
		Resolver: a.cfg.Packs.Resolver(a.logger),
		Guard:    g,
		Settings: &snap,
	}, a.logger)
	if err != nil {
		g.Close()
		return err
	}
	rep, scanErr := e.Scan(ctx)
	// Drain guard deliveries before the ledger closes.
	g.Close()
	if scanErr != nil {
		return scanErr
	}

	var html string
	page.View(func(d *dom.Document) { html, err = d.HTML() })
	if err != nil {
		return fmt.Errorf("veil: render html: %w", err)
	}

	htmlOut, summaryOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if o.out != "" {
		if err := os.WriteFile(o.out, []byte(html), 0o644); err != nil {
			return fmt.Errorf("veil: write output: %w", err)
		}
		summaryOut = cmd.OutOrStdout()
	} else if _, err := io.WriteString(htmlOut, html); err != nil {
		return err
	}

	enc := json.NewEncoder(summaryOut)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// loadSettings reads the persisted settings once.
func (a *app) loadSettings(ctx context.Context) (settings.Snapshot, error) {
	store, err := a.cfg.Settings.OpenStore(a.logger)
	if err != nil {
		return settings.Snapshot{}, err
	}
	defer store.Close()
	return store.Load(ctx)
}
