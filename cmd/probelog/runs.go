package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tinytelemetry/probelog/internal/duckdb"
	"github.com/tinytelemetry/probelog/internal/model"
	"github.com/tinytelemetry/probelog/internal/socketrpc"
)

// openReader prefers a running server's socket, since DuckDB allows one
// process to hold the database file. Without one it opens the file directly.
func openReader(cfg appConfig) (model.RunQuerier, func() error, error) {
	if client, err := socketrpc.Dial(cfg.SocketPath); err == nil {
		return client, client.Close, nil
	}
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", shortenPath(cfg.DBPath), err)
	}
	store.SetLogger(newLogger(cfg))
	return store, store.Close, nil
}

func runRuns(args []string, stdout io.Writer) error {
	var (
		configPath string
		agent      string
		device     string
		since      string
		limit      int
		output     string
	)
	fs := newFlagSet("runs", &configPath)
	fs.StringVar(&agent, "agent", "", "only runs of this agent")
	fs.StringVar(&device, "device", "", "only runs of this device")
	fs.StringVar(&since, "since", "", "only runs created at or after (RFC 3339 or epoch ms)")
	fs.IntVar(&limit, "limit", 20, "maximum runs to list")
	fs.StringVar(&output, "o", formatText, "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if output != formatText && output != formatJSON {
		return fmt.Errorf("unknown output format %q", output)
	}

	filter := model.RunFilter{Device: device, Limit: limit}
	var err error
	if agent != "" {
		if filter.Agent, err = model.ParseAgent(agent); err != nil {
			return err
		}
	}
	if filter.Since, err = parseStart(since); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reader, closeReader, err := openReader(cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	runs, err := reader.ListRuns(filter)
	if err != nil {
		return err
	}
	if output == formatJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	fmt.Fprintln(stdout, renderRunList(runs))
	return nil
}

func renderRunList(runs []model.RunSummary) string {
	if len(runs) == 0 {
		return dimStyle.Render("no runs")
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			string(r.Agent),
			orDash(r.Device),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(len(r.Tables)),
			strconv.Itoa(r.Stats.Retained),
			strconv.Itoa(r.Stats.Lines),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Agent", "Device", "Created", "Tables", "Retained", "Lines").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func runShow(args []string, stdout io.Writer) error {
	var (
		configPath string
		output     string
		chart      string
	)
	fs := newFlagSet("show", &configPath)
	fs.StringVar(&output, "o", formatText, "output format: text, json, yaml, otlp-json")
	fs.StringVar(&chart, "chart", "", "draw a bar chart of the named column (text output)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: probelog show [flags] RUN_ID")
	}
	if err := validateFormat(output); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reader, closeReader, err := openReader(cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	run, err := reader.LoadRun(fs.Arg(0))
	if err != nil {
		return err
	}
	return renderRuns(stdout, []*model.Run{run}, output, chart)
}
