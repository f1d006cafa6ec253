package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/probelog/internal/export"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	formatText     = "text"
	formatJSON     = "json"
	formatYAML     = "yaml"
	formatOTLPJSON = "otlp-json"

	chartHeight   = 10
	chartMaxWidth = 120
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	absentStyle = cellStyle.Foreground(lipgloss.Color("240"))
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Background(lipgloss.Color("39"))
)

func validateFormat(f string) error {
	switch f {
	case formatText, formatJSON, formatYAML, formatOTLPJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q", f)
}

// renderRuns writes runs in the given format. JSON and YAML emit one
// document per run.
func renderRuns(w io.Writer, runs []*model.Run, format, chartColumn string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		for _, run := range runs {
			if err := enc.Encode(run); err != nil {
				return err
			}
		}
		return nil
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		for _, run := range runs {
			if err := enc.Encode(yamlRunOf(run)); err != nil {
				return err
			}
		}
		return enc.Close()
	case formatOTLPJSON:
		for _, run := range runs {
			data, err := export.MarshalJSON(run, "probelog", version)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, string(data)); err != nil {
				return err
			}
		}
		return nil
	case formatText:
		for i, run := range runs {
			if i > 0 {
				fmt.Fprintln(w)
			}
			renderRunText(w, run, chartColumn)
		}
		return nil
	}
	return validateFormat(format)
}

// yamlRun keeps column order, which a map of rows would lose.
type yamlRun struct {
	ID          string         `yaml:"id"`
	Agent       model.Agent    `yaml:"agent"`
	Device      string         `yaml:"device,omitempty"`
	Source      string         `yaml:"source,omitempty"`
	Start       string         `yaml:"start"`
	WindowStart string         `yaml:"window_start"`
	Stats       model.RunStats `yaml:"stats"`
	Tables      []yamlTable    `yaml:"tables"`
}

type yamlTable struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Rows    [][]any  `yaml:"rows"`
}

func yamlRunOf(run *model.Run) yamlRun {
	out := yamlRun{
		ID:          run.ID,
		Agent:       run.Agent,
		Device:      run.Device,
		Source:      run.Source,
		Start:       run.Start.Format("2006-01-02T15:04:05.000Z07:00"),
		WindowStart: run.WindowStart.Format("2006-01-02T15:04:05.000Z07:00"),
		Stats:       run.Stats,
	}
	for _, t := range run.Tables {
		yt := yamlTable{Name: t.Name, Columns: t.ColumnNames()}
		for i := 0; i < t.Rows(); i++ {
			row := t.Row(i)
			cells := make([]any, len(row))
			for j, v := range row {
				cells[j] = v.Any()
			}
			yt.Rows = append(yt.Rows, cells)
		}
		out.Tables = append(out.Tables, yt)
	}
	return out
}

func renderRunText(w io.Writer, run *model.Run, chartColumn string) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Run %s", run.ID)))
	meta := fmt.Sprintf("agent=%s device=%s window>%s", run.Agent, orDash(run.Device),
		run.WindowStart.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintln(w, dimStyle.Render(meta))
	s := run.Stats
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("lines=%d retained=%d stale=%d foreign=%d malformed=%d warned=%d",
		s.Lines, s.Retained, s.Stale, s.Foreign, s.Malformed, s.Warned)))

	if len(run.Tables) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no results"))
		return
	}
	for _, t := range run.Tables {
		fmt.Fprintln(w)
		fmt.Fprintln(w, lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("%s (%d rows)", t.Name, t.Rows())))
		fmt.Fprintln(w, renderTable(t))
		if chartColumn == "" {
			continue
		}
		if col, ok := t.Column(chartColumn); ok {
			if c := renderChart(col); c != "" {
				fmt.Fprintln(w, c)
			}
		}
	}
}

func renderTable(t model.Table) string {
	rows := make([][]string, t.Rows())
	absent := make([][]bool, t.Rows())
	for i := range rows {
		row := t.Row(i)
		rows[i] = make([]string, len(row))
		absent[i] = make([]bool, len(row))
		for j, v := range row {
			if v.IsNull() {
				rows[i][j] = "-"
				absent[i][j] = true
				continue
			}
			rows[i][j] = v.String()
		}
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(t.ColumnNames()...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(absent) && col < len(absent[row]) && absent[row][col] {
				return absentStyle
			}
			return cellStyle
		})
	return tbl.String()
}

// renderChart draws the numeric cells of col as bars, one per row. Absent
// cells draw as empty bars. Only the last rows that fit are drawn.
func renderChart(col model.Column) string {
	values := make([]float64, 0, len(col.Values))
	present := 0
	minV, maxV := 0.0, 0.0
	for _, v := range col.Values {
		f, ok := v.Number()
		if ok {
			if present == 0 || f < minV {
				minV = f
			}
			if present == 0 || f > maxV {
				maxV = f
			}
			present++
		}
		values = append(values, f)
	}
	if present == 0 {
		return ""
	}

	maxBars := chartMaxWidth / 2
	if len(values) > maxBars {
		values = values[len(values)-maxBars:]
	}

	bc := barchart.New(len(values)*2, chartHeight,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(1),
		barchart.WithNoAxis(),
	)
	for _, f := range values {
		f = max(f, 0)
		bc.Push(barchart.BarData{
			Values: []barchart.BarValue{{Name: col.Name, Value: f, Style: barStyle}},
		})
	}
	bc.Draw()

	header := dimStyle.Render(fmt.Sprintf("%s  min %s  max %s  n=%d", col.Name,
		formatNumber(minV), formatNumber(maxV), present))
	return lipgloss.JoinVertical(lipgloss.Left, header, bc.View())
}

func formatNumber(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
