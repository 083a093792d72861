package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"trade-bot-radar/internal/storage"
)

// Export renders classification state as CSV and/or a PNG score chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListClassifications(ctx, opts.Category, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no classifications found for export")
		return nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ClassifiedAt.Before(rows[j].ClassifiedAt) })
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting classifications")

	if opts.CSVPath != "" {
		if err := writeClassificationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeScoresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRows(rows []storage.ClassificationRow, max int) []storage.ClassificationRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]storage.ClassificationRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeClassificationsCSV(path string, rows []storage.ClassificationRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"address", "score", "category", "risk_level", "bot_type", "liquidity_provided", "signals", "publish_state", "classified_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		risk := ""
		if row.RiskLevel != nil {
			risk = *row.RiskLevel
		}
		botType := ""
		if row.BotType != nil {
			botType = *row.BotType
		}
		record := []string{
			row.Address,
			strconv.Itoa(row.Score),
			row.Category,
			risk,
			botType,
			row.LiquidityProvided.String(),
			strings.Join(row.Signals, "|"),
			row.PublishState,
			row.ClassifiedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeScoresPNG(path string, rows []storage.ClassificationRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	scores := make([]float64, len(rows))
	liquidity := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.ClassifiedAt
		scores[i] = float64(row.Score)
		liquidity[i] = row.LiquidityProvided.InexactFloat64()
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Score",
			ValueFormatter: scoreFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Liquidity",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Score",
				XValues: x,
				YValues: scores,
			},
			chart.TimeSeries{
				Name:    "Liquidity",
				XValues: x,
				YValues: liquidity,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
