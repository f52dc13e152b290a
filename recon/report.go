package recon

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{
	"id", "related", "chain", "kind", "prior_state", "state", "polled",
	"escalated", "recipients", "total", "submitted_at", "updated_at",
	"age_minutes", "anomaly", "detail",
}

func (r *Reconciler) writeReportFiles(baseDir, chainName string, rows []*ReportRow) (ReportFile, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return ReportFile{}, fmt.Errorf("recon: create report dir: %w", err)
	}
	csvPath := filepath.Join(baseDir, chainName+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, chainName+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Info("recon report written",
		slog.String("chain", chainName),
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(rows)))
	return ReportFile{Chain: chainName, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			strings.Join(row.Related, ";"),
			row.Chain,
			row.Kind,
			row.PriorState,
			row.State,
			row.Polled,
			strconv.FormatBool(row.Escalated),
			strconv.Itoa(row.Recipients),
			row.Total,
			formatTime(row.SubmittedAt),
			formatTime(row.UpdatedAt),
			fmt.Sprintf("%.2f", row.Age.Minutes()),
			row.Anomaly,
			row.Detail,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ID          string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Related     string  `parquet:"name=related, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chain       string  `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind        string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriorState  string  `parquet:"name=prior_state, type=BYTE_ARRAY, convertedtype=UTF8"`
	State       string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Polled      string  `parquet:"name=polled, type=BYTE_ARRAY, convertedtype=UTF8"`
	Escalated   bool    `parquet:"name=escalated, type=BOOLEAN"`
	Recipients  int32   `parquet:"name=recipients, type=INT32"`
	Total       string  `parquet:"name=total, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubmittedAt string  `parquet:"name=submitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt   string  `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgeMinutes  float64 `parquet:"name=age_minutes, type=DOUBLE"`
	Anomaly     string  `parquet:"name=anomaly, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail      string  `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:          row.ID,
			Related:     strings.Join(row.Related, ";"),
			Chain:       row.Chain,
			Kind:        row.Kind,
			PriorState:  row.PriorState,
			State:       row.State,
			Polled:      row.Polled,
			Escalated:   row.Escalated,
			Recipients:  int32(row.Recipients),
			Total:       row.Total,
			SubmittedAt: formatTime(row.SubmittedAt),
			UpdatedAt:   formatTime(row.UpdatedAt),
			AgeMinutes:  row.Age.Minutes(),
			Anomaly:     row.Anomaly,
			Detail:      row.Detail,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
