package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"crowdease/internal/engine"
	"crowdease/internal/model"
)

// ImportStats counts the outcome of an import run.
type ImportStats struct {
	Lines    int `json:"lines"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Skipped  int `json:"skipped"`
}

var importChannel = model.Channel{Name: "import", Trusted: true}

// ImportFile submits every report line in path. Malformed or rejected lines
// are counted and skipped; storage failures abort the import.
func ImportFile(ctx context.Context, path string, parser *Parser, s Submitter, logger *slog.Logger) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, err
	}
	defer f.Close()

	var stats ImportStats
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++
		sub, err := parser.ParseLine(scanner.Text())
		if err != nil {
			stats.Rejected++
			if logger != nil {
				logger.Warn("import line unparseable", "path", path, "line", stats.Lines, "err", err)
			}
			continue
		}
		if sub == nil {
			stats.Skipped++
			continue
		}
		err = submit(ctx, s, Envelope{Submission: *sub, Channel: importChannel}, logger)
		switch {
		case err == nil:
			stats.Accepted++
		case errors.Is(err, engine.ErrDuplicate), errors.Is(err, model.ErrCooldown):
			stats.Skipped++
		case model.IsValidation(err):
			stats.Rejected++
		default:
			return stats, fmt.Errorf("import %s line %d: %w", path, stats.Lines, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	if logger != nil {
		logger.Info("import finished", "path", path, "accepted", stats.Accepted, "rejected", stats.Rejected, "skipped", stats.Skipped)
	}
	return stats, nil
}
