package api

import (
	"context"
	"io"
	"log/slog"

	"github.com/orchestrix/pipeline/pkg/analyzer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// fakeRunner is a no-op engine.AnalyzerRunner stand-in for handler tests that
// never exercise the analysis stage directly.
type fakeRunner struct{}

func (fakeRunner) RunTools(ctx context.Context, service analyzer.Service, model string, appNumber int, tools []string, options map[string]interface{}) (analyzer.NormalizedResult, error) {
	return analyzer.NormalizedResult{}, nil
}

func (fakeRunner) Ping(ctx context.Context, service analyzer.Service) bool {
	return false
}
