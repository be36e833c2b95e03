package engine

import "context"

// StubEngine only prepares the result directories. Callers that find no
// Markdown afterwards fall back to placeholder content.
type StubEngine struct{}

func (StubEngine) Name() string { return "stub" }

func (StubEngine) Available(context.Context) bool { return true }

func (StubEngine) Parse(_ context.Context, req Request) (string, error) {
	_, mdDir, err := PrepareEnv(req.OutputDir, req.Name, req.Method)
	return mdDir, err
}
