// Package resultsink writes a finished session's result bundle to disk.
// It is kept deliberately thin: no plotting or statistics post-processing,
// per spec.md §1's explicit non-goal for auxiliary functions.
package resultsink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

// Default writes one JSON file per session under Dir, named
// "output-{unix_seconds}-{uuid4}.json", 4-space indented, matching
// spec.md §6's literal shape. The filename's uuid4 is independent of the
// session's own client_id (the original writer reuses client_id; this one
// mints a fresh id so the sink stays decoupled from session bookkeeping,
// per SPEC_FULL.md §4.H).
type Default struct {
	Dir string
}

// NewDefault returns a Default writing into dir. An empty dir means the
// current working directory, matching the original's relative path.
func NewDefault(dir string) *Default {
	return &Default{Dir: dir}
}

// Write renders bundle as 4-space-indented JSON and writes it to a fresh
// output-{unix}-{uuid4}.json file, returning the path written.
func (d *Default) Write(_ context.Context, bundle *resultmodel.ResultBundle) (string, error) {
	b, err := json.MarshalIndent(bundle, "", "    ")
	if err != nil {
		return "", fmt.Errorf("resultsink: marshal result bundle: %w", err)
	}

	name := fmt.Sprintf("output-%d-%s.json", int64(bundle.MetaData.Stop), uuid.New().String())
	path := name
	if d.Dir != "" {
		path = filepath.Join(d.Dir, name)
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("resultsink: write %s: %w", path, err)
	}
	return path, nil
}
