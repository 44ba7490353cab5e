// Package persona supplies the system persona prompt for context assembly.
//
// Persona text is loaded fresh on every call so that edits to the
// workspace files take effect on the very next turn. There is no cache
// and no reload operation.
package persona

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultPrompt is used when a workspace carries no persona files at all.
const DefaultPrompt = "You are a helpful assistant. You can call tools to " +
	"look things up or act on the user's behalf; report tool failures " +
	"honestly instead of guessing."

// bootstrapFiles are read in this order from the workspace root. Missing
// files are skipped.
var bootstrapFiles = []string{"SOUL.md", "IDENTITY.md", "AGENTS.md"}

// Source supplies persona text for one turn.
type Source interface {
	Load(ctx context.Context) (string, error)
}

// Static is a fixed persona string, mainly for tests and embedding.
type Static string

// Load implements Source.
func (s Static) Load(context.Context) (string, error) {
	return string(s), nil
}

// FileSource reads persona bootstrap files from a workspace directory.
type FileSource struct {
	root string
	log  *zap.Logger
}

// NewFileSource creates a FileSource over the given workspace root.
func NewFileSource(root string, log *zap.Logger) *FileSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSource{root: root, log: log}
}

// Load reads the bootstrap files and joins the ones present. It returns
// DefaultPrompt when none exist, so assembly always has a persona layer.
func (f *FileSource) Load(ctx context.Context) (string, error) {
	var parts []string
	for _, name := range bootstrapFiles {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(filepath.Join(f.root, name))
		if err != nil {
			if !os.IsNotExist(err) {
				f.log.Warn("skipping unreadable persona file",
					zap.String("file", name), zap.Error(err))
			}
			continue
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return DefaultPrompt, nil
	}
	return strings.Join(parts, "\n\n"), nil
}
