package sandbox

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed companion_ext
var companionFiles embed.FS

const (
	sessionPlaceholder = "STR_REPLACE_SESSION_ID"
	urlPlaceholder     = "STR_REPLACE_COMPANION_URL"
)

const minimalManifest = `{
  "manifest_version": 3,
  "name": "ex10 preview",
  "version": "0.0.1"
}
`

// Seeder populates a fresh sandbox with the companion extension and the
// initial contents of the extension directory.
type Seeder struct {
	relay        *Relay
	layout       Layout
	templateDir  string
	companionURL string
}

// NewSeeder creates a Seeder. templateDir may be empty.
func NewSeeder(relay *Relay, layout Layout, templateDir, companionURL string) *Seeder {
	return &Seeder{
		relay:        relay,
		layout:       layout,
		templateDir:  templateDir,
		companionURL: companionURL,
	}
}

// CompanionFiles returns the companion extension rendered for sessionID,
// keyed by relative path.
func (s *Seeder) CompanionFiles(sessionID string) (map[string][]byte, error) {
	root, err := fs.Sub(companionFiles, "companion_ext")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	err = fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		data = bytes.ReplaceAll(data, []byte(sessionPlaceholder), []byte(sessionID))
		data = bytes.ReplaceAll(data, []byte(urlPlaceholder), []byte(s.companionURL))
		out[p] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("render companion extension: %w", err)
	}
	return out, nil
}

// SeedCompanion writes the companion extension into the user's companion dir.
func (s *Seeder) SeedCompanion(ctx context.Context, user, sessionID string) error {
	files, err := s.CompanionFiles(sessionID)
	if err != nil {
		return err
	}
	dir := s.layout.CompanionDir(user)
	for name, data := range files {
		if _, err := s.relay.WriteInto(ctx, user, dir, name, data); err != nil {
			return fmt.Errorf("seed companion %s: %w", name, err)
		}
	}
	return nil
}

// SeedExtension copies the template directory into the extension dir, or
// writes a placeholder manifest so the browser can load the directory.
func (s *Seeder) SeedExtension(ctx context.Context, user string) error {
	if s.templateDir == "" {
		_, err := s.relay.WriteFile(ctx, user, "manifest.json", []byte(minimalManifest))
		return err
	}

	return filepath.WalkDir(s.templateDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.templateDir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read template %s: %w", rel, err)
		}
		if _, err := s.relay.WriteFile(ctx, user, filepath.ToSlash(rel), data); err != nil {
			return fmt.Errorf("seed extension %s: %w", rel, err)
		}
		return nil
	})
}
