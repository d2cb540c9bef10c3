package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"wasp/internal/model"
	"wasp/internal/protocol"
)

// SiteFileName is the name workers stage the floorplan under.
const SiteFileName = "site.xml"

type runFile struct {
	name string
	path string
}

type runFiles struct {
	site runFile
	data []runFile
	orig []runFile
}

func (f runFiles) dataNames() []string {
	return names(f.data)
}

func (f runFiles) origNames() []string {
	return names(f.orig)
}

func (f runFiles) all() []runFile {
	out := make([]runFile, 0, 1+len(f.data)+len(f.orig))
	out = append(out, f.site)
	out = append(out, f.data...)
	return append(out, f.orig...)
}

func names(files []runFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out
}

func newRunID() string {
	return uuid.NewString()
}

// SitePath resolves the floorplan file; relative paths are taken from the
// work directory, and an empty path means site.xml there.
func SitePath(cfg model.ManagerConfig) string {
	if cfg.SiteFile == "" {
		return filepath.Join(cfg.WorkDir, SiteFileName)
	}
	return underWorkDir(cfg.WorkDir, cfg.SiteFile)
}

func underWorkDir(workDir, path string) string {
	if path == "" || filepath.IsAbs(path) || workDir == "" {
		return path
	}
	return filepath.Join(workDir, path)
}

func collectRunFiles(cfg model.ManagerConfig) (runFiles, error) {
	files := runFiles{site: runFile{name: SiteFileName, path: SitePath(cfg)}}
	var err error
	if files.data, err = listDir(underWorkDir(cfg.WorkDir, cfg.DataDir)); err != nil {
		return runFiles{}, fmt.Errorf("data files: %w", err)
	}
	if len(files.data) == 0 {
		return runFiles{}, fmt.Errorf("no data files in %q", cfg.DataDir)
	}
	if cfg.OrigDir != "" {
		if files.orig, err = listDir(underWorkDir(cfg.WorkDir, cfg.OrigDir)); err != nil {
			return runFiles{}, fmt.Errorf("ground truth files: %w", err)
		}
	}
	return files, nil
}

// listDir returns the regular files of dir sorted by name.
func listDir(dir string) ([]runFile, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []runFile
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == SiteFileName {
			continue
		}
		out = append(out, runFile{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// sendFiles pushes the floorplan and every data and ground truth file to the
// hub for this run.
func (d *Driver) sendFiles() error {
	for _, f := range d.files.all() {
		payload, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("read run file: %w", err)
		}
		if err := d.sender.Send(protocol.SendFile{RunID: d.cfg.RunID, Filename: f.name, Payload: payload}); err != nil {
			return fmt.Errorf("send %s: %w", f.name, err)
		}
		d.logger.V(2).Info("Sent run file", "runID", d.cfg.RunID, "file", f.name, "bytes", len(payload))
	}
	return nil
}
