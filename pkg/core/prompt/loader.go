package prompt

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	hjson "github.com/hjson/hjson-go/v4"
)

// LoadFromDirectory registers every .json and .hjson file below
// baseDir/prompts in r. A file without an id is named after its path,
// so prompts/extraction/securities.hjson becomes "extraction.securities"
// and replaces the built-in prompt of that name.
func LoadFromDirectory(r *Registry, baseDir string) error {
	dir := filepath.Join(baseDir, "prompts")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("prompts directory not found: %s", dir)
	}

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if d.IsDir() || (ext != ".json" && ext != ".hjson") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pt, err := decodeTemplate(data, ext == ".hjson")
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		rel, _ := filepath.Rel(dir, path)
		parts := strings.Split(strings.TrimSuffix(rel, ext), string(filepath.Separator))
		if pt.ID == "" {
			pt.ID = strings.Join(parts, ".")
		}
		if pt.Category == "" {
			pt.Category = "default"
			if len(parts) > 1 {
				pt.Category = parts[0]
			}
		}

		if err := r.Register(pt); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	slog.Info("prompts loaded", "files", loaded, "registered", r.Count(), "dir", dir)
	return nil
}

// decodeTemplate converts Hjson to JSON first so that the json tags apply
// to both formats.
func decodeTemplate(data []byte, isHjson bool) (*Template, error) {
	if isHjson {
		var raw interface{}
		if err := hjson.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		data = converted
	}
	var pt Template
	if err := json.Unmarshal(data, &pt); err != nil {
		return nil, err
	}
	return &pt, nil
}
