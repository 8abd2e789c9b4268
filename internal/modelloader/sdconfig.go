package modelloader

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bvhari/OneTrainer/internal/model"
)

//go:embed resources/*.yaml
var resourcesFS embed.FS

// DefaultConfigBytes returns the bundled LDM inference config for a model
// type.
func DefaultConfigBytes(t model.Type) ([]byte, error) {
	name := t.DefaultConfigName()
	if name == "" {
		return nil, fmt.Errorf("no bundled config for model type %s", t)
	}
	data, err := resourcesFS.ReadFile("resources/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundled config %s: %w", name, err)
	}
	return data, nil
}

// ParseSDConfig parses an LDM yaml config into a generic map.
func ParseSDConfig(data []byte) (map[string]any, error) {
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse sd config: %w", err)
	}
	return config, nil
}

// resolveSDConfig finds the LDM config for a monolithic checkpoint: a
// sidecar .yaml next to the file wins, then .yml, then the bundled default
// for the model type.
func resolveSDConfig(checkpointPath string, t model.Type) (map[string]any, error) {
	base := strings.TrimSuffix(checkpointPath, fileExt(checkpointPath))
	for _, ext := range []string{".yaml", ".yml"} {
		//nolint:gosec // G304: sidecar lives next to the user-supplied checkpoint
		data, err := os.ReadFile(base + ext)
		if err != nil {
			continue
		}
		return ParseSDConfig(data)
	}

	data, err := DefaultConfigBytes(t)
	if err != nil {
		return nil, err
	}
	return ParseSDConfig(data)
}

func fileExt(fpath string) string {
	if i := strings.LastIndex(fpath, "."); i >= 0 && !strings.ContainsRune(fpath[i:], '/') {
		return fpath[i:]
	}
	return ""
}
