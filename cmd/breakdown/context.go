// cmd/breakdown/context.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Corphon/SceneBreakdown/internal/config"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger 写到 stderr，stdout 只留给命令输出
func (c *commandContext) logger() *utils.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if c.verbose != nil && *c.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	z, err := zcfg.Build()
	if err != nil {
		return utils.NewNopLogger()
	}
	return utils.NewLoggerFromZap(z)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

var skipConfig = map[string]string{"skipConfigLoad": "true"}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// loadScript decodes a script document from JSON, or YAML by extension.
func loadScript(cmd *cobra.Command, path string) (*models.ScriptDocument, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}

	var doc models.ScriptDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode script %s: %w", path, err)
	}
	return &doc, nil
}

// loadSeries decodes a series context file. YAML is a superset of JSON, so
// both formats are accepted.
func loadSeries(path string) (models.SeriesContext, error) {
	var series models.SeriesContext
	if path == "" {
		return series, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return series, fmt.Errorf("read series %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &series); err != nil {
		return series, fmt.Errorf("decode series %s: %w", path, err)
	}
	return series, nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	return encodeIndented(cmd.OutOrStdout(), v)
}

func encodeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
