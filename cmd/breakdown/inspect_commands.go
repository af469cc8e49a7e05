// cmd/breakdown/inspect_commands.go
package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	"github.com/Corphon/SceneBreakdown/internal/llm"
)

// extract 只运行提取阶段，用于排查模型原始输出
func newExtractCommand() *cobra.Command {
	var inputPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "extract",
		Short:       "Recover record objects from raw provider output",
		Args:        cobra.NoArgs,
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, inputPath)
			if err != nil {
				return err
			}
			ext, err := breakdown.Extract(string(data))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, extractionView(ext))
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(ext.Objects))
			for i, obj := range ext.Objects {
				scene := "-"
				if n, ok := breakdown.SceneNumberOf(obj.Fields); ok {
					scene = strconv.Itoa(n)
				}
				recovered := "no"
				if obj.Recovered {
					recovered = colorWarn("yes", colorize)
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					scene,
					obj.Stage.String(),
					recovered,
					strings.Join(fieldKeys(obj.Fields), ", "),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Scene", "Stage", "Recovered", "Fields"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft},
				colorize,
			))
			fmt.Fprintf(out, "objects: %d  recovered: %d  stage: %s\n", len(ext.Objects), ext.RecoveredCount(), ext.Stage)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Raw provider output file (- for stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print recovered objects as JSON")
	return cmd
}

type extractedObject struct {
	Stage     string                 `json:"stage"`
	Recovered bool                   `json:"recovered"`
	Fields    map[string]interface{} `json:"fields"`
}

func extractionView(ext *breakdown.Extraction) map[string]interface{} {
	objects := make([]extractedObject, 0, len(ext.Objects))
	for _, obj := range ext.Objects {
		objects = append(objects, extractedObject{
			Stage:     obj.Stage.String(),
			Recovered: obj.Recovered,
			Fields:    obj.Fields,
		})
	}
	return map[string]interface{}{
		"stage":     ext.Stage.String(),
		"recovered": ext.RecoveredCount(),
		"objects":   objects,
	}
}

func fieldKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newSegmentCommand() *cobra.Command {
	var scriptPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "segment",
		Short:       "Split a script document into scene units",
		Args:        cobra.NoArgs,
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadScript(cmd, scriptPath)
			if err != nil {
				return err
			}
			seg := breakdown.Segment(doc)
			if asJSON {
				return writeJSON(cmd, map[string]interface{}{
					"scenes":           seg.Scenes,
					"untaggedElements": seg.UntaggedElements,
					"diagnostics":      seg.Diagnostics,
				})
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(seg.Scenes))
			for _, u := range seg.Scenes {
				lines := 0
				for _, n := range u.DialogueLines {
					lines += n
				}
				pages := strconv.Itoa(u.PageStart)
				if u.PageEnd != u.PageStart {
					pages = fmt.Sprintf("%d-%d", u.PageStart, u.PageEnd)
				}
				rows = append(rows, []string{
					strconv.Itoa(u.SceneNumber),
					u.Heading,
					pages,
					strconv.Itoa(len(u.DialogueLines)),
					strconv.Itoa(lines),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Scene", "Heading", "Pages", "Speakers", "Lines"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
				colorize,
			))
			fmt.Fprintf(out, "scenes: %d  untagged elements: %d\n", len(seg.Scenes), seg.UntaggedElements)
			for _, d := range seg.Diagnostics {
				fmt.Fprintln(out, colorWarn("  ! "+d, colorize))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Script document (JSON or YAML, - for stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print scene units as JSON")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newProvidersCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "providers",
		Short:       "List registered generation providers",
		Args:        cobra.NoArgs,
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := llm.ListProviders()
			if asJSON {
				view := make(map[string][]string, len(names))
				for _, name := range names {
					view[name] = llm.GetSupportedModelsForProvider(name)
				}
				return writeJSON(cmd, view)
			}

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rows = append(rows, []string{name, strings.Join(llm.GetSupportedModelsForProvider(name), ", ")})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Provider", "Models"}, rows, nil, shouldColorize(out)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print providers as JSON")
	return cmd
}
