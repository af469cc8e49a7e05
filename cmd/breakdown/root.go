// cmd/breakdown/root.go
package main

import (
	"github.com/spf13/cobra"

	// 注册生成服务
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/anthropic"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/google"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/openaicompat"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/replay"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var verbose bool

	ctx := newCommandContext(&configFlag, &verbose)

	rootCmd := &cobra.Command{
		Use:           "breakdown",
		Short:         "Production breakdown generation for scripted episodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Write debug logs to stderr")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newExtractCommand())
	rootCmd.AddCommand(newSegmentCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newSealKeyCommand())

	return rootCmd
}
