// cmd/breakdown/seal_command.go
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// seal-key 生成配置文件可用的 enc: 加密 API key
func newSealKeyCommand() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:         "seal-key [api-key]",
		Short:       "Encrypt a provider API key for use in the config file",
		Long:        "Encrypts an API key with the BREAKDOWN_SECRET passphrase. The output is an enc: value accepted by apiKey fields and *_API_KEY variables.",
		Args:        cobra.MaximumNArgs(1),
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("BREAKDOWN_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a secret is required: pass --secret or set BREAKDOWN_SECRET")
			}

			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				data, err := readInput(cmd, "-")
				if err != nil {
					return err
				}
				key = string(data)
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("api key is empty")
			}
			if strings.HasPrefix(key, utils.EncryptedPrefix) {
				return fmt.Errorf("api key is already sealed")
			}

			sealed, err := utils.SealSetting(key, secret)
			if err != nil {
				return fmt.Errorf("seal api key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Passphrase (defaults to BREAKDOWN_SECRET)")
	return cmd
}
