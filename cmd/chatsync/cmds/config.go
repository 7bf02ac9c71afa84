package cmds

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings after file, environment and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), viper.ConfigFileUsed(), s, showSecrets)
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print password and tokens unmasked")
	return cmd
}

func printSettings(w io.Writer, path string, s config.Settings, showSecrets bool) error {
	if !showSecrets {
		s = s.Redacted()
	}
	if path != "" {
		if _, err := fmt.Fprintf(w, "# %s\n", path); err != nil {
			return err
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return enc.Close()
}
