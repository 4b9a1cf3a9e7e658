package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omochice/ix-interface/internal/config"
)

// check-config: load and validate the configuration without serving.
func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:          %s\n", cfg.Listen)
			fmt.Fprintf(out, "env:             %s\n", cfg.Env)
			fmt.Fprintf(out, "credentials:     %d\n", len(cfg.Credentials))
			fmt.Fprintf(out, "relations:       %d\n", len(cfg.Relations))
			fmt.Fprintf(out, "local consumers: %d\n", len(cfg.LocalConsumers))

			secrets := cfg.Secrets()
			for _, r := range cfg.Relations {
				for _, party := range []string{r.A, r.B} {
					if _, ok := secrets[party]; !ok {
						fmt.Fprintf(out, "warning: relation %s party %s has no credential\n", r.ID, party)
					}
				}
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	}
}
