package main

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/tathienbao/execbot/internal/persistence"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear quota counters and the saved trade state",
	Long: `Clear today's (and every earlier day's) quota counters and the saved trade
state. The order log is kept. Do not run while the bot is running.`,
	RunE: runReset,
}

var resetYes bool

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pcfg := cfg.ToPersistenceConfig()

	if !resetYes {
		target := pcfg.QuotaFile + " and " + pcfg.StateFile
		if pcfg.Type == persistence.TypeSQLite {
			target = pcfg.Path
		}
		prompt := promptui.Prompt{
			Label:     fmt.Sprintf("Clear quotas and trade state in %s", target),
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
			return fmt.Errorf("confirm: %w", err)
		}
	}

	store, err := persistence.Open(pcfg, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Reset(cmd.Context()); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Quotas and trade state cleared.")
	return nil
}
