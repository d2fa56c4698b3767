package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration, then print the resolved schedules
with their strategies as the bot will use them.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid!")
	fmt.Fprintf(out, "  Mode:             %s\n", cfg.Mode)
	fmt.Fprintf(out, "  Contract:         %s (tick %s)\n", cfg.ContractID, cfg.TickSizes()[cfg.ContractID])
	fmt.Fprintf(out, "  Default quantity: %d %s\n", cfg.DefaultQuantity, cfg.OrderType())
	hours := cfg.Hours()
	fmt.Fprintf(out, "  Trading hours:    %s-%s UTC\n", hours.Start, hours.Stop)
	fmt.Fprintf(out, "  Unscheduled:      %t\n", cfg.AllowUnscheduled())
	fmt.Fprintf(out, "  Persistence:      %s\n", cfg.Persistence.Type)
	fmt.Fprintln(out, "  Schedules:")

	for _, s := range cfg.Schedules() {
		total, tp := s.Strategy.Lots(cfg.DefaultQuantity)
		tpTicks := "default"
		if s.Strategy.TPTicks != nil {
			tpTicks = fmt.Sprintf("%d", *s.Strategy.TPTicks)
		} else if cfg.TakeProfit.Ticks != nil {
			tpTicks = fmt.Sprintf("%d (global)", *cfg.TakeProfit.Ticks)
		}
		template := s.Strategy.Template
		if template == "" {
			template = "inline"
		}
		fmt.Fprintf(out, "    - %-14s %s  max_trades=%d  strategy=%s  lots=%d tp_lots=%d tp_ticks=%s carry=%t flatten_at_end=%t\n",
			s.ID, s.Window, s.MaxTrades, template, total, tp, tpTicks,
			s.Strategy.CarryRemaining, s.Strategy.FlattenAtEnd)
	}
	return nil
}
