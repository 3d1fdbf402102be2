package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/tool_router/internal/contract"
)

func newLockCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Generate or check the capability lockfile",
	}
	cmd.PersistentFlags().StringVar(&f.lockfile, "lockfile", "", "lockfile path")

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Write the lockfile for the current catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			reg, _, err := catalogRegistry(cfg, mustBuildLogger(cfg.LogLevel, true))
			if err != nil {
				return err
			}
			lock := contract.GenerateLockfile(cfg.Name, cfg.Version, contract.MaterializeAll(reg.Builders()), time.Now())
			data, err := lock.Serialize()
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.LockfilePath, data, 0o644); err != nil {
				return fmt.Errorf("write lockfile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tools, %s)\n",
				cfg.LockfilePath, len(lock.Capabilities.Tools), lock.IntegrityDigest)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Fail when the catalog drifted from the lockfile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(cfg.LockfilePath)
			if err != nil {
				return fmt.Errorf("read lockfile: %w", err)
			}
			lock, err := contract.ParseLockfile(data)
			if err != nil {
				return err
			}
			reg, _, err := catalogRegistry(cfg, mustBuildLogger(cfg.LogLevel, true))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if at, err := time.Parse(time.RFC3339, lock.GeneratedAt); err == nil {
				fmt.Fprintf(out, "%s generated %s\n", cfg.LockfilePath, humanize.Time(at))
			}
			res := lock.Check(contract.MaterializeAll(reg.Builders()))
			if res.OK {
				fmt.Fprintln(out, res.Message())
				return nil
			}
			for _, c := range res.Changed {
				for _, d := range c.Diff.Deltas {
					fmt.Fprintf(out, "  %s %s %s: %s\n", c.Name, d.Field, d.Severity, d.Description)
				}
			}
			return fmt.Errorf("%s", res.Message())
		},
	})
	return cmd
}
