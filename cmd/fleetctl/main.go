package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"coldchain/internal/buildinfo"
	"coldchain/internal/config"
	"coldchain/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fleetctl",
		Short:        "coldchain fleet tooling",
		Long:         "Offline planning, configuration and telemetry checks for the coldchain dispatch service.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newDecodeCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("fleetctl"))
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a configuration file",
		Long:  "Applies defaults and environment overrides, then reports every validation problem at once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store := "memory"
			if cfg.Database.URL != "" {
				store = "postgres"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  listen     %s\n", cfg.Addr())
			fmt.Fprintf(out, "  store      %s\n", store)
			fmt.Fprintf(out, "  redis      %v\n", cfg.Redis.URL != "")
			fmt.Fprintf(out, "  timezone   %s\n", cfg.Location())
			fmt.Fprintf(out, "  rules      %d\n", len(cfg.Telemetry.Rules))
			fmt.Fprintf(out, "  webhooks   %d subscriptions\n", len(cfg.Webhooks.Subscriptions))
			return nil
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default $CONFIG_FILE)")
	cmd.AddCommand(check)
	return cmd
}

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Telemetry decoding commands",
	}
	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Decode newline-delimited readings and report rejects",
		Long:  "Reads one JSON reading per line from file, or stdin when file is '-' or omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return decodeCheck(in, cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func decodeCheck(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line, total, rejected := 0, 0, 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		total++
		r, err := telemetry.Decode(raw)
		if err != nil {
			rejected++
			fmt.Fprintf(out, "line %d: %v\n", line, err)
			continue
		}
		fmt.Fprintf(out, "line %d: %s vehicle=%s sensor=%s ts=%s\n", line, r.Kind, r.VehicleID, r.SensorID, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d readings, %d rejected\n", total, rejected)
	if rejected > 0 {
		return fmt.Errorf("%d of %d readings rejected", rejected, total)
	}
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
	}
	os.Exit(execute(newRootCmd()))
}
