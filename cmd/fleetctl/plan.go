package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"coldchain/internal/config"
	"coldchain/internal/dispatch"
	"coldchain/internal/distance"
	"coldchain/internal/model"
	"coldchain/internal/opt"
	"coldchain/internal/store"
)

// planFile is the offline input: the fleet and the orders to place.
type planFile struct {
	Date     string          `json:"date,omitempty"`
	Vehicles []model.Vehicle `json:"vehicles"`
	Orders   []model.Order   `json:"orders"`
}

func newPlanCmd() *cobra.Command {
	var (
		file       string
		date       string
		configPath string
		summary    bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run the optimizer offline against a JSON plan file",
		Long: `Loads vehicles and orders from a JSON file into an in-memory store and
prints the planned dispatches and unassigned orders. Distances are geodesic,
no routing API or database is contacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), file, date, configPath, summary)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file with vehicles and orders (required)")
	cmd.Flags().StringVar(&date, "date", "", "service date YYYY-MM-DD (overrides the file)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file for optimizer settings")
	cmd.Flags().BoolVar(&summary, "summary", false, "print only the summary line")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPlan(ctx context.Context, out io.Writer, file, date, configPath string, summary bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	if date != "" {
		pf.Date = date
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st := store.NewMemory()
	for _, v := range pf.Vehicles {
		if _, err := st.UpsertVehicle(ctx, v); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	for i := range pf.Orders {
		pf.Orders[i].Status = model.OrderPending
	}
	created, err := st.CreateOrders(ctx, pf.Orders)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		return fmt.Errorf("%s: no orders to plan", file)
	}
	ids := make([]string, 0, len(created))
	for _, o := range created {
		ids = append(ids, o.ID)
	}

	dist := distance.Geodesic{SpeedKmh: cfg.Optimizer.AverageSpeedKmh}
	engine := opt.NewEngine(opt.NewSequencer(cfg.SequencerParams(), dist, cfg.Scorer()), cfg.Optimizer.ShiftStart, cfg.Location())
	ds := dispatch.NewService(st, engine, dispatch.NewLocks())

	// Service logging would interleave with the JSON on stdout.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	res, err := ds.Optimize(ctx, dispatch.OptimizeRequest{OrderIDs: ids, Date: pf.Date})
	if err != nil {
		return err
	}
	if summary {
		fmt.Fprintf(out, "%d dispatches, %d assigned, %d unassigned\n", len(res.Dispatches), res.Summary.Assigned, res.Summary.Unassigned)
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
