package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/vitals/pkg/export"
	"github.com/nicktill/vitals/pkg/retention"
	"github.com/nicktill/vitals/pkg/sensor"
	"github.com/nicktill/vitals/pkg/server"
)

var (
	exportFormat string
	exportOut    string
	pruneDays    int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Poll the sensor and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	exportCmd = &cobra.Command{
		Use:   "export [YYYY-MM-DD]",
		Short: "Export one day's log as JSON, CSV or text",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete days older than the retention horizon",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Check that the configured sensor answers with a reading",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}
)

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", export.FormatJSON, "output format: json, csv or txt")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default: health-log-<day>.<format>)")

	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "retention horizon in days (default: retentionDays from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	srv, err := server.New(cfg, store, nil, logger)
	if err != nil {
		return err
	}

	logger.Info("starting vitals", "port", cfg.Port, "retention_days", cfg.RetentionDays, "poll_interval", cfg.Poll.Interval)
	return srv.Run(ctx)
}

func runExport(cmd *cobra.Command, args []string) error {
	loc, err := cfg.Loc()
	if err != nil {
		return err
	}
	day, err := export.ParseDay(args[0], loc)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	store, err := server.OpenStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	path := exportOut
	if path == "" {
		path = export.FileName(day, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	result, err := export.NewExporter(store).Export(cmd.Context(), f, day, format)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("export %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d hours, %d readings)\n", path, result.BucketsExported, result.SamplesExported)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	days := pruneDays
	if days == 0 {
		days = cfg.RetentionDays
	}
	loc, err := cfg.Loc()
	if err != nil {
		return err
	}

	store, err := server.OpenStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	res, err := retention.New(store, logger).Prune(cmd.Context(), time.Now().In(loc), days)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %d days (%d hours) before %s\n",
		res.RemovedDays, res.RemovedBuckets, res.Cutoff.Format(export.DayLayout))
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	if cfg.Sensor.URL == "" {
		return fmt.Errorf("no sensor URL configured (set sensor.url or VITALS_SENSOR_URL)")
	}

	client, err := sensor.New(sensor.Config{URL: cfg.Sensor.URL, AuthKey: cfg.Sensor.AuthKey})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sensor.ProbeTimeout)
	defer cancel()

	sample, err := client.Probe(ctx)
	if err != nil {
		return fmt.Errorf("sensor did not answer: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sensor OK: heart rate %.0f bpm, SpO2 %.0f%%\n", sample.HeartRate, sample.BloodOxygen)
	return nil
}
