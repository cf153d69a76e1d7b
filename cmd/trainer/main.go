// Command trainer trains instruments offline and imports CSV bars into
// ClickHouse.
//
//	trainer [-config path] train NYSE:IBM HOSE:VNM
//	trainer [-config path] import -file ibm.csv NYSE:IBM
//	trainer [-config path] list
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FinCast/internal/di"
	"FinCast/internal/domain/models"
	"FinCast/internal/repository"
	"FinCast/pkg/config"
	applogger "FinCast/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] train|import|list [args]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	tk, err := di.InitializeToolkit(cfg)
	if err != nil {
		log.Fatalf("initialization failed: %v", err)
	}
	defer tk.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "train":
		err = runTrain(ctx, tk, args[1:])
	case "import":
		err = runImport(ctx, tk, args[1:])
	case "list":
		err = runList(ctx, tk)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		tk.Logger.Error("trainer failed", applogger.String("command", args[0]), applogger.Error(err))
		tk.Close()
		os.Exit(1)
	}
}

func parseInstruments(args []string) ([]models.Instrument, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no instruments given")
	}
	out := make([]models.Instrument, 0, len(args))
	for _, a := range args {
		inst, err := models.ParseInstrument(a)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func runTrain(ctx context.Context, tk *di.Toolkit, args []string) error {
	instruments, err := parseInstruments(args)
	if err != nil {
		return err
	}
	rep := tk.Batch.TrainAll(ctx, instruments)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d instruments failed", rep.Failed, len(rep.Items))
	}
	return nil
}

func runImport(ctx context.Context, tk *di.Toolkit, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	file := fs.String("file", "", "CSV file with Date,Open,High,Low,Close,Volume columns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if tk.Writer == nil {
		return fmt.Errorf("import requires clickhouse.enabled")
	}
	if *file == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: import -file path EXCHANGE:SYMBOL")
	}
	inst, err := models.ParseInstrument(fs.Arg(0))
	if err != nil {
		return err
	}

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open %s: %w", *file, err)
	}
	defer f.Close()

	start := time.Now()
	bars, err := repository.ReadBarsCSV(ctx, f, time.Time{})
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}
	if err := tk.Writer.WriteDailyBars(ctx, inst, bars); err != nil {
		return err
	}
	tk.Logger.Info("bars imported",
		applogger.Instrument(inst),
		applogger.Int("rows", len(bars)),
		applogger.Duration("took", time.Since(start)),
	)
	return nil
}

func runList(ctx context.Context, tk *di.Toolkit) error {
	list, err := tk.Store.List(ctx)
	if err != nil {
		return err
	}
	for _, inst := range list {
		fmt.Println(inst.Key())
	}
	return nil
}
