package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"mnister/app"
	"mnister/config"
	"mnister/logging"
	"mnister/ml"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mnister [-config path] <command>

commands:
  init             load or build the classifier
  classify <file>  classify 784 comma or whitespace separated pixel values
  history          show recent training runs
`)
}

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("initialize", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.StartWatch(ctx)

	if err := run(ctx, a, flag.Args()); err != nil {
		logger.Error("command failed", zap.String("command", flag.Arg(0)), zap.String("kind", ml.KindOf(err).String()), zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, args []string) error {
	switch args[0] {
	case "init":
		return a.Service.EnsureReady(ctx)
	case "classify":
		if len(args) < 2 {
			return fmt.Errorf("classify needs a file")
		}
		vector, err := readVector(args[1])
		if err != nil {
			return err
		}
		label, err := a.Service.Classify(ctx, vector)
		if err != nil {
			return err
		}
		fmt.Println(label)
		return nil
	case "history":
		runs, err := a.Training.RecentRuns(ctx, 20)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%s  %-9s  C=%-6g degree=%d  cv=%.4f  holdout=%.4f  sv=%d  %s\n",
				r.TrainedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.C, r.Degree,
				r.CVScore, r.HoldoutAccuracy, r.SupportVectors, r.Duration)
			if r.Error != "" {
				fmt.Printf("    error: %s\n", r.Error)
			}
		}
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func readVector(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	vector := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, ml.E(ml.KindInvalidInput, "read_vector", "not a number: "+f, err)
		}
		vector = append(vector, v)
	}
	return vector, nil
}
