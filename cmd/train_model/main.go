package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mnister/app"
	"mnister/config"
	"mnister/dataset"
	"mnister/logging"
	"mnister/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	modelPath := flag.String("model_path", "", "model output path, overrides model.path")
	seed := flag.Int64("seed", 0, "split seed, overrides data.seed")
	holdout := flag.Bool("holdout", true, "report accuracy on the samples outside the training pool")
	lang := flag.String("lang", "en", "report number formatting language")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *seed != 0 {
		cfg.Data.Seed = *seed
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("initialize", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := a.Builder.Run(ctx)
	if err != nil {
		a.Close()
		log.Fatalf("failed to train model: %v", err)
	}

	p := message.NewPrinter(language.Make(*lang))
	p.Printf("best C=%g degree=%d cv accuracy=%.4f\n", report.Search.Best.C, report.Search.Best.Degree, report.Search.BestScore)
	for _, e := range report.Search.Evaluations {
		p.Printf("  C=%-6g degree=%d  score=%.4f  (%v)\n", e.Point.C, e.Point.Degree, e.Score, e.Duration)
	}
	p.Printf("hyperopt samples: %d, fulltrain samples: %d, support vectors: %d\n",
		report.HyperoptSamples, report.FulltrainSamples, len(report.Model.SupportVectors))

	if *holdout {
		accuracy, n, err := evaluateHoldout(ctx, a, report.Model)
		if err != nil {
			logger.Warn("holdout evaluation failed", zap.Error(err))
		} else {
			p.Printf("holdout accuracy=%.4f on %d samples\n", accuracy, n)
			if report.RunID != 0 {
				if err := a.Training.SetHoldoutAccuracy(ctx, report.RunID, accuracy); err != nil {
					logger.Warn("record holdout accuracy failed", zap.Error(err))
				}
			}
		}
	}

	p.Printf("model saved to %s in %v\n", a.Store.Path(), report.Duration)
}

// evaluateHoldout scores the model on the samples after the training pool, which no
// stage of the build has seen.
func evaluateHoldout(ctx context.Context, a *app.App, model ml.MLModel) (float64, int, error) {
	data, err := a.Fetcher.Fetch(ctx)
	if err != nil {
		return 0, 0, err
	}
	x, y := data.Holdout(dataset.TrainPoolSize).All()
	if len(y) == 0 {
		return 0, 0, nil
	}
	accuracy, err := ml.Accuracy(model, x, y)
	return accuracy, len(y), err
}
