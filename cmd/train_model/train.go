package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cropadvisor/config"
	"cropadvisor/db"
	"cropadvisor/logging"
	"cropadvisor/pipeline"
)

type trainOptions struct {
	configPath     string
	dataset        string
	encoding       string
	scalerPath     string
	modelPath      string
	metaFeatures   string
	folds          int
	seed           int64
	testRatio      float64
	dbPath         string
	dropDuplicates bool
	jsonOut        bool
}

func newTrainCommand() *cobra.Command {
	var opts trainOptions

	cmd := &cobra.Command{
		Use:           "train_model",
		Short:         "Train the stacking crop classifier and write scaler and model artifacts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			dataset, err := pipeline.LoadDataset(cfg.Training.Dataset, pipeline.DatasetOptions{Encoding: cfg.Training.Encoding})
			if err != nil {
				return err
			}
			logger.Info("dataset loaded",
				zap.String("path", cfg.Training.Dataset),
				zap.Int("rows", len(dataset.Samples)),
				zap.Strings("labels", dataset.Labels()))

			var trainerOpts []pipeline.TrainerOption
			if cfg.Database.Path != "" {
				store, err := db.Open(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer store.Close()
				trainerOpts = append(trainerOpts, pipeline.WithRecorder(store))
			}

			trainer := pipeline.NewTrainer(cfg.Training, cfg.Models, cfg.Artifacts, logger.Named("train"), trainerOpts...)
			result, err := trainer.Run(cmd.Context(), dataset)
			if err != nil {
				return err
			}

			if opts.jsonOut {
				raw, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}
			printReport(cmd.OutOrStdout(), result)
			fmt.Fprintf(cmd.OutOrStdout(), "scaler saved to %s\nmodel saved to %s\n", cfg.Artifacts.Scaler, cfg.Artifacts.Model)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "Config file; missing files fall back to defaults")
	cmd.Flags().StringVar(&opts.dataset, "dataset", "", "CSV with N,P,K,temperature,humidity,ph,rainfall,label columns")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "", "Dataset encoding: utf-8|gbk")
	cmd.Flags().StringVar(&opts.scalerPath, "scaler", "", "Output path for scaler parameters")
	cmd.Flags().StringVar(&opts.modelPath, "model", "", "Output path for the model bundle")
	cmd.Flags().StringVar(&opts.metaFeatures, "meta-features", "", "Meta-feature mode: in_sample|out_of_fold")
	cmd.Flags().IntVar(&opts.folds, "folds", 0, "Fold count for out_of_fold meta features")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Split and model seed")
	cmd.Flags().Float64Var(&opts.testRatio, "test-ratio", 0, "Held-out fraction in (0,1)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database for the training log")
	cmd.Flags().BoolVar(&opts.dropDuplicates, "drop-duplicates", false, "Reject repeated rows before splitting")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the training result as JSON")
	cmd.Example = `  # Train with config.yaml defaults
  train_model

  # Train a GBK-encoded dataset with out-of-fold meta features
  train_model --dataset data/crops.csv --encoding gbk --meta-features out_of_fold --folds 5

  # Write artifacts elsewhere and log the run
  train_model --scaler out/scaler.json --model out/model.json --db crop.db`
	return cmd
}

// apply copies explicitly set flags over the loaded config.
func (o trainOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dataset") {
		cfg.Training.Dataset = o.dataset
	}
	if flags.Changed("encoding") {
		cfg.Training.Encoding = o.encoding
	}
	if flags.Changed("scaler") {
		cfg.Artifacts.Scaler = o.scalerPath
	}
	if flags.Changed("model") {
		cfg.Artifacts.Model = o.modelPath
	}
	if flags.Changed("meta-features") {
		cfg.Training.MetaFeatures = o.metaFeatures
	}
	if flags.Changed("folds") {
		cfg.Training.Folds = o.folds
	}
	if flags.Changed("seed") {
		cfg.Training.Seed = o.seed
		cfg.Models.RandomForest.Seed = o.seed
		cfg.Models.SVM.Seed = o.seed
	}
	if flags.Changed("test-ratio") {
		cfg.Training.TestRatio = o.testRatio
	}
	if flags.Changed("db") {
		cfg.Database.Path = o.dbPath
	}
	if flags.Changed("drop-duplicates") {
		cfg.Training.DropDuplicates = o.dropDuplicates
	}
	cfg.Inference.Artifacts = cfg.Artifacts
}

func printReport(w io.Writer, result *pipeline.Result) {
	fmt.Fprintf(w, "accuracy=%.4f train=%d test=%d rejected=%d duration=%s\n",
		result.Accuracy, result.TrainSize, result.TestSize, len(result.Rejected), result.Duration)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tPRECISION\tRECALL\tF1\tSUPPORT")
	for _, r := range result.Report {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%d\n", r.Label, r.Precision, r.Recall, r.F1, r.Support)
	}
	tw.Flush()
}
