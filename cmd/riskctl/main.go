package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
	"github.com/mapaq-intel/sanirisk/internal/engine"
	"github.com/mapaq-intel/sanirisk/internal/regulation"
)

var (
	// Global flags
	datasetPath     string
	modelPath       string
	regulationsPath string
	verbose         bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "riskctl",
		Short: "Operational tool for the sanitary-risk engine",
		Long: `riskctl trains, evaluates and inspects the restaurant sanitary-risk
model, and manages the temporal regulation configuration.`,
	}

	rootCmd.PersistentFlags().StringVarP(&datasetPath, "dataset", "d", "", "Labeled dataset CSV")
	rootCmd.PersistentFlags().StringVarP(&modelPath, "model", "m", "model.json", "Model blob path")
	rootCmd.PersistentFlags().StringVarP(&regulationsPath, "regulations", "r", "data/regulations.json", "Regulation configuration path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(crossvalCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(sensitivityCmd())
	rootCmd.AddCommand(regulationsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newEngine() (*engine.Engine, error) {
	logger := newLogger()
	adapter, err := regulation.NewAdapterFromFile(regulationsPath, logger)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.DefaultConfig(), adapter, logger), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// trainCmd calibrates on a dataset and saves the model blob.
func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Calibrate the model on a labeled dataset and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			ds, err := dataset.LoadCSV(datasetPath)
			if err != nil {
				return err
			}

			metrics, err := eng.Calibrate(ds)
			if err != nil {
				return err
			}
			if err := eng.SaveModel(modelPath); err != nil {
				return err
			}

			fmt.Printf("Trained on %d samples, model saved to %s\n", metrics.NumSamples, modelPath)
			return printJSON(metrics)
		},
	}
}

// evaluateCmd scores a saved model against a labeled dataset.
func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a saved model against a labeled dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			if err := eng.LoadModel(modelPath); err != nil {
				return err
			}
			ds, err := dataset.LoadCSV(datasetPath)
			if err != nil {
				return err
			}

			metrics, err := eng.Evaluate(ds)
			if err != nil {
				return err
			}
			return printJSON(metrics)
		},
	}
}

// crossvalCmd runs seeded k-fold cross-validation.
func crossvalCmd() *cobra.Command {
	var folds int
	var seed int64

	cmd := &cobra.Command{
		Use:   "crossval",
		Short: "Run k-fold cross-validation on a labeled dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			ds, err := dataset.LoadCSV(datasetPath)
			if err != nil {
				return err
			}

			report, err := eng.CrossValidate(ds, folds, seed)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().IntVar(&folds, "folds", 5, "Number of folds")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Shuffle seed (fixed seed = reproducible folds)")
	return cmd
}

func featureFlags(cmd *cobra.Command, fv *api.FeatureVector, date *string) {
	cmd.Flags().StringVar(&fv.CuisineType, "cuisine", "", "Cuisine type")
	cmd.Flags().IntVar(&fv.StaffCount, "staff", 0, "Staff count")
	cmd.Flags().IntVar(&fv.InfractionsHistory, "infractions", 0, "Past infractions")
	cmd.Flags().Float64Var(&fv.KitchenSize, "kitchen", 0, "Kitchen size in m²")
	cmd.Flags().StringVar(&fv.Region, "region", "", "Region")
	cmd.Flags().StringVar(date, "date", "", "Inspection date (YYYY-MM-DD)")
}

func resolveDate(fv *api.FeatureVector, raw string) error {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return fmt.Errorf("invalid --date: %w", err)
	}
	fv.InspectionDate = &t
	return nil
}

// predictCmd scores a single restaurant.
func predictCmd() *cobra.Command {
	var fv api.FeatureVector
	var date string
	var explain bool

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict the risk level for one restaurant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveDate(&fv, date); err != nil {
				return err
			}
			eng, err := newEngine()
			if err != nil {
				return err
			}
			if _, err := os.Stat(modelPath); err == nil {
				if err := eng.LoadModel(modelPath); err != nil {
					return err
				}
			}

			ctx := context.Background()
			if explain {
				result, err := eng.Explain(ctx, fv)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			result, err := eng.PredictWithConfidence(ctx, fv)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	featureFlags(cmd, &fv, &date)
	cmd.Flags().BoolVar(&explain, "explain", false, "Include per-feature impact attribution")
	return cmd
}

// sensitivityCmd sweeps numeric features around a base vector.
func sensitivityCmd() *cobra.Command {
	var fv api.FeatureVector
	var date string

	cmd := &cobra.Command{
		Use:   "sensitivity",
		Short: "Run sensitivity analysis around a base feature vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveDate(&fv, date); err != nil {
				return err
			}
			eng, err := newEngine()
			if err != nil {
				return err
			}
			if _, err := os.Stat(modelPath); err == nil {
				if err := eng.LoadModel(modelPath); err != nil {
					return err
				}
			}

			report, err := eng.SensitivityAnalysis(fv)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	featureFlags(cmd, &fv, &date)
	return cmd
}

// regulationsCmd groups regulation sub-operations.
func regulationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regulations",
		Short: "Inspect and mutate the regulation timeline",
	}
	cmd.AddCommand(regulationsListCmd())
	cmd.AddCommand(regulationsAddCmd())
	cmd.AddCommand(regulationsImpactCmd())
	return cmd
}

func regulationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the regulation timeline sorted by effective date",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := regulation.NewAdapterFromFile(regulationsPath, newLogger())
			if err != nil {
				return err
			}
			timeline, err := adapter.GetTimeline(context.Background())
			if err != nil {
				return err
			}
			return printJSON(timeline)
		},
	}
}

func regulationsAddCmd() *cobra.Command {
	var rec api.RegulationRecord
	var date string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a regulation to the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			rec.EffectiveDate = t

			adapter, err := regulation.NewAdapterFromFile(regulationsPath, newLogger())
			if err != nil {
				return err
			}
			if err := adapter.AddRegulation(context.Background(), rec); err != nil {
				return err
			}
			fmt.Printf("Regulation %s added\n", rec.ID)
			return adapter.Close()
		},
	}
	cmd.Flags().StringVar(&rec.ID, "id", "", "Unique regulation ID")
	cmd.Flags().StringVar(&rec.Name, "name", "", "Regulation name")
	cmd.Flags().StringVar(&rec.Description, "description", "", "Description")
	cmd.Flags().Float64Var(&rec.ImpactWeight, "weight", 1.0, "Impact weight (1.0 = neutral)")
	cmd.Flags().StringVar(&date, "date", "", "Effective date (YYYY-MM-DD)")
	return cmd
}

func regulationsImpactCmd() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Resolve the cumulative impact factor for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := time.Now()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				t = parsed
			}

			adapter, err := regulation.NewAdapterFromFile(regulationsPath, newLogger())
			if err != nil {
				return err
			}
			factor, err := adapter.GetImpactFactor(context.Background(), t)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.4f\n", t.Format("2006-01-02"), factor)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Query date (YYYY-MM-DD), default today")
	return cmd
}
