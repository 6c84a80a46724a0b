package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/activity"
	"github.com/srg/bandsync/pkg/config"
)

type classifyOptions struct {
	cadence  float64
	speed    float64
	running  bool
	steps    int
	interval time.Duration
	height   float64
	weight   float64
	age      int
	gender   string
	format   string
}

func newClassifyCmd() *cobra.Command {
	opts := &classifyOptions{}
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one motion sample offline",
		Long: `Run the activity classifier and stride correction on a single sample without a band.

Profile flags default to the profile in the config file.`,
		Example: `  bandctl classify --cadence 120 --speed 5 --steps 118 --interval 1m
  bandctl classify --cadence 170 --speed 10 --running --height 182 --gender male`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClassify(cmd, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.cadence, "cadence", 0, "Cadence in steps per minute")
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "Speed in km/h")
	cmd.Flags().BoolVar(&opts.running, "running", false, "The band flagged the sample as running")
	cmd.Flags().IntVar(&opts.steps, "steps", 0, "Steps counted by the band over the interval")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Minute, "Interval the steps were counted over")
	cmd.Flags().Float64Var(&opts.height, "height", 0, "Height in cm")
	cmd.Flags().Float64Var(&opts.weight, "weight", 0, "Weight in kg")
	cmd.Flags().IntVar(&opts.age, "age", 0, "Age in years")
	cmd.Flags().StringVar(&opts.gender, "gender", "", "Gender for the base stride ratio (male, female, unspecified)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json, yaml, cbor)")
	return cmd
}

// profileFrom applies the profile flags that were set over the configured profile
func profileFrom(cmd *cobra.Command, cfg *config.Config, opts *classifyOptions) (activity.Profile, error) {
	p := cfg.Profile
	if cmd.Flags().Changed("height") {
		p.HeightCm = opts.height
	}
	if cmd.Flags().Changed("weight") {
		p.WeightKg = opts.weight
	}
	if cmd.Flags().Changed("age") {
		p.Age = opts.age
	}
	if cmd.Flags().Changed("gender") {
		p.Gender = opts.gender
	}
	if p.HeightCm <= 0 || p.WeightKg <= 0 || p.Age < 0 {
		return activity.Profile{}, fmt.Errorf("invalid profile: height and weight must be positive")
	}

	g, err := activity.ParseGender(p.Gender)
	if err != nil {
		return activity.Profile{}, err
	}
	return activity.Profile{HeightCm: p.HeightCm, WeightKg: p.WeightKg, Age: p.Age, Gender: g}, nil
}

func runClassify(cmd *cobra.Command, opts *classifyOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := resolveFormat(opts.format, cfg.OutputFormat)
	if err != nil {
		return err
	}
	profile, err := profileFrom(cmd, cfg, opts)
	if err != nil {
		return err
	}
	if opts.cadence < 0 || opts.speed < 0 || opts.steps < 0 {
		return fmt.Errorf("cadence, speed and steps must not be negative")
	}

	cmd.SilenceUsage = true

	engine := activity.NewEngine(profile, 1, configureLogger(cmd, cfg))
	defer engine.Close()

	result := engine.Process(activity.Sample{
		Cadence:  opts.cadence,
		SpeedKmh: opts.speed,
		Running:  opts.running,
		RawSteps: opts.steps,
		Interval: opts.interval,
		At:       time.Now(),
	})

	return render(cmd.OutOrStdout(), format, result, func(w io.Writer) error {
		tw := newTabWriter(w)
		fmt.Fprintf(tw, "ACTIVITY\t%s\n", result.Activity)
		fmt.Fprintf(tw, "STRIDE\t%.3f m\n", result.StrideM)
		fmt.Fprintf(tw, "STEPS\t%d\n", result.IncrementalUncorrected)
		fmt.Fprintf(tw, "CORRECTED STEPS\t%d\n", result.IncrementalCorrected)
		fmt.Fprintf(tw, "CONFIDENCE\t%.0f%%\n", result.Confidence*100)
		return tw.Flush()
	})
}
