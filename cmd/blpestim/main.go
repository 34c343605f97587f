// blpestim estimates a random-coefficients demand model from CSV inputs.
//
// It expects one argument, a data directory containing share.csv,
// x1.csv, x2.csv, z.csv, v.csv, d.csv (optional) and theta0.csv, and
// writes estimates.csv and varcov.csv next to them. Market layout is
// inferred from the files: the number of markets is the row count of
// v.csv, and the simulated individuals per market come from configuration.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/microecon/blpdemand/pkg/blp"
)

// Config carries the tuning knobs of a run, loaded from BLP_-prefixed
// environment variables.
type Config struct {
	Tol     float64 `default:"1e-9" desc:"starting contraction tolerance"`
	MeanTol float64 `default:"1e-3" desc:"mean absolute difference tolerance"`
	MaxIter int     `default:"1000" desc:"contraction iteration ceiling"`
	SimInd  int     `default:"0" desc:"simulated individuals per market (0 = infer from v.csv and x2.csv)"`
	Debug   bool    `default:"false" desc:"enable debug logging"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: blpestim <data_dir>")
		os.Exit(2)
	}
	dir := os.Args[1]

	var cfg Config
	if err := envconfig.Process("blp", &cfg); err != nil {
		log.Fatal().Err(err).Msg("bad configuration")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// 1. Load the product-level matrices
	share, err := blp.LoadVectorCSV(filepath.Join(dir, "share.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load shares")
	}
	x1, _, err := blp.LoadMatrixCSV(filepath.Join(dir, "x1.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load x1")
	}
	x2, _, err := blp.LoadMatrixCSV(filepath.Join(dir, "x2.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load x2")
	}
	z, _, err := blp.LoadMatrixCSV(filepath.Join(dir, "z.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load instruments")
	}
	v, _, err := blp.LoadMatrixCSV(filepath.Join(dir, "v.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load taste-shock draws")
	}

	// demographics are optional
	var d *mat.Dense
	if _, statErr := os.Stat(filepath.Join(dir, "d.csv")); statErr == nil {
		d, _, err = blp.LoadMatrixCSV(filepath.Join(dir, "d.csv"))
		if err != nil {
			log.Fatal().Err(err).Msg("load demographics")
		}
	}

	theta0, _, err := blp.LoadMatrixCSV(filepath.Join(dir, "theta0.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("load initial theta")
	}

	// 2. Infer the market layout
	nmkt, vcols := v.Dims()
	_, k2 := x2.Dims()
	nsimind := cfg.SimInd
	if nsimind == 0 {
		nsimind = vcols / k2
	}
	n := share.Len()
	if nmkt == 0 || n%nmkt != 0 {
		log.Fatal().Int("products", n).Int("markets", nmkt).
			Msg("product count is not divisible by market count")
	}

	data := &blp.Data{
		Share:   share,
		X1:      x1,
		X2:      x2,
		Z:       z,
		V:       v,
		D:       d,
		NMkt:    nmkt,
		NBrand:  n / nmkt,
		NSimInd: nsimind,
	}
	log.Info().
		Int("markets", data.NMkt).
		Int("brands", data.NBrand).
		Int("simInd", data.NSimInd).
		Int("demographics", data.NumDemog()).
		Msg("loaded estimation data")

	// 3. Set up the estimator
	opts := blp.Options{Tol: cfg.Tol, MeanTol: cfg.MeanTol, MaxIter: cfg.MaxIter}
	est, err := blp.NewEstimator(data, theta0, opts, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("estimator setup")
	}

	// 4. Run the outer optimizer (BFGS with the analytic gradient)
	res, err := est.Fit(nil, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("estimation failed")
	}

	// 5. Print a summary
	printSummary(res)

	// 6. Write results
	estPath := filepath.Join(dir, "estimates.csv")
	if err := blp.WriteEstimatesCSV(estPath, res); err != nil {
		log.Fatal().Err(err).Msg("write estimates")
	}
	fmt.Println("Estimates written to", estPath)

	vcPath := filepath.Join(dir, "varcov.csv")
	if err := blp.WriteVarCovCSV(vcPath, res); err != nil {
		log.Fatal().Err(err).Msg("write variance-covariance")
	}
	fmt.Println("Variance-covariance written to", vcPath)
}

// printSummary produces a table of the estimation results.
func printSummary(res *blp.Result) {
	fmt.Println("         BLP Demand Estimation Summary      ")
	fmt.Printf("GMM objective at optimum: %f\n", res.Objective)
	fmt.Println()

	fmt.Println("Linear parameters (theta1):")
	fmt.Printf("%-10s %12s %12s\n", "param", "estimate", "std err")
	for i := 0; i < res.Theta1.Len(); i++ {
		fmt.Printf("b%-9d %12.6f %12.6f\n", i, res.Theta1.AtVec(i), res.StdErrTheta1[i])
	}
	fmt.Println()

	fmt.Println("Nonlinear parameters (theta):")
	fmt.Printf("%v\n", mat.Formatted(res.Theta.Coef, mat.Prefix("  ")))
	fmt.Println()

	fmt.Println("Standard errors (theta positions):")
	fmt.Printf("%v\n", mat.Formatted(res.StdErr, mat.Prefix("  ")))
	fmt.Println("=======================================")
}
