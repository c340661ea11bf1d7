// Package main runs the multi-camera calibration optimizer over a
// pre-detected bundle: detected corners plus initial per-camera calibrations
// and board poses, as produced by the detection and analytic estimation
// steps of the pipeline.
package main

import (
	"context"
	"os"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"

	"github.com/kvoit/calibcam-po/optim"
	"github.com/kvoit/calibcam-po/rig"
	"github.com/kvoit/calibcam-po/solver"
)

func main() {
	logger := golog.NewDevelopmentLogger("calibrate")
	app := &cli.App{
		Name:  "calibrate",
		Usage: "refine a multi-camera rig calibration from detected board corners",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Usage:    "bundle JSON with detections and initial calibrations",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optimization options JSON (defaults used when omitted)",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "path for the calibration result JSON",
				Value: "multicam_calibration.json",
			},
			&cli.StringSliceFlag{
				Name:  "intrinsics",
				Usage: "per-camera pinhole intrinsics JSON overriding the bundle's initial matrices",
			},
		},
		Action: func(c *cli.Context) error {
			return runCalibration(c.Context, c.String("input"), c.String("config"), c.String("out"), c.StringSlice("intrinsics"), logger)
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func runCalibration(ctx context.Context, inputPath, configPath, outPath string, intrinsicsPaths []string, logger golog.Logger) error {
	bundle, err := rig.LoadBundle(inputPath)
	if err != nil {
		return err
	}
	if err := bundle.ApplyIntrinsicsFiles(intrinsicsPaths); err != nil {
		return err
	}

	opts := optim.DefaultOptions()
	if configPath != "" {
		loaded, err := optim.NewOptionsFromJSONFile(configPath)
		if err != nil {
			return err
		}
		opts = *loaded
	}

	obs, err := bundle.Observations()
	if err != nil {
		return err
	}

	slv, err := solver.NewSolver(opts.Solver.Method, logger)
	if err != nil {
		return err
	}
	logger.Info("starting multi camera calibration")
	driver := optim.NewDriver(slv, opts, logger)
	res, err := driver.Calibrate(ctx, bundle.InitialCameras(), bundle.InitialBoards(), obs, bundle.Board.CornerTemplate())
	if err != nil {
		return err
	}

	result := rig.NewResult(res, obs, opts)
	if err := result.Save(outPath); err != nil {
		return err
	}
	logger.Infof("saved multi camera calibration to file %s", outPath)
	return nil
}
