package main

import (
	"os"

	"github.com/deepnoodle-ai/wonton/cli"
)

func main() {
	app := cli.New("craftkit").
		Description("Generate a creative asset, break it into steps and illustrate each step").
		Version("0.1.0")

	app.Main().
		Flags(
			cli.String("prompt", "p").
				Default("").
				Help("Description of the asset to generate"),
			cli.String("category", "c").
				Default("").
				Help("Prompt category used to pick templates (e.g. knitting, cooking)"),
			cli.Bool("analyze", "a").
				Default(false).
				Help("Decompose the master image into materials and steps"),
			cli.String("mask", "").
				Default("").
				Help("PNG selection mask; white or opaque pixels select the region to analyze"),
			cli.String("hint", "").
				Default("").
				Help("Text hint describing the region to analyze"),
			cli.String("batch", "b").
				Default("").
				Help("YAML file listing several generations to run concurrently"),
			cli.Int("parallel", "").
				Default(4).
				Help("Maximum number of batch items run at once"),
			cli.String("resume", "").
				Default("").
				Help("Generation id to load from the snapshot directory and retry"),
			cli.Bool("list", "").
				Default(false).
				Help("List saved generations and exit"),
			cli.String("config", "").
				Default("").
				Env("CRAFTKIT_CONFIG").
				Help("Path to a YAML or JSON configuration file"),
			cli.String("output", "o").
				Default("craftkit-output").
				Help("Directory that receives generated images"),
			cli.String("provider", "").
				Default("").
				Env("CRAFTKIT_PROVIDER").
				Help("Provider to use (google, openai)"),
			cli.String("log-level", "").
				Default("").
				Env("CRAFTKIT_LOG_LEVEL").
				Help("Log level to use (debug, info, warn, error)"),
		).
		Run(run)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
