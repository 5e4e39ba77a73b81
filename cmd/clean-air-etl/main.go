package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	app := &cli.App{
		Name:  "clean-air-etl",
		Usage: "batch ETL from the OpenAQ API into the air-quality warehouse",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "optional YAML config file; environment variables override it",
				EnvVars: []string{"CLEAN_AIR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "daily",
				Usage:  "run the daily pipeline (locations, sensors, measurements) once",
				Action: runPipelineAction("daily"),
			},
			{
				Name:   "weekly",
				Usage:  "run the weekly pipeline (parameters) once",
				Action: runPipelineAction("weekly"),
			},
			{
				Name:   "serve",
				Usage:  "schedule both pipelines and serve the admin API",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "create missing warehouse tables",
				Action: migrateAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
