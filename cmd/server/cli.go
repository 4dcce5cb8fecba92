package main

import "github.com/urfave/cli/v2"

func app() *cli.App {
	return &cli.App{
		Name:        "embercore",
		Usage:       "embercore server",
		Description: "Runs the embercore game server.",
		Action:      server,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"EMBERCORE_CONFIG"},
				Value:   "./",
			},
		},
	}
}
