// The server command is the main entrypoint for running embercore. It takes
// care of loading the configuration and running the controller until it's
// told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/dcrodman/embercore/internal"
	"github.com/dcrodman/embercore/internal/core"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Printf("embercore error: %v\n", err)
		os.Exit(1)
	}
}

func server(cc *cli.Context) error {
	configDir := cc.String("config")

	// Variables in a .env file next to the config are applied before the config is
	// read so that they can override it.
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cli.Exit(fmt.Sprintf("error loading .env file: %v", err), 1)
	}

	config, err := core.LoadConfig(configDir)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println("using configuration directory:", configDir)

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(cc.Context)
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the servers down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	// Start up the controller to handle all of the resources and server init.
	controller := &internal.Controller{
		Config: config,
	}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Println("shut down")
	return nil
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	// A second signal skips the graceful shutdown.
	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
