/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/garehq/gare"
	"github.com/garehq/gare/config"
	"github.com/garehq/gare/database"
	"github.com/garehq/gare/internal/notification"
)

// Gare wraps the root Cobra command of the CLI.
type Gare struct {
	cmd *cobra.Command
}

// gareInstance holds the station service and its configuration, shared by
// every subcommand after preRun has built them.
type gareInstance struct {
	gare *gare.Gare
	cnf  *config.Configuration
}

// recoverPanic logs any panic that escapes a command and exits non-zero.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the station service before any
// command runs.
func preRun(app *gareInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("gare.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newGare, err := setupGare(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.gare = newGare
		app.cnf = cnf

		return nil
	}
}

// setupGare connects the datasource and builds the station service from it.
func setupGare(cfg *config.Configuration) (*gare.Gare, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newGare, err := gare.NewGare(db)
	if err != nil {
		return nil, fmt.Errorf("error creating gare: %v", err)
	}
	return newGare, nil
}

// NewCLI assembles the root command and its subcommands.
func NewCLI() *Gare {
	var configFile string
	g := &gareInstance{}

	var rootCmd = &cobra.Command{
		Use:   "gare",
		Short: "Transport station node",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./gare.json", "Configuration file for the station node")

	rootCmd.PersistentPreRunE = preRun(g)

	rootCmd.AddCommand(serverCommands(g))
	rootCmd.AddCommand(workerCommands(g))
	rootCmd.AddCommand(migrateCommands(g))
	rootCmd.AddCommand(configCommands())

	return &Gare{cmd: rootCmd}
}

func (w Gare) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
