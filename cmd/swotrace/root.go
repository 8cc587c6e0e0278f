// Package main implements the swotrace CLI: a headless front end for
// the trace-ingestion core, driving a session.Session without a GUI for
// scripted capture and offline CSV export.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logger     = logrus.StandardLogger()
)

var rootCmd = &cobra.Command{
	Use:   "swotrace",
	Short: "Headless SWO trace capture and decode for Black Magic Probe",
	Long: `swotrace is the headless capture and decode core for a Black Magic
Probe SWO viewer: it opens the probe's trace endpoint (USB or TCP),
decodes ITM stimulus and PC-sample packets, and exports the result to
CSV or a profiling histogram without requiring the GUI.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "swotrace.yaml", "config file path")
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
