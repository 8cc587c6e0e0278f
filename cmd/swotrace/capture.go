package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swotrace/internal/config"
	"swotrace/internal/itmdecode"
	"swotrace/internal/session"
)

var (
	captureOutput    string
	captureMaxLines  int
	capturePollEvery time.Duration
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture ITM text-trace output and write it to a CSV file",
	RunE:  runCapture,
}

func init() {
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "trace.csv", "CSV output path")
	captureCmd.Flags().IntVarP(&captureMaxLines, "max-lines", "n", 0, "stop after this many lines (0 = unbounded, run until interrupted)")
	captureCmd.Flags().DurationVar(&capturePollEvery, "poll-interval", 20*time.Millisecond, "how often to drain the packet ring")
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sess := session.New(logger, nil, itmdecode.NoCTF{})
	config.ApplyChannels(cfg, sess.Registry)
	if cfg.DataWordSize != 0 {
		sess.Decoder.SetDataWordSize(cfg.DataWordSize)
	}

	status, err := sess.Init(session.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return fmt.Errorf("open trace transport (%s): %w", status, err)
	}
	defer sess.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(capturePollEvery)
	defer ticker.Stop()

	logger.Info("capture started, press Ctrl+C to stop")
	for {
		select {
		case <-sigCh:
			logger.Info("capture interrupted")
			return writeCapture(sess, captureOutput)
		case <-ticker.C:
			sess.Decoder.ProcessText(true)
			if captureMaxLines > 0 && sess.Store.Count() >= captureMaxLines {
				logger.Infof("reached line limit (%d), stopping", captureMaxLines)
				return writeCapture(sess, captureOutput)
			}
		}
	}
}

func writeCapture(sess *session.Session, path string) error {
	if err := sess.Store.Save(path); err != nil {
		return fmt.Errorf("save trace CSV: %w", err)
	}
	logger.Infof("wrote %d lines to %s", sess.Store.Count(), path)
	return nil
}
