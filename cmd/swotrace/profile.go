package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swotrace/internal/config"
	"swotrace/internal/itmdecode"
	"swotrace/internal/session"
)

var (
	profileCodeBase uint32
	profileCodeTop  uint32
	profileDuration time.Duration
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Capture PC-sample packets and print a histogram summary",
	RunE:  runProfile,
}

func init() {
	profileCmd.Flags().Uint32Var(&profileCodeBase, "code-base", 0, "lowest address covered by the sample map")
	profileCmd.Flags().Uint32Var(&profileCodeTop, "code-top", 0, "address one past the end of the sample map")
	profileCmd.Flags().DurationVar(&profileDuration, "duration", 0, "stop after this long (0 = run until interrupted)")

	profileCmd.MarkFlagRequired("code-base")
	profileCmd.MarkFlagRequired("code-top")
}

func runProfile(cmd *cobra.Command, args []string) error {
	if profileCodeTop <= profileCodeBase {
		return fmt.Errorf("--code-top must be greater than --code-base")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sess := session.New(logger, nil, itmdecode.NoCTF{})
	status, err := sess.Init(session.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return fmt.Errorf("open trace transport (%s): %w", status, err)
	}
	defer sess.Close()

	sampleMap := make([]uint32, itmdecode.Address2Index(profileCodeTop, profileCodeBase)+1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if profileDuration > 0 {
		deadline = time.After(profileDuration)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var totalSamples, totalOverflow uint32
	logger.Info("profiling started, press Ctrl+C to stop")
	for {
		select {
		case <-sigCh:
			return printHistogram(sampleMap, totalSamples, totalOverflow, profileCodeBase)
		case <-deadline:
			return printHistogram(sampleMap, totalSamples, totalOverflow, profileCodeBase)
		case <-ticker.C:
			n, overflow := sess.Decoder.ProcessProfile(true, sampleMap, profileCodeBase, profileCodeTop)
			totalSamples += n
			totalOverflow += overflow
		}
	}
}

func printHistogram(sampleMap []uint32, totalSamples, totalOverflow, codeBase uint32) error {
	type bucket struct {
		address uint32
		count   uint32
	}
	buckets := make([]bucket, 0, len(sampleMap))
	for i, c := range sampleMap {
		if c > 0 {
			buckets = append(buckets, bucket{address: codeBase + uint32(i)*2, count: c})
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].count > buckets[j].count })

	fmt.Printf("samples=%d overflow=%d buckets_hit=%d\n", totalSamples, totalOverflow, len(buckets))
	for _, b := range buckets {
		fmt.Printf("0x%08x %d\n", b.address, b.count)
	}
	return nil
}
