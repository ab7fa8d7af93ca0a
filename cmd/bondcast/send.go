package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bondcast/core/config"
	"github.com/bondcast/core/internal/bonding"
	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/health"
	"github.com/bondcast/core/internal/transport"
)

var (
	sendCodec string
	sendLinks []string
	sendLoop  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <stream>",
	Short: "bond an Annex B elementary stream across the configured links",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendCodec, "codec", "h264", "stream codec: h264 or h265")
	sendCmd.Flags().StringArrayVar(&sendLinks, "link", nil, "remote link address (repeatable, overrides config)")
	sendCmd.Flags().BoolVar(&sendLoop, "loop", false, "replay the stream until interrupted")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel, log, metrics, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cancel()

	var codec classify.Codec
	switch sendCodec {
	case "h264":
		codec = classify.CodecH264
	case "h265":
		codec = classify.CodecH265
	default:
		return fmt.Errorf("unknown codec %q", sendCodec)
	}

	stream, err := readStream(args[0])
	if err != nil {
		return err
	}

	remotes := sendLinks
	if len(remotes) == 0 {
		for _, l := range cfg.Links {
			remotes = append(remotes, l.Remote)
		}
	}
	if len(remotes) == 0 {
		return errors.New("no links configured; pass --link or list links in the config")
	}

	sessionID := uuid.New()
	log = log.WithSession(sessionID)

	monitor := health.NewMonitor(cfg.Healths(), log, metrics, nil)
	allDead := make(chan struct{})
	sched, err := bonding.NewScheduler(sessionID, cfg.Bonding(), monitor, log, metrics, func() {
		close(allDead)
	})
	if err != nil {
		return err
	}

	for i, addr := range remotes {
		link, err := transport.DialQUIC(ctx, addr, transport.ClientTLSConfig())
		if err != nil {
			return fmt.Errorf("dial link %s: %w", addr, err)
		}
		band := health.BandAuto
		if len(sendLinks) == 0 && i < len(cfg.Links) {
			band, _ = config.ParseBand(cfg.Links[i].Band)
		}
		monitor.Track(link.ID(), band)
		sched.AddLink(ctx, link)
		log.WithLink(link.ID()).Info("link dialed: " + addr)
	}

	go sched.Run(ctx)

	classifier := classify.New(codec)
	for {
		for unit := range classifier.Scan(stream) {
			if err := sched.Send(unit); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-allDead:
				return errors.New("every link died; stream abandoned")
			default:
			}
		}
		if !sendLoop {
			break
		}
	}

	// Let retransmits and the close announcement drain before exit.
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

func readStream(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
