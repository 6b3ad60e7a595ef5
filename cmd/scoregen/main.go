// Command scoregen emits a synthetic score stream over UDP for local testing.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/command-smoother/internal/labels"
	"github.com/skypro1111/command-smoother/internal/protocol"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

type options struct {
	addr       string
	labelsFile string
	streamID   uint32
	channelID  string
	deviceID   string
	model      string
	quietLabel string
	keyword    string
	frames     int
	spacing    time.Duration
	burstStart int
	burstLen   int
	noise      float64
	seed       int64
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "scoregen",
		Short: "Emit synthetic classifier scores to a command-smoother UDP port",
		Long: `scoregen opens a stream, sends quiet-dominated score frames with one
scripted keyword burst, then closes the stream.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return run(opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:4545", "Service UDP address")
	f.StringVar(&opts.labelsFile, "labels", "configs/conv_actions_labels.txt", "Label vocabulary file")
	f.Uint32Var(&opts.streamID, "stream-id", 1, "Stream ID")
	f.StringVar(&opts.channelID, "channel", "scoregen", "Channel ID sent in the open packet")
	f.StringVar(&opts.deviceID, "device", "synthetic", "Device ID sent in the open packet")
	f.StringVar(&opts.model, "model", "conv_actions", "Model name sent in the open packet")
	f.StringVar(&opts.quietLabel, "quiet-label", recognize.DefaultQuietLabel, "Label dominating frames outside the burst")
	f.StringVar(&opts.keyword, "keyword", "", "Label of the burst (default: first displayed label)")
	f.IntVar(&opts.frames, "frames", 100, "Number of score frames")
	f.DurationVar(&opts.spacing, "spacing", 30*time.Millisecond, "Time between frames")
	f.IntVar(&opts.burstStart, "burst-start", 40, "Frame index where the keyword burst begins")
	f.IntVar(&opts.burstLen, "burst-len", 15, "Number of keyword frames")
	f.Float64Var(&opts.noise, "noise", 0.05, "Uniform noise added to every score")
	f.Int64Var(&opts.seed, "seed", 1, "Random seed")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.spacing <= 0 {
		return fmt.Errorf("spacing must be positive, got %s", opts.spacing)
	}

	vocab, err := labels.Load(opts.labelsFile)
	if err != nil {
		return err
	}

	gen, err := newGenerator(vocab, opts.quietLabel, opts.keyword, opts.noise, opts.seed)
	if err != nil {
		return err
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", opts.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", opts.addr, err)
	}
	defer conn.Close()

	open := protocol.BuildOpenPacket(opts.streamID, opts.channelID, opts.deviceID, opts.model, uint32(time.Now().Unix()))
	if _, err := conn.Write(open); err != nil {
		return fmt.Errorf("failed to send open packet: %w", err)
	}

	logger.Info("Stream opened",
		slog.Uint64("stream_id", uint64(opts.streamID)),
		slog.String("addr", opts.addr),
		slog.String("keyword", gen.keywordLabel()),
		slog.Int("frames", opts.frames),
	)

	ticker := time.NewTicker(opts.spacing)
	defer ticker.Stop()

	for i := 0; i < opts.frames; i++ {
		inBurst := i >= opts.burstStart && i < opts.burstStart+opts.burstLen
		timestampMs := int64(i) * opts.spacing.Milliseconds()

		packet, err := protocol.BuildScoresPacket(opts.streamID, timestampMs, gen.frame(inBurst))
		if err != nil {
			return err
		}
		if _, err := conn.Write(packet); err != nil {
			return fmt.Errorf("failed to send scores packet: %w", err)
		}

		<-ticker.C
	}

	if _, err := conn.Write(protocol.BuildClosePacket(opts.streamID)); err != nil {
		return fmt.Errorf("failed to send close packet: %w", err)
	}

	logger.Info("Stream closed", slog.Uint64("stream_id", uint64(opts.streamID)))
	return nil
}

// generator produces normalized synthetic score vectors
type generator struct {
	labels  []string
	quiet   int
	keyword int
	noise   float64
	rng     *rand.Rand
}

func newGenerator(vocab *labels.Vocabulary, quietLabel, keyword string, noise float64, seed int64) (*generator, error) {
	quiet := vocab.Index(quietLabel)
	if quiet < 0 {
		return nil, fmt.Errorf("quiet label %q not in vocabulary", quietLabel)
	}

	if keyword == "" {
		displayed := vocab.Displayed()
		if len(displayed) == 0 {
			return nil, fmt.Errorf("vocabulary has no displayed labels")
		}
		keyword = displayed[0]
	}
	kw := vocab.Index(keyword)
	if kw < 0 {
		return nil, fmt.Errorf("keyword %q not in vocabulary", keyword)
	}

	return &generator{
		labels:  vocab.Labels(),
		quiet:   quiet,
		keyword: kw,
		noise:   noise,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

func (g *generator) keywordLabel() string {
	return g.labels[g.keyword]
}

// frame returns one score vector summing to 1 where the quiet label, or the
// keyword inside a burst, carries most of the mass
func (g *generator) frame(inBurst bool) []float64 {
	scores := make([]float64, len(g.labels))

	var sum float64
	for i := range scores {
		scores[i] = g.rng.Float64() * g.noise
		sum += scores[i]
	}

	peak := g.quiet
	if inBurst {
		peak = g.keyword
	}
	scores[peak] += 1
	sum += 1

	for i := range scores {
		scores[i] /= sum
	}
	return scores
}
