package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cartridge/reverb"
	"github.com/cartridge/reverb/internal/wire"
)

// The trajectory columns this demo actor writes: a
// scalar observation and a scalar reward, one cell per step.
const (
	columnObservation = 0
	columnReward      = 1
)

var cfg = reverb.DefaultConfig()

var (
	episodeLen   int
	episodeCount int
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "reverb-actor",
	Short: "Demo actor that writes random episodes through a TrajectoryWriter",
	Long: `reverb-actor drives a TrajectoryWriter against a running replay
service, appending a random scalar observation and reward per step and
emitting an overlapping two-step item of observations at every step
after the first. It exists to
exercise the writer end to end, the way a real RL actor would.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "localhost:8080", "Replay service Insert stream address")
	rootCmd.Flags().IntVar(&cfg.DefaultMaxChunkLength, "max-chunk-length", 4, "Default chunk length for unconfigured columns")
	rootCmd.Flags().IntVar(&cfg.DefaultNumKeepAliveRefs, "num-keep-alive-refs", 4, "Default keep-alive ring size for unconfigured columns")
	rootCmd.Flags().DurationVar(&cfg.ReconnectBackoff, "reconnect-backoff", 200*time.Millisecond, "Delay between reconnect attempts")

	rootCmd.Flags().IntVar(&episodeLen, "episode-length", 20, "Steps per episode")
	rootCmd.Flags().IntVar(&episodeCount, "episodes", -1, "Episodes to run (-1 for unlimited)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlags(rootCmd.Flags())
	viper.SetEnvPrefix("REVERB_ACTOR")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	conn, err := grpc.Dial(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to replay at %s: %w", cfg.Endpoint, err)
	}
	defer conn.Close()

	writer, err := reverb.NewTrajectoryWriter(wire.NewGRPCDialer(conn), cfg, reverb.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create trajectory writer: %w", err)
	}
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received, stopping actor")
		cancel()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for n := 0; episodeCount < 0 || n < episodeCount; n++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := runEpisode(ctx, writer, rng, n); err != nil {
			logger.Error().Err(err).Int("episode", n).Msg("episode failed")
			if reverb.IsCancelled(err) {
				return nil
			}
			continue
		}
		logger.Info().Int("episode", n).Msg("episode complete")
	}

	return nil
}

// runEpisode appends episodeLen random steps, creating a two-step
// overlapping item after every step once a second observation exists,
// then ends the episode and flushes.
func runEpisode(ctx context.Context, w *reverb.TrajectoryWriter, rng *rand.Rand, n int) error {
	var history []*reverb.CellRef

	for step := 0; step < episodeLen; step++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		refs, err := w.Append(map[int]reverb.Value{
			columnObservation: randomScalar(rng, reverb.DtypeFloat32),
			columnReward:      randomScalar(rng, reverb.DtypeFloat32),
		})
		if err != nil {
			return fmt.Errorf("append step %d: %w", step, err)
		}
		history = append(history, refs[columnObservation])

		if len(history) < 2 {
			continue
		}

		window := history[len(history)-2:]
		item := []reverb.TrajectoryColumn{
			{Cells: append([]*reverb.CellRef{}, window...)},
		}
		if err := w.CreateItem("experience", 1.0, item); err != nil {
			return fmt.Errorf("create item at step %d: %w", step, err)
		}
	}

	return w.EndEpisode(false, 5*time.Second)
}

func randomScalar(rng *rand.Rand, dtype reverb.Dtype) reverb.Value {
	data := make([]byte, dtype.ByteWidth())
	rng.Read(data)
	return reverb.Value{Dtype: dtype, Shape: reverb.Shape{}, Data: data}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
