package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/muurk/qlink/internal/client"
	"github.com/muurk/qlink/internal/config"
	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/logging"
	"github.com/muurk/qlink/internal/protocol"
	"github.com/muurk/qlink/internal/seed"
	"github.com/muurk/qlink/internal/version"
)

// Command flags
var (
	configPath  string
	logLevel    string
	address     string
	outputDir   string
	metricsAddr string
	fresh       bool
	statsEvery  time.Duration

	showSamples bool
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with an instrument and record its data",
	Long: `Register with the instrument named in the configuration file and write
every sealed record to the output directory, one file per channel and day.

The instrument password is read from the configuration file, or prompted
for when the file does not hold one. Continuity files are written to the
continuity directory so a later run resumes where this one stopped.`,
	Example: `  # Run with the configuration in the default location
  qlink run

  # Run with an explicit configuration and serve metrics
  qlink run --config station.yaml --metrics :9330

  # Ignore the continuity files and start with current data
  qlink run --fresh --log-level debug`,
	RunE: runLink,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: user config directory)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&address, "address", "", "Instrument address, overrides the configuration")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Record output directory, overrides the configuration")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus listen address, overrides the configuration")
	runCmd.Flags().BoolVar(&fresh, "fresh", false, "Start with current data instead of resuming")
	runCmd.Flags().DurationVar(&statsEvery, "stats", time.Minute, "Interval between statistics log lines (0 disables)")

	decodeCmd.Flags().BoolVar(&showSamples, "samples", false, "Print the samples of every record")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if address != "" {
		cfg.Instrument.Address = address
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if metricsAddr != "" {
		cfg.Output.Metrics = metricsAddr
	}
	if fresh {
		cfg.Link.Start = config.StartFresh
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// registerOptions converts the configuration into registration options.
func registerOptions(cfg *config.Config, password string) (client.RegisterOptions, error) {
	serial, err := cfg.SerialNumber()
	if err != nil {
		return client.RegisterOptions{}, err
	}
	include, err := protocol.ParseInclude(strings.Join(cfg.Status.Include, ","))
	if err != nil {
		return client.RegisterOptions{}, err
	}
	start := client.StartResume
	if cfg.Link.Start == config.StartFresh {
		start = client.StartFresh
	}
	return client.RegisterOptions{
		Address:             net.JoinHostPort(cfg.Instrument.Address, strconv.Itoa(cfg.Instrument.Port)),
		Serial:              serial,
		Password:            password,
		Priority:            cfg.Instrument.Priority,
		Ident:               version.Ident(),
		Start:               start,
		Backfill:            cfg.Link.Backfill,
		RegistrationTimeout: cfg.Link.RegistrationTimeout,
		DataTimeout:         cfg.Link.DataTimeout,
		StatusTimeout:       cfg.Link.StatusTimeout,
		MaxConnection:       cfg.Link.MaxConnection,
		StatusInterval:      cfg.Status.Interval,
		StatusInclude:       include,
		LowLatency:          cfg.Link.LowLatency,
	}, nil
}

// readPassword prompts for the instrument password on the terminal.
func readPassword(serial string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for instrument %s: ", serial)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(p), nil
}

func runLink(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	defer logging.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	password := cfg.Instrument.Password
	if password == "" {
		if password, err = readPassword(cfg.Instrument.Serial); err != nil {
			return err
		}
	}
	reg, err := registerOptions(cfg, password)
	if err != nil {
		return err
	}

	var store continuity.Store
	if cfg.Continuity.Dir != "" {
		fileStore, err := continuity.NewFileStore(cfg.Continuity.Dir)
		if err != nil {
			return err
		}
		store = fileStore
	}
	out, err := newRecordWriter(cfg.Output.Dir)
	if err != nil {
		return err
	}
	defer out.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	client.RegisterMonitoring(registry)

	cb := client.Callbacks{
		MiniSEED: out.Write,
		Archival: out.Write,
		Message: func(m client.Message) {
			if m.Err != nil {
				logging.Warn(m.Text, zap.Error(m.Err))
				return
			}
			logging.Info(m.Text)
		},
	}
	opts := client.Options{
		ContinuityInterval: cfg.Continuity.Interval,
		MessageFlush:       cfg.Station.MessageFlush,
	}
	c, err := client.New(opts, cb, cfg, store)
	if err != nil {
		return err
	}
	if err := c.Register(reg); err != nil {
		c.Destroy()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down", zap.String("serial", cfg.Instrument.Serial))
		c.Destroy()
		return nil
	})
	if statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					logStats(c.Stats())
				}
			}
		})
	}
	if cfg.Output.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Output.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logging.Info("Serving metrics", zap.String("address", cfg.Output.Metrics))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func logStats(s client.Stats) {
	logging.Info("Link statistics",
		zap.String("state", s.State.String()),
		zap.Uint64("registrations", s.Registrations),
		zap.Uint64("faults", s.Faults),
		zap.Uint64("packets", s.Packets),
		zap.Uint64("records", s.Records),
		zap.Uint64("archived", s.Archived),
		zap.Uint64("samples", s.Channels.Samples),
		zap.Uint64("gaps", s.Channels.Gaps),
		zap.Time("last_data", s.LastData),
	)
}

var decodeCmd = &cobra.Command{
	Use:   "decode FILE...",
	Short: "Print the records of miniSEED files",
	Long: `Decode every record of the given miniSEED files and print one line per
record. Data records are fully decompressed, so a record that does not
decode cleanly is reported.`,
	Example: `  qlink decode XX.TEST.00.HHZ.2024.002.mseed
  qlink decode --samples XX.TEST..LOG.2024.002.mseed`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			if err := decodeRecords(cmd.OutOrStdout(), data, showSamples); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	},
}

// decodeRecords prints every record of a miniSEED stream.
func decodeRecords(w io.Writer, data []byte, samples bool) error {
	for off := 0; off < len(data); {
		hdr, err := seed.DecodeHeader(data[off:])
		if err != nil {
			return fmt.Errorf("record at %d: %w", off, err)
		}
		if hdr.RecordSize <= 0 || off+hdr.RecordSize > len(data) {
			return fmt.Errorf("record at %d: truncated", off)
		}
		rec := data[off : off+hdr.RecordSize]
		hdr, values, err := seed.Decode(rec)
		if err != nil {
			return fmt.Errorf("record at %d: %w", off, err)
		}

		fmt.Fprintf(w, "%06d %s.%s.%s.%s %s %c rate=%d n=%d size=%d quality=%d%%\n",
			hdr.Sequence, hdr.Network, hdr.Station, hdr.Location, hdr.Channel,
			hdr.Start.UTC().Format("2006-01-02T15:04:05.000000Z"), hdr.Quality,
			hdr.Rate, hdr.Samples, hdr.RecordSize, hdr.TimingQuality)
		switch {
		case hdr.Encoding == seed.EncodingASCII:
			end := seed.HeaderSize + hdr.Samples
			if end > len(rec) {
				end = len(rec)
			}
			for _, line := range strings.Split(strings.TrimRight(string(rec[seed.HeaderSize:end]), "\r\n"), "\n") {
				fmt.Fprintf(w, "  %s\n", strings.TrimRight(line, "\r"))
			}
		case samples:
			for i := 0; i < len(values); i += 10 {
				end := min(i+10, len(values))
				fmt.Fprintf(w, "  %v\n", values[i:end])
			}
		}
		off += hdr.RecordSize
	}
	return nil
}

var hashCmd = &cobra.Command{
	Use:   "hash SERIAL CHALLENGE PASSWORD RANDOM",
	Short: "Print the registration hash for a challenge",
	Long: `Print the hash a client answers a registration challenge with, for
checking an instrument or a capture by hand.`,
	Example: `  qlink hash 1122334455667788 abc123 secret 0a0b0c0d`,
	Args:    cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := protocol.ParseSerial(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), protocol.RegistrationHash(serial, args[1], args[2], args[3]))
		return nil
	},
}
