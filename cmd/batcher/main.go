package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DanDo385/zkbatcher/internal/batcher"
	"github.com/DanDo385/zkbatcher/internal/chain"
	"github.com/DanDo385/zkbatcher/internal/config"
	"github.com/DanDo385/zkbatcher/internal/fetcher"
	"github.com/DanDo385/zkbatcher/internal/metrics"
	"github.com/DanDo385/zkbatcher/internal/server"
	"github.com/DanDo385/zkbatcher/internal/storage"
	"github.com/DanDo385/zkbatcher/internal/telemetry"
	"github.com/DanDo385/zkbatcher/internal/verifier"
)

// defaultBatchLookback bounds the boot-time NewBatch log scan when the
// config does not set one.
const defaultBatchLookback = 7_200 // roughly one day of blocks

func main() {
	configPath := flag.String("config", "config.yaml", "path to the batcher config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(&cfg.Logging)
	logger.Info().Msg("Starting proof batcher...")

	m := metrics.New()
	go func() {
		logger.Info().Uint16("port", cfg.Batcher.MetricsPort).Msg("starting metrics server")
		if err := m.Serve(cfg.Batcher.MetricsPort); err != nil {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()
	go m.IncBatcherStarted()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := config.LoadSigner(cfg.ECDSA.PrivateKeystorePath, cfg.ECDSA.PrivateKeystorePassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load batcher signer")
	}
	logger.Info().Stringer("address", signer.Address).Msg("batcher signer loaded")

	adapter, err := chain.New(ctx, cfg, signer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up chain adapter")
	}

	uploader, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up batch uploader")
	}

	disabledVerifiers, err := adapter.GetDisabledVerifiers(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read disabled verifiers")
	}

	// Recover the last submitted batch block from NewBatch logs so a
	// restart does not immediately double-submit.
	lookback := cfg.Batcher.BatchBlockLookback
	if lookback == 0 {
		lookback = defaultBatchLookback
	}
	lastUploadedBlock, found, err := fetcher.LatestBatchBlock(ctx, adapter, adapter.ServiceManagerAddress(), lookback)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to recover last uploaded batch block")
	}
	if found {
		logger.Info().Uint64("block", lastUploadedBlock).Msg("recovered last uploaded batch block")
	} else {
		logger.Info().Uint64("block", lastUploadedBlock).Msg("no recent batch found, starting from current head")
	}

	var nonPayingAddr *common.Address
	var nonPayingReplacement *config.Signer
	if np := cfg.NonPaying(); np != nil {
		addr := common.HexToAddress(np.Address)
		nonPayingAddr = &addr
		nonPayingReplacement, err = config.LoadSigner(np.ReplacementKeystorePath, np.ReplacementKeystorePassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load non-paying replacement signer")
		}
	}

	b, err := batcher.New(ctx, batcher.Params{
		Config:               cfg.Batcher,
		DownloadEndpoint:     cfg.Storage.DownloadEndpoint,
		Chain:                adapter,
		Uploader:             uploader,
		Telemetry:            telemetry.New(cfg.Batcher.TelemetryEndpoint, logger),
		Metrics:              m,
		Verifiers:            verifier.DefaultRegistry(),
		LastUploadedBlock:    lastUploadedBlock,
		DisabledVerifiers:    disabledVerifiers,
		NonPayingAddr:        nonPayingAddr,
		NonPayingReplacement: nonPayingReplacement,
		Log:                  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build batcher")
	}

	// Inbound frames can carry a max-size proof plus envelope; leave room.
	readLimit := int64(cfg.Batcher.MaxProofSize) + 4096
	srv := server.New(cfg.Batcher.Address, b, m, readLimit, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	go func() { errCh <- b.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal error")
		stop()
	}

	logger.Info().Msg("Batcher stopped gracefully")
}

func setupLogger(cfg *config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}
