package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/capture"
	"github.com/MarcoPoloResearchLab/lectern/internal/classroom"
	"github.com/MarcoPoloResearchLab/lectern/internal/config"
	"github.com/MarcoPoloResearchLab/lectern/internal/database"
	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/MarcoPoloResearchLab/lectern/internal/logging"
	"github.com/MarcoPoloResearchLab/lectern/internal/speech"
	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	"github.com/MarcoPoloResearchLab/lectern/internal/uploads"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const beaconFlushTimeout = 5 * time.Second

type sessionOptions struct {
	resumeClock string
	autoRecord  bool
}

func newSessionCommand() *cobra.Command {
	var options sessionOptions
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Join a document as assistant or student and drive it from stdin",
		Long: "Join a document and read commands from stdin: page N, next, prev, total N, " +
			"record, pause, resume, end, status, follow on|off, focus body|summary|outside, " +
			"mode ocr|original, say TEXT, stop, rate R, voice female|male|auto, quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), options, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&options.resumeClock, "resume-clock", "", "Continue the lecture clock from HH:MM:SS")
	cmd.Flags().BoolVar(&options.autoRecord, "record", false, "Start recording as soon as the session opens")
	return cmd
}

// clientRuntime is the part of a session shared with the drain command.
type clientRuntime struct {
	config    config.ClientConfig
	logger    *zap.Logger
	db        *gorm.DB
	store     *store.Store
	announcer *announce.WriterAnnouncer
	monitor   *uploads.Monitor
	queue     *uploads.Queue
}

func openClientRuntime(out io.Writer) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewSessionLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenSQLite(clientConfig.StoragePath, logger, database.ClientSchema())
	if err != nil {
		return nil, err
	}
	kv, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}
	announcer := announce.NewWriterAnnouncer(out, logger)
	httpClient := &http.Client{}
	monitor := uploads.NewMonitor(uploads.MonitorConfig{
		Probe:    uploads.HTTPProbe(httpClient, strings.TrimRight(clientConfig.ServerBaseURL, "/")+"/healthz"),
		Interval: clientConfig.ProbeInterval,
		Logger:   logger,
	})
	queue, err := uploads.NewQueue(uploads.Config{
		Store:        kv,
		HTTPClient:   httpClient,
		Connectivity: monitor,
		Timeout:      clientConfig.UploadTimeout,
		Announcer:    announcer,
		Logger:       logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}
	return &clientRuntime{
		config:    clientConfig,
		logger:    logger,
		db:        db,
		store:     kv,
		announcer: announcer,
		monitor:   monitor,
		queue:     queue,
	}, nil
}

func (r *clientRuntime) Close() {
	r.queue.Close()
	closeDatabase(r.db)
	_ = r.logger.Sync()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func captureSource(clientConfig config.ClientConfig) capture.SourceOpener {
	switch {
	case clientConfig.CaptureSource != "":
		return capture.FileSource(clientConfig.CaptureSource)
	case clientConfig.CaptureCommand != "":
		fields := strings.Fields(clientConfig.CaptureCommand)
		return capture.CommandSource(fields[0], fields[1:]...)
	default:
		return nil
	}
}

func runSession(ctx context.Context, options sessionOptions, in io.Reader, out io.Writer) error {
	client, err := openClientRuntime(out)
	if err != nil {
		return err
	}
	defer client.Close()

	clientConfig := client.config
	logger := client.logger
	if strings.TrimSpace(clientConfig.DocumentID) == "" {
		return fmt.Errorf("--document is required")
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unregisterDrain := client.queue.DrainOnReconnect(client.monitor)
	defer unregisterDrain()
	client.monitor.Check(signalCtx)
	go client.monitor.Run(signalCtx)
	go client.queue.ReplayPending(signalCtx, clientConfig.ProbeInterval)

	ledger, err := capture.NewLedger(client.store)
	if err != nil {
		return err
	}
	source := captureSource(clientConfig)
	if source == nil {
		logger.Warn("no capture source configured; recorded segments will be empty")
	}
	recorder := capture.NewStreamRecorder(capture.StreamRecorderConfig{Source: source, Logger: logger})
	uploader, err := capture.NewSegmentUploader(capture.UploaderConfig{
		Ledger:   ledger,
		Recorder: recorder,
		Sink: uploads.SpeechSink{
			Queue:   client.queue,
			BaseURL: clientConfig.ServerBaseURL,
			Token:   clientConfig.AccessToken,
		},
		Announcer:   client.announcer,
		Logger:      logger,
		SettleDelay: clientConfig.SettleDelay,
	})
	if err != nil {
		return err
	}
	defer uploader.Close()

	settingsStore, err := speech.NewSettingsStore(client.store, logger)
	if err != nil {
		return err
	}
	liveSettings, err := speech.FollowSettings(signalCtx, settingsStore)
	if err != nil {
		return err
	}
	defer liveSettings.Close()

	synthesizer := speech.NewCommandSynthesizer(speech.CommandSynthesizerConfig{
		Command: clientConfig.SynthesizerCommand,
		Logger:  logger,
	})
	engine, err := speech.NewEngine(speech.EngineConfig{
		Synthesizer: synthesizer,
		Settings:    liveSettings.Current,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	coordinator := speech.NewCoordinator(speech.CoordinatorConfig{
		Speaker:   engine,
		Settings:  liveSettings.Current,
		Announcer: client.announcer,
		Logger:    logger,
	})
	defer coordinator.Close()

	channel := livesync.NewChannel(livesync.Config{
		ServerBase: clientConfig.ServerBaseURL,
		DocumentID: clientConfig.DocumentID,
		Token:      clientConfig.AccessToken,
		Role:       clientConfig.Role,
		Announcer:  client.announcer,
		Logger:     logger,
	})
	if channel.URL() == "" {
		logger.Warn("live sync disabled: server, document, and token are all required")
	}

	driver, err := classroom.NewDriver(classroom.Config{
		DocumentID:  clientConfig.DocumentID,
		Role:        clientConfig.Role,
		TotalPages:  clientConfig.TotalPages,
		Channel:     channel,
		Uploader:    uploader,
		Narrator:    coordinator,
		Speaker:     engine,
		Preferences: settingsStore,
		Content: classroom.DirectoryContent(clientConfig.AudioDirectory, func(path string) speech.AudioElement {
			return speech.NewCommandAudio(speech.CommandAudioConfig{
				Command: clientConfig.PlayerCommand,
				Source:  path,
				Logger:  logger,
			})
		}, logger),
		Announcer: client.announcer,
		Output:    out,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	if err := driver.Start(signalCtx, capture.MountOptions{
		ResumeClock: options.resumeClock,
		AutoRecord:  options.autoRecord,
	}); err != nil {
		return err
	}
	channel.Start()
	logger.Info("session started",
		zap.String("document_id", clientConfig.DocumentID),
		zap.String("role", string(clientConfig.Role)),
	)

	runErr := driver.Run(signalCtx, in)

	// Leaving the session: hand pending uploads to the relay without
	// waiting for replies, then close the socket normally.
	flushCtx, cancel := context.WithTimeout(context.Background(), beaconFlushTimeout)
	defer cancel()
	if sent := client.queue.FlushBeacons(flushCtx); sent > 0 {
		logger.Info("pending uploads flushed", zap.Int("count", sent))
	}
	channel.Close()
	return runErr
}
