package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/archive"
	"github.com/IliaW/doc-harvester/internal/aws_sqs"
	"github.com/IliaW/doc-harvester/internal/broker"
	"github.com/IliaW/doc-harvester/internal/cache"
	"github.com/IliaW/doc-harvester/internal/classifier"
	"github.com/IliaW/doc-harvester/internal/fetcher"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/persistence"
	"github.com/IliaW/doc-harvester/internal/scanner"
	"github.com/IliaW/doc-harvester/internal/server"
	"github.com/IliaW/doc-harvester/internal/telemetry"
	"github.com/IliaW/doc-harvester/internal/worker"
)

var (
	cfg *config.Config

	archiveDomain string
	archiveInput  string
	archiveOut    string
)

var rootCmd = &cobra.Command{
	Use:   "doc-harvester",
	Short: "Discovers financial documents on a company domain and bundles them into a zip archive",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.MustLoad()
		setupLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when sqs is enabled, the queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Scan one page and print the discovered documents as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, root, err := guard.ResolveTarget(args[0], guard.PolicyByName(cfg.GuardSettings.RootPolicy))
		if err != nil {
			return err
		}
		sc := newScanner(newFetcher(), telemetry.NewNoopMetrics())
		docs := sc.Scan(cmd.Context(), target, root)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(&model.ScanResult{
			Success:       true,
			ScannedURL:    target,
			AllowedDomain: root,
			Found:         len(docs),
			Documents:     docs,
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Build an archive from a JSON list of approved documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildArchive(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveDomain, "domain", "", "source domain every document must belong to")
	archiveCmd.Flags().StringVar(&archiveInput, "input", "", "JSON file with an array of {url, title, year, type}")
	archiveCmd.Flags().StringVar(&archiveOut, "out", "", "output zip file (default financial_docs_<domain>.zip)")
	archiveCmd.MarkFlagRequired("domain")
	archiveCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(serveCmd, scanCmd, archiveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()

	var audit archive.AuditStorage = persistence.NoopStorage{}
	if cfg.DbSettings.Host != "" {
		db := setupDatabase()
		defer closeDatabase(db)
		if err := persistence.Migrate(db); err != nil {
			return err
		}
		audit = persistence.NewArchiveRepository(db)
	}

	threshold, err := cache.NewThresholdClient(cfg.CacheSettings)
	if err != nil {
		return err
	}
	defer threshold.Close()

	f := newFetcher()
	sc := newScanner(f, metrics)
	rootPolicy := guard.PolicyByName(cfg.GuardSettings.RootPolicy)
	assembler := &archive.Assembler{
		Fetcher: f,
		Cfg:     cfg.ArchiveSettings,
		Metrics: metrics.ArchiveMetrics,
		Audit:   audit,
	}

	var kafkaDLQ *broker.KafkaDLQClient
	if kafkaEnabled() {
		kafkaDLQ = broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
		defer kafkaDLQ.Close()
		assembler.DLQ = kafkaDLQ
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: (&server.Server{
			Scanner:    sc,
			Archiver:   assembler,
			Cache:      threshold,
			RootPolicy: rootPolicy,
			RateLimiter: rate.NewLimiter(rate.Every(cfg.HttpServerSettings.TimeInterval),
				cfg.HttpServerSettings.RequestsLimit),
			ArchiveCfg: cfg.ArchiveSettings,
			Cfg:        cfg.HttpServerSettings,
		}).Routes(),
		ReadTimeout:  cfg.HttpServerSettings.ReadTimeout,
		WriteTimeout: cfg.HttpServerSettings.WriteTimeout,
	}
	go func() {
		slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.String("err", err.Error()))
			stop()
		}
	}()

	var stopQueue func()
	if cfg.SQSSettings.Enabled {
		if kafkaDLQ == nil {
			return errors.New("queue mode requires kafka.producer.addr")
		}
		stopQueue, err = startQueueMode(ctx, sc, rootPolicy, threshold, kafkaDLQ, metrics)
		if err != nil {
			return err
		}
	}

	<-ctx.Done()
	slog.Info("stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HttpServerSettings.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown http server.", slog.String("err", err.Error()))
	}
	if stopQueue != nil {
		stopQueue()
	}
	slog.Info("server stopped.")

	return nil
}

// startQueueMode wires SQS scan requests through the scan workers to the Kafka result topic.
// The returned func blocks until every in-flight message is processed:
//  1. SQS Consumer stops on ctx cancellation and closes getSqsChan
//  2. workers drain getSqsChan
//  3. sendSqsChan and kafkaChan are closed
//  4. SQS Producer and Kafka Producer flush what is left
func startQueueMode(ctx context.Context, sc *scanner.Scanner, rootPolicy guard.RootPolicy,
	threshold cache.ThresholdClient, dlq *broker.KafkaDLQClient, metrics *telemetry.MetricsProvider) (func(), error) {
	threadNum := parallelWorkers()
	getSqsChan := make(chan *string, threadNum*2) // double the size to avoid blocking
	sendSqsChan := make(chan *string, threadNum*2)
	kafkaChan := make(chan *model.ScanResult, threadNum*2)

	wg := &sync.WaitGroup{}
	sqs, err := aws_sqs.NewSQSWorker(getSqsChan, metrics.SQSMetrics, sendSqsChan, cfg, wg)
	if err != nil {
		return nil, err
	}
	wg.Add(2)
	go sqs.SQSConsumer(ctx)
	go sqs.SQSProducer()

	workerWg := &sync.WaitGroup{}
	scanWorker := &worker.ScanWorker{
		InputSqsChan:    getSqsChan,
		OutputSqsChan:   sendSqsChan,
		OutputKafkaChan: kafkaChan,
		Scanner:         sc,
		RateLimiter:     rate.NewLimiter(rate.Every(cfg.WorkerSettings.TimeInterval), cfg.WorkerSettings.RequestsLimit),
		RootPolicy:      rootPolicy,
		Cache:           threshold,
		KafkaDLQ:        dlq,
		Wg:              workerWg,
	}
	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go scanWorker.Run()
	}

	wg.Add(1)
	kafka := broker.NewKafkaProducer(kafkaChan, metrics.KafkaMetrics, cfg.KafkaSettings.Producer, wg)
	go kafka.Run()

	return func() {
		workerWg.Wait()
		close(sendSqsChan)
		slog.Info("close sendSqsChan.")
		close(kafkaChan)
		slog.Info("close kafkaChan.")
		wg.Wait()
	}, nil
}

type archiveReport struct {
	ArchiveID string `json:"archiveId"`
	Output    string `json:"output"`
	Requested int    `json:"requested"`
	Included  int    `json:"included"`
	Rejected  int    `json:"rejected"`
	Failed    int    `json:"failed"`
}

func buildArchive(ctx context.Context, stdout io.Writer) error {
	data, err := os.ReadFile(archiveInput)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	req := model.ArchiveRequest{SourceDomain: archiveDomain}
	if err = json.Unmarshal(data, &req.Documents); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	if err = archive.Validate(&req, cfg.ArchiveSettings.MaxDocuments); err != nil {
		return err
	}

	out := archiveOut
	if out == "" {
		out = cfg.ArchiveSettings.FilenamePrefix + archive.SanitizeTitle(archiveDomain) + ".zip"
	}
	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	assembler := &archive.Assembler{
		Fetcher: newFetcher(),
		Cfg:     cfg.ArchiveSettings,
		Metrics: telemetry.NewNoopMetrics().ArchiveMetrics,
	}
	summary, err := assembler.Assemble(ctx, req, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// a partial zip must not be left behind looking complete
		os.Remove(out)
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(&archiveReport{
		ArchiveID: summary.ArchiveID,
		Output:    out,
		Requested: summary.Requested,
		Included:  summary.Included,
		Rejected:  summary.Rejected,
		Failed:    summary.Failed,
	})
}

func newFetcher() *fetcher.Fetcher {
	return fetcher.New(fetcher.NewHttpClient(cfg.HttpClientSettings), cfg.ScannerSettings.UserAgent,
		cfg.ScannerSettings.Accept)
}

func newScanner(f scanner.PageFetcher, metrics *telemetry.MetricsProvider) *scanner.Scanner {
	return &scanner.Scanner{
		Fetcher:      f,
		Classifier:   classifier.New(cfg.ScannerSettings.Extensions),
		PageTimeout:  cfg.ScannerSettings.PageTimeout,
		MaxPageBytes: cfg.ScannerSettings.MaxPageBytes,
		Metrics:      metrics.ScanMetrics,
	}
}

func kafkaEnabled() bool {
	return cfg.KafkaSettings != nil && cfg.KafkaSettings.Producer != nil && len(cfg.KafkaSettings.Producer.Addr) > 0
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}
