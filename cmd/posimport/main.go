package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/saitama45/david-sub002/internal/cache"
	"github.com/saitama45/david-sub002/internal/config"
	"github.com/saitama45/david-sub002/internal/engine"
	"github.com/saitama45/david-sub002/internal/ingest"
	"github.com/saitama45/david-sub002/internal/report"
	"github.com/saitama45/david-sub002/internal/store"
	"github.com/saitama45/david-sub002/internal/store/memory"
	pgstore "github.com/saitama45/david-sub002/internal/store/postgres"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posimport",
		Short:         "Import POS sale exports and deduct recipe ingredients from stock",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(importCmd())
	root.AddCommand(versionCmd())
	return root
}

func importCmd() *cobra.Command {
	var sheet string
	var reportPath string

	cmd := &cobra.Command{
		Use:   "import <workbook.xlsx>",
		Short: "Process one POS export workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args[0], sheet, reportPath)
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "sheet to read (default: first sheet)")
	cmd.Flags().StringVar(&reportPath, "report", "", "skip-report output path (default: <report dir>/skip-report-<run id>.xlsx)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "posimport", version)
		},
	}
}

func runImport(ctx context.Context, workbookPath string, sheet string, reportPath string) error {
	cfg := config.Load()
	if sheet == "" {
		sheet = cfg.SheetName
	}

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Printf("close error: %v", err)
			}
		}
	}()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.New()
		log.Println("repository: in-memory (no DATABASE_URL set; nothing will resolve unless seeded)")
	}

	masterCache := cache.MasterDataCache(cache.NoopMasterDataCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisMasterDataCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			masterCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	rows, err := ingest.ReadWorkbook(workbookPath, sheet)
	if err != nil {
		return err
	}
	lines := ingest.ParseRows(rows, cfg.HeaderRows)
	log.Printf("workbook %s: %d retained sale lines", filepath.Base(workbookPath), len(lines))

	eng := engine.New(repo, masterCache, engine.Options{
		SkipZeroStockCheck: cfg.SkipZeroStockCheck,
		MasterDataTTL:      time.Duration(cfg.MasterDataTTLSeconds) * time.Second,
	})

	summary, skips, runErr := eng.Run(ctx, lines)
	summary.SourceFile = filepath.Base(workbookPath)

	if reportPath == "" {
		reportPath = filepath.Join(cfg.ReportDir, fmt.Sprintf("skip-report-%s.xlsx", summary.RunID))
	}
	written, err := report.WriteSkipReport(reportPath, summary, skips)
	if err != nil {
		return err
	}

	log.Printf("run %s: %d receipts committed, %d skip rows written to %s",
		summary.RunID, summary.CommittedReceipts, written, reportPath)

	if runErr != nil {
		return fmt.Errorf("import interrupted: %w", runErr)
	}
	return nil
}
