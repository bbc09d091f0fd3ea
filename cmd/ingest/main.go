// Command ingest loads a batch of records from a file into a local SQLite or
// a Postgres store, categorizing them with the published rule set.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/loader"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/repository"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
	"github.com/FACorreiaa/spendsense/internal/domain/import/service"
	"github.com/FACorreiaa/spendsense/internal/domain/import/sniffer"
	"github.com/FACorreiaa/spendsense/pkg/config"
	"github.com/FACorreiaa/spendsense/pkg/db"
)

var (
	storeKind    = flag.String("store", "sqlite", "Store backend: sqlite or postgres")
	dbPath       = flag.String("db", "spendsense.db", "SQLite database file")
	inputFile    = flag.String("input", "", "Records as JSON lines (.jsonl, - for stdin) or a bank statement (.csv, .tsv)")
	sourceFlag   = flag.String("source", string(model.SourceStatement), "Source type of the batch: statement, email or manual")
	userFlag     = flag.String("user", "", "User UUID; required for statements and -recategorize")
	currency     = flag.String("currency", model.DefaultCurrency, "Currency of statement amounts")
	rulesFile    = flag.String("rules", "", "Categorize with this YAML rule file instead of the published rules")
	publishRules = flag.String("publish-rules", "", "Publish a YAML rule file to the store and exit")
	recategorize = flag.Bool("recategorize", false, "Re-run the current rules over stored transactions of -user")
	fromFlag     = flag.String("from", "", "Start date (YYYY-MM-DD, inclusive) for -recategorize")
	toFlag       = flag.String("to", "", "End date (YYYY-MM-DD, exclusive) for -recategorize")
	verbose      = flag.Bool("verbose", false, "Log pipeline details")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `ingest - load transaction records into the canonical store

Usage:
  ingest [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # Load JSON lines into a local SQLite store
  ingest -input records.jsonl -source email

  # Load a bank statement export for one user
  ingest -input hdfc-march.csv -user 6f1c2a8e-2f0b-4b43-9d64-1f8b0c3a5e11

  # Publish a new rule set to Postgres (DATABASE_URL) and re-run it over March
  ingest -store postgres -publish-rules rules.yaml
  ingest -store postgres -recategorize -user <uuid> -from 2026-03-01 -to 2026-04-01

`)
	}
	flag.Parse()

	if *inputFile == "" && *publishRules == "" && !*recategorize {
		fmt.Fprintf(os.Stderr, "Error: one of -input, -publish-rules or -recategorize is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type stores struct {
	batches repository.BatchStore
	txs     repository.TransactionStore
	rules   repository.RuleStore
	close   func()
}

func run(ctx context.Context) error {
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if *publishRules != "" {
		return publish(ctx, st.rules, *publishRules)
	}

	provider, err := ruleProvider(ctx, st.rules)
	if err != nil {
		return err
	}

	cfg := config.Default().Ingest
	svc := service.NewIngestService(st.batches, st.txs, provider, service.Config{
		Workers: cfg.Workers,
		Loader: loader.Config{
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			Concurrency: cfg.LoadConcurrency,
		},
	}, logger)

	if *recategorize {
		return runRecategorize(ctx, svc)
	}
	return runIngest(ctx, svc)
}

func runIngest(ctx context.Context, svc *service.IngestService) error {
	sourceType := model.SourceType(*sourceFlag)
	if !sourceType.Valid() {
		return fmt.Errorf("unknown source type %q", *sourceFlag)
	}
	userID, err := optionalUser()
	if err != nil {
		return err
	}

	header("Ingesting " + *inputFile)
	step(1, 2, "Reading records")
	records, err := readInput(*inputFile, userID)
	if err != nil {
		return err
	}
	success(fmt.Sprintf("Read %d records", len(records)))
	if len(records) == 0 {
		warning("Nothing to ingest")
		return nil
	}

	step(2, 2, "Categorizing and loading")
	start := time.Now()
	result, err := svc.Process(ctx, sourceType, records)
	if result != nil {
		printResult("Batch "+result.BatchID.String(), result)
	}
	if err != nil {
		return err
	}
	info(fmt.Sprintf("Done in %s", time.Since(start).Round(time.Millisecond)))
	return nil
}

func runRecategorize(ctx context.Context, svc *service.IngestService) error {
	userID, err := optionalUser()
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		return errors.New("-recategorize needs -user")
	}
	from, err := time.Parse(time.DateOnly, *fromFlag)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	to, err := time.Parse(time.DateOnly, *toFlag)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}

	result, err := svc.Recategorize(ctx, userID, from, to)
	if err != nil {
		return err
	}
	printResult("Recategorized "+*fromFlag+" .. "+*toFlag, result)
	return nil
}

func optionalUser() (uuid.UUID, error) {
	if *userFlag == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(*userFlag)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid -user: %w", err)
	}
	return id, nil
}

func openStores(ctx context.Context, logger *slog.Logger) (*stores, error) {
	switch *storeKind {
	case "sqlite":
		repo, err := repository.OpenSQLite(ctx, *dbPath)
		if err != nil {
			return nil, err
		}
		return &stores{batches: repo, txs: repo, rules: repo, close: func() { _ = repo.Close() }}, nil

	case "postgres":
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		database, err := db.New(db.Config{DSN: cfg.Database.DSN(), MaxConns: int32(cfg.Ingest.LoadConcurrency) + 2}, logger)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return &stores{
			batches: repository.NewPostgresBatchRepository(database.Pool),
			txs:     repository.NewPostgresTransactionRepository(database.Pool),
			rules:   repository.NewPostgresRuleRepository(database.Pool),
			close:   database.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", *storeKind)
}

// ruleProvider prefers an explicit rule file, then the store's latest rule
// set. An empty store is seeded with the embedded default rules.
func ruleProvider(ctx context.Context, store repository.RuleStore) (rules.Provider, error) {
	if *rulesFile != "" {
		snapshot, err := rules.LoadFromFile(*rulesFile)
		if err != nil {
			return nil, err
		}
		return rules.NewStaticProvider(snapshot), nil
	}

	_, err := store.LatestSnapshot(ctx)
	if errors.Is(err, common.ErrRuleSnapshotUnavailable) {
		seed, seedErr := rules.LoadEmbedded()
		if seedErr != nil {
			return nil, seedErr
		}
		if seedErr := store.PublishRuleSet(ctx, seed, "seed"); seedErr != nil && !errors.Is(seedErr, common.ErrConflict) {
			return nil, fmt.Errorf("failed to seed rules: %w", seedErr)
		}
		info(fmt.Sprintf("Seeded default rules %s", seed.Version()))
	} else if err != nil {
		return nil, err
	}
	return rules.ProviderFunc(store.LatestSnapshot), nil
}

func publish(ctx context.Context, store repository.RuleStore, path string) error {
	snapshot, err := rules.LoadFromFile(path)
	if err != nil {
		return err
	}
	if err := store.PublishRuleSet(ctx, snapshot, filepath.Base(path)); err != nil {
		return err
	}
	success(fmt.Sprintf("Published rule set %s (%d rules)", snapshot.Version(), snapshot.Len()))
	return nil
}

func readInput(path string, userID uuid.UUID) ([]model.RawRecord, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return readStatement(data, userID)
	}
	return readJSONLines(data, userID)
}

func readJSONLines(data []byte, userID uuid.UUID) ([]model.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var records []model.RawRecord
	for dec.More() {
		var rec model.RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(records)+1, err)
		}
		if rec.UserID == uuid.Nil {
			rec.UserID = userID
		}
		records = append(records, rec)
	}
	return records, nil
}

func readStatement(data []byte, userID uuid.UUID) ([]model.RawRecord, error) {
	if userID == uuid.Nil {
		return nil, errors.New("statement files need -user")
	}

	cfg, err := sniffer.DetectConfig(data)
	if err != nil {
		return nil, err
	}
	mapping := sniffer.SuggestColumns(cfg.Headers)
	info(fmt.Sprintf("Detected %d columns, delimiter %q, layout %s", len(cfg.Headers), cfg.Delimiter, cfg.Fingerprint[:12]))

	records, rowErrs, err := sniffer.ParseStatement(data, cfg, mapping, sniffer.Options{
		UserID:   userID,
		Currency: *currency,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range rowErrs {
		warning(e.Error())
	}
	return records, nil
}
