// costfeed - cloud billing collection pipeline
//
// Usage:
//   costfeed run --provider gcp [--date 2026-02-25 | --backfill 30]
//   costfeed migrate
//   costfeed providers
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/santoshpalla27/costfeed/internal/attribution"
	"github.com/santoshpalla27/costfeed/internal/loader"
	"github.com/santoshpalla27/costfeed/internal/normalize"
	"github.com/santoshpalla27/costfeed/internal/pipeline"
	"github.com/santoshpalla27/costfeed/internal/provider"
	awsadapter "github.com/santoshpalla27/costfeed/internal/provider/aws"
	gcpadapter "github.com/santoshpalla27/costfeed/internal/provider/gcp"
	mongodbadapter "github.com/santoshpalla27/costfeed/internal/provider/mongodb"
	snowflakeadapter "github.com/santoshpalla27/costfeed/internal/provider/snowflake"
	"github.com/santoshpalla27/costfeed/internal/rawstore"
	"github.com/santoshpalla27/costfeed/internal/warehouse"
	"github.com/santoshpalla27/costfeed/pkg/fxrate"
	"github.com/santoshpalla27/costfeed/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitLockConflict distinguishes "another run holds the partition"
// from real failures, so schedulers can retry instead of paging.
const exitLockConflict = 3

func main() {
	app := &cli.App{
		Name:    "costfeed",
		Usage:   "Cloud billing collection - normalizes provider costs into one fact table",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"COSTFEED_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "warehouse",
				Value:   "clickhouse",
				Usage:   "Fact-table backend (clickhouse, bigquery)",
				EnvVars: []string{"TARGET_WAREHOUSE"},
			},
			&cli.StringFlag{
				Name:    "bigquery-project",
				Usage:   "GCP project of the BigQuery fact table (warehouse=bigquery)",
				EnvVars: []string{"BIGQUERY_PROJECT"},
			},
			&cli.StringFlag{
				Name:    "bigquery-dataset",
				Usage:   "BigQuery dataset of the fact table (warehouse=bigquery)",
				EnvVars: []string{"BIGQUERY_DATASET"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "billing",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "table",
				Value:   warehouse.DefaultTable,
				Usage:   "Fact table name",
				EnvVars: []string{"TARGET_TABLE"},
			},
		},

		Commands: []*cli.Command{
			runCommand(),
			migrateCommand(),
			providersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		console := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		console.Error().Err(err).Msg("costfeed failed")
		os.Exit(1)
	}
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Collect one provider's costs for a date or range and load the fact table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Aliases:  []string{"p"},
				Usage:    "Billing provider (gcp, aws, snowflake, mongodb)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "date",
				Usage: "Collect a specific date (YYYY-MM-DD), default: yesterday UTC",
			},
			&cli.StringFlag{
				Name:  "start",
				Usage: "Range start (YYYY-MM-DD), requires --end",
			},
			&cli.StringFlag{
				Name:  "end",
				Usage: "Range end (YYYY-MM-DD), requires --start",
			},
			&cli.IntFlag{
				Name:  "backfill",
				Usage: "Backfill the last N days",
			},
			&cli.DurationFlag{
				Name:  "fetch-timeout",
				Value: pipeline.DefaultFetchTimeout,
				Usage: "Per-day upstream fetch timeout",
			},
			&cli.StringFlag{
				Name:    "collector-version",
				Value:   "1.0.0",
				Usage:   "Version stamped on every loaded row",
				EnvVars: []string{"COLLECTOR_VERSION"},
			},
			&cli.StringFlag{
				Name:    "fx-rates",
				Usage:   "Path to the pinned exchange-rate table (JSON); omit for USD-only sources",
				EnvVars: []string{"FX_RATES_FILE"},
			},
			&cli.StringFlag{
				Name:    "raw-dir",
				Usage:   "Directory for raw payload archives; omit to skip archiving",
				EnvVars: []string{"RAW_STORE_DIR"},
			},

			// GCP
			&cli.StringFlag{
				Name:    "source-project",
				Usage:   "GCP project that owns the billing export table",
				EnvVars: []string{"SOURCE_PROJECT"},
			},
			&cli.StringFlag{
				Name:    "source-dataset",
				Usage:   "BigQuery dataset of the billing export",
				EnvVars: []string{"SOURCE_DATASET"},
			},
			&cli.StringFlag{
				Name:    "source-table",
				Usage:   "BigQuery table name of the billing export",
				EnvVars: []string{"SOURCE_TABLE"},
			},

			// AWS (credentials come from the standard SDK chain)
			&cli.StringFlag{
				Name:    "aws-region",
				Value:   awsadapter.DefaultFallbackRegion,
				Usage:   "Cost Explorer region, also the fallback row region",
				EnvVars: []string{"AWS_REGION"},
			},

			// Snowflake
			&cli.StringFlag{
				Name:    "snowflake-account",
				Usage:   "Snowflake account locator, e.g. xy12345.us-east-1",
				EnvVars: []string{"SNOWFLAKE_ACCOUNT"},
			},
			&cli.StringFlag{
				Name:    "snowflake-user",
				EnvVars: []string{"SNOWFLAKE_USER"},
			},
			&cli.StringFlag{
				Name:    "snowflake-password",
				EnvVars: []string{"SNOWFLAKE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "snowflake-role",
				Value:   "ACCOUNTADMIN",
				EnvVars: []string{"SNOWFLAKE_ROLE"},
			},
			&cli.StringFlag{
				Name:    "snowflake-warehouse",
				Value:   "COMPUTE_WH",
				EnvVars: []string{"SNOWFLAKE_WAREHOUSE"},
			},
			&cli.StringFlag{
				Name:    "snowflake-environment",
				Usage:   "Environment stamped on Snowflake rows (production, development, ...)",
				EnvVars: []string{"SNOWFLAKE_ENVIRONMENT"},
			},
			&cli.StringFlag{
				Name:    "snowflake-region",
				EnvVars: []string{"SNOWFLAKE_REGION"},
			},
			&cli.Float64Flag{
				Name:    "credit-price",
				Value:   snowflakeadapter.DefaultCreditPriceUSD,
				Usage:   "USD per Snowflake credit on the metering fallback path",
				EnvVars: []string{"CREDIT_PRICE_USD"},
			},

			// MongoDB Atlas
			&cli.StringFlag{
				Name:    "mongodb-public-key",
				EnvVars: []string{"MONGODB_PUBLIC_KEY"},
			},
			&cli.StringFlag{
				Name:    "mongodb-private-key",
				EnvVars: []string{"MONGODB_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "mongodb-org-id",
				Usage:   "Atlas organisation ID",
				EnvVars: []string{"MONGODB_ORG_ID"},
			},
			&cli.StringFlag{
				Name:    "mongodb-environment",
				Usage:   "Environment stamped on Atlas rows",
				EnvVars: []string{"MONGODB_ENVIRONMENT"},
			},
			&cli.StringFlag{
				Name:    "mongodb-region",
				EnvVars: []string{"MONGODB_REGION"},
			},
		},
		Action: runCollect,
	}
}

func runCollect(c *cli.Context) error {
	ctx := context.Background()
	log := platform.InitLogger(c.String("log-level"))

	p, err := provider.ParseProvider(c.String("provider"))
	if err != nil {
		return err
	}
	rng, err := dateRange(c)
	if err != nil {
		return err
	}

	fx := fxrate.USDOnly()
	if path := c.String("fx-rates"); path != "" {
		fx, err = fxrate.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load exchange rates: %w", err)
		}
	}

	var raw rawstore.Store = rawstore.Discard{}
	if dir := c.String("raw-dir"); dir != "" {
		raw, err = rawstore.NewFS(dir)
		if err != nil {
			return fmt.Errorf("failed to open raw store: %w", err)
		}
	}

	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("fact-table store is unreachable: %w", err)
	}

	adapter, cleanup, err := buildAdapter(ctx, c, p, log)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	registry := provider.NewRegistry()
	registry.Register(adapter)

	runLog := platform.CollectorLogger(log, p.String(), uuid.NewString())
	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Registry:     registry,
		Normalizer:   normalize.New(fx, c.String("collector-version")),
		Resolver:     attribution.NewResolver(attribution.DefaultConfig()),
		RawStore:     raw,
		Engine:       loader.NewEngine(store, nil, runLog),
		Logger:       runLog,
		FetchTimeout: c.Duration("fetch-timeout"),
	})

	result, err := runner.Run(ctx, p, rng)
	if err != nil {
		return err
	}

	fmt.Println(result.String())
	if result.Conflicted() {
		return cli.Exit("", exitLockConflict)
	}
	if len(result.Failures) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// dateRange resolves --date / --start+--end / --backfill, defaulting
// to yesterday UTC the way every collector cron has always run.
func dateRange(c *cli.Context) (pipeline.DateRange, error) {
	today := civil.DateOf(time.Now().UTC())

	set := 0
	for _, flag := range []string{"date", "start", "backfill"} {
		if c.IsSet(flag) {
			set++
		}
	}
	if set > 1 {
		return pipeline.DateRange{}, fmt.Errorf("--date, --start/--end and --backfill are mutually exclusive")
	}

	switch {
	case c.IsSet("date"):
		day, err := civil.ParseDate(c.String("date"))
		if err != nil {
			return pipeline.DateRange{}, fmt.Errorf("invalid --date: %w", err)
		}
		return pipeline.SingleDay(day), nil

	case c.IsSet("start") || c.IsSet("end"):
		if !c.IsSet("start") || !c.IsSet("end") {
			return pipeline.DateRange{}, fmt.Errorf("--start and --end must be set together")
		}
		start, err := civil.ParseDate(c.String("start"))
		if err != nil {
			return pipeline.DateRange{}, fmt.Errorf("invalid --start: %w", err)
		}
		end, err := civil.ParseDate(c.String("end"))
		if err != nil {
			return pipeline.DateRange{}, fmt.Errorf("invalid --end: %w", err)
		}
		return pipeline.DateRange{Start: start, End: end}, nil

	case c.IsSet("backfill"):
		n := c.Int("backfill")
		if n < 1 {
			return pipeline.DateRange{}, fmt.Errorf("--backfill must be at least 1 day")
		}
		return pipeline.BackfillRange(n, today), nil

	default:
		return pipeline.SingleDay(today.AddDays(-1)), nil
	}
}

func buildAdapter(ctx context.Context, c *cli.Context, p provider.Provider, log *slog.Logger) (provider.Adapter, func(), error) {
	switch p {
	case provider.GCP:
		client, err := bigquery.NewClient(ctx, c.String("source-project"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create BigQuery client: %w", err)
		}
		adapter, err := gcpadapter.New(client, gcpadapter.Config{
			SourceProject: c.String("source-project"),
			SourceDataset: c.String("source-dataset"),
			SourceTable:   c.String("source-table"),
		}, log)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return adapter, func() { client.Close() }, nil

	case provider.AWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.String("aws-region")))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return awsadapter.New(costexplorer.NewFromConfig(cfg), awsadapter.Config{
			FallbackRegion: c.String("aws-region"),
		}, log), nil, nil

	case provider.Snowflake:
		cfg := snowflakeadapter.Config{
			Account:        c.String("snowflake-account"),
			User:           c.String("snowflake-user"),
			Password:       c.String("snowflake-password"),
			Role:           c.String("snowflake-role"),
			Warehouse:      c.String("snowflake-warehouse"),
			Environment:    c.String("snowflake-environment"),
			Region:         c.String("snowflake-region"),
			CreditPriceUSD: c.Float64("credit-price"),
		}
		db, err := snowflakeadapter.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return snowflakeadapter.New(db, cfg, log), func() { db.Close() }, nil

	case provider.MongoDB:
		client, err := mongodbadapter.NewClient(
			c.String("mongodb-public-key"), c.String("mongodb-private-key"))
		if err != nil {
			return nil, nil, err
		}
		return mongodbadapter.New(client.Invoices, mongodbadapter.Config{
			OrgID:       c.String("mongodb-org-id"),
			Environment: c.String("mongodb-environment"),
			Region:      c.String("mongodb-region"),
		}, log), nil, nil
	}
	return nil, nil, fmt.Errorf("no adapter for provider %q", p)
}

// =============================================================================
// MIGRATE COMMAND
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the fact table on the selected warehouse",
		Action: func(c *cli.Context) error {
			ctx := context.Background()

			store, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Printf("Fact table %s is ready\n", c.String("table"))
			return nil
		},
	}
}

// factStore is the full backend surface the CLI drives: the load
// contract plus lifecycle operations both stores implement.
type factStore interface {
	warehouse.Store
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, c *cli.Context) (factStore, error) {
	switch c.String("warehouse") {
	case "clickhouse":
		store, err := warehouse.NewClickHouseStore(&warehouse.ClickHouseConfig{
			Host:     c.String("clickhouse-host"),
			Port:     c.Int("clickhouse-port"),
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
			Table:    c.String("table"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		return store, nil

	case "bigquery":
		project := c.String("bigquery-project")
		dataset := c.String("bigquery-dataset")
		if project == "" || dataset == "" {
			return nil, fmt.Errorf("--bigquery-project and --bigquery-dataset are required with --warehouse bigquery")
		}
		client, err := bigquery.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
		}
		return warehouse.NewBigQueryStore(client, warehouse.BigQueryConfig{
			Project: project,
			Dataset: dataset,
			Table:   c.String("table"),
		}), nil
	}
	return nil, fmt.Errorf("unknown warehouse %q (clickhouse, bigquery)", c.String("warehouse"))
}

// =============================================================================
// PROVIDERS COMMAND
// =============================================================================

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "List the supported billing providers",
		Action: func(c *cli.Context) error {
			for _, p := range provider.All() {
				fmt.Printf("  %-10s %s\n", p, p.Label())
			}
			return nil
		},
	}
}
