package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/schoolcheck/internal/config"
	"github.com/TobiSchelling/schoolcheck/internal/correct"
	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/export"
	"github.com/TobiSchelling/schoolcheck/internal/ingest"
	"github.com/TobiSchelling/schoolcheck/internal/maintenance"
	"github.com/TobiSchelling/schoolcheck/internal/pipeline"
	"github.com/TobiSchelling/schoolcheck/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "schoolcheck",
	Short:   "Assessment consolidation and integrity checks",
	Long:    "schoolcheck consolidates raw assessment answers into per-student results and verifies the dataset for inconsistencies.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFlags(log.LstdFlags)

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if verbose || strings.EqualFold(cfg.Logging.Level, "DEBUG") {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("schoolcheck", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/schoolcheck/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to adjust grade profiles, band thresholds and correction settings.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		stats, err := db.Stats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Directory:")
		fmt.Printf("  Schools: %d\n", stats.Schools)
		fmt.Printf("  Classes: %d\n", stats.Classes)
		fmt.Printf("  Students: %d\n", stats.Students)
		fmt.Println("\nSource data:")
		fmt.Printf("  Raw answers: %d\n", stats.RawAnswers)
		fmt.Printf("  Legacy rows: %d\n", stats.LegacyResults)
		fmt.Println("\nOutput:")
		fmt.Printf("  Consolidated records: %d\n", stats.Consolidated)
		fmt.Printf("  Audit entries: %d\n", stats.AuditEntries)

		engine, err := pipeline.New(cfg, db)
		if err != nil {
			return err
		}
		n, err := engine.CountCritical(ctx)
		fmt.Printf("\nCritical divergences: %d", n)
		if err != nil {
			fmt.Printf(" (partial: %v)", err)
		}
		fmt.Println()
		return nil
	},
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <batch.yaml>...",
	Short: "Import YAML batches of directory entries and answers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		for _, path := range args {
			batch, err := ingest.Load(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			sum, err := ingest.Apply(context.Background(), db, batch, time.Now())
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %s\n", path, sum)
		}
		return nil
	},
}

// --- consolidate command ---

var (
	consolidateYear    int
	consolidateStudent string
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolidate raw answers into per-student results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(engine *pipeline.Engine) error {
			ctx := context.Background()
			if consolidateStudent != "" {
				if consolidateYear == 0 {
					return fmt.Errorf("--student requires --year")
				}
				res, err := engine.Consolidate(ctx, consolidateStudent, consolidateYear)
				if err != nil {
					return err
				}
				state := "unchanged"
				if res.Changed {
					state = "updated"
				}
				fmt.Printf("%s/%d %s: level %s", consolidateStudent, consolidateYear, state, res.Record.OverallLevel)
				if res.Record.OverallAverage != nil {
					fmt.Printf(", average %.2f", *res.Record.OverallAverage)
				}
				fmt.Println()
				for _, ex := range res.Exclusions {
					fmt.Printf("  excluded %s %s %s: %s\n", ex.Source, ex.Subject, ex.ItemID, ex.Reason)
				}
				return nil
			}

			batch, err := engine.ConsolidateAll(ctx, consolidateYear)
			if err != nil {
				return err
			}
			fmt.Println(batch.Summary())
			for _, ke := range batch.Failed {
				fmt.Printf("  failed %s: %v\n", ke.Key, ke.Err)
			}
			return nil
		})
	},
}

func init() {
	consolidateCmd.Flags().IntVar(&consolidateYear, "year", 0, "Only consolidate this year")
	consolidateCmd.Flags().StringVar(&consolidateStudent, "student", "", "Consolidate a single student (requires --year)")
}

// --- detect command ---

var (
	detectSeverity string
	detectType     string
	detectJSON     bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run the integrity checks and print the divergence report",
	RunE: func(cmd *cobra.Command, args []string) error {
		flt, err := reportFilter(detectSeverity, detectType)
		if err != nil {
			return err
		}
		return withEngine(func(engine *pipeline.Engine) error {
			report := engine.Report(context.Background(), flt)
			if detectJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		})
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectSeverity, "severity", "", "Only show findings of this severity")
	detectCmd.Flags().StringVar(&detectType, "type", "", "Only show findings of this type")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print the report as JSON")
}

// --- correct command ---

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Detect and apply automatic corrections once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(engine *pipeline.Engine) error {
			_, outcomes := engine.Correct(context.Background())
			printOutcomes(outcomes)
			fmt.Printf("\n%s\n", correct.Summary(outcomes))
			return nil
		})
	},
}

// --- run command ---

var (
	runYear      int
	runNoCorrect bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: consolidate -> detect -> correct until clean",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(engine *pipeline.Engine) error {
			result := engine.Run(context.Background(), pipeline.Options{Year: runYear, Correct: !runNoCorrect})

			for i, step := range result.Steps {
				fmt.Printf("\nStep %d: %s\n", i+1, step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}
			if result.Failed() {
				return fmt.Errorf("run %s failed", result.RunID)
			}

			fmt.Println("\nRun complete! Run 'schoolcheck serve' to view the report.")
			return nil
		})
	},
}

func init() {
	runCmd.Flags().IntVar(&runYear, "year", 0, "Only consolidate this year")
	runCmd.Flags().BoolVar(&runNoCorrect, "no-correct", false, "Detect only, do not apply corrections")
}

// --- audit command ---

var (
	auditType     string
	auditSeverity string
	auditSince    string
	auditLimit    int
	auditOffset   int
	auditCSVPath  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List applied corrections",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := database.AuditQuery{Type: divergence.Type(auditType), Limit: auditLimit, Offset: auditOffset}
		if auditSeverity != "" {
			sev, err := divergence.ParseSeverity(auditSeverity)
			if err != nil {
				return err
			}
			q.Severity = sev
		}
		if auditSince != "" {
			t, err := time.Parse("2006-01-02", auditSince)
			if err != nil {
				return fmt.Errorf("invalid --since date %q", auditSince)
			}
			q.From = t
		}

		return withEngine(func(engine *pipeline.Engine) error {
			page, err := engine.AuditLog(context.Background(), q)
			if err != nil {
				return err
			}
			if auditCSVPath != "" {
				f, err := os.Create(auditCSVPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", auditCSVPath, err)
				}
				defer f.Close()
				if err := export.AuditCSV(f, page.Entries); err != nil {
					return err
				}
				fmt.Printf("Wrote %d audit entries to %s\n", len(page.Entries), auditCSVPath)
				return nil
			}

			if page.Total == 0 {
				fmt.Println("No corrections recorded.")
				return nil
			}
			for _, e := range page.Entries {
				mode := "auto"
				if !e.Automatic {
					mode = "manual"
				}
				fmt.Printf("%s  %-9s  %-22s  %-26s  %s (%s, %s)\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Severity.Label(), e.Type, e.EntityID, e.Action, e.Actor, mode)
			}
			fmt.Printf("\nShowing %d of %d entries\n", len(page.Entries), page.Total)
			return nil
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditType, "type", "", "Filter by finding type")
	auditCmd.Flags().StringVar(&auditSeverity, "severity", "", "Filter by severity")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only entries on or after this date (YYYY-MM-DD)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", database.DefaultAuditPageSize, "Page size")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")
	auditCmd.Flags().StringVar(&auditCSVPath, "csv", "", "Write the page to a CSV file instead of printing it")
}

// --- export command ---

var (
	exportFormat   string
	exportSeverity string
	exportType     string
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the divergence report to a CSV or XLSX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		format := export.FormatFromPath(path)
		if exportFormat != "" {
			f, err := export.ParseFormat(exportFormat)
			if err != nil {
				return err
			}
			format = f
		}
		flt, err := reportFilter(exportSeverity, exportType)
		if err != nil {
			return err
		}

		return withEngine(func(engine *pipeline.Engine) error {
			report := engine.Report(context.Background(), flt)
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			defer f.Close()
			if err := export.Report(f, format, report); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Wrote %d findings (%d affected) to %s\n", len(report.Findings), report.Summary.Total, path)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "csv or xlsx (default: from file extension)")
	exportCmd.Flags().StringVar(&exportSeverity, "severity", "", "Only export findings of this severity")
	exportCmd.Flags().StringVar(&exportType, "type", "", "Only export findings of this type")
}

// --- maintain command ---

var maintainSchedule bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run audit retention cleanup and full correction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(engine *pipeline.Engine) error {
			if !maintainSchedule {
				res := maintenance.RunOnce(context.Background(), engine, cfg.Maintenance.Correct)
				fmt.Println(res.Summary())
				return nil
			}

			sched, err := maintenance.NewScheduler(engine, cfg.Maintenance.Schedule)
			if err != nil {
				return err
			}
			sched.Correct = cfg.Maintenance.Correct

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Println("Press Ctrl+C to stop")
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	},
}

func init() {
	maintainCmd.Flags().BoolVar(&maintainSchedule, "schedule", false, "Keep running on maintenance.schedule")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local report viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		return withEngine(func(engine *pipeline.Engine) error {
			fmt.Printf("Starting server at http://localhost:%d\n", port)
			fmt.Println("Press Ctrl+C to stop")
			return server.Serve(engine, port)
		})
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- helpers ---

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

func withEngine(fn func(*pipeline.Engine) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := pipeline.New(cfg, db)
	if err != nil {
		return err
	}
	return fn(engine)
}

func reportFilter(severity, typ string) (divergence.Filter, error) {
	flt := divergence.Filter{Type: divergence.Type(typ)}
	if severity != "" {
		sev, err := divergence.ParseSeverity(severity)
		if err != nil {
			return flt, err
		}
		flt.Severity = sev
	}
	return flt, nil
}

func printReport(r *divergence.Report) {
	fmt.Printf("Report generated %s", r.GeneratedAt.Local().Format("2006-01-02 15:04"))
	if !r.Complete {
		fmt.Print(" (INCOMPLETE)")
	}
	fmt.Println()
	for _, sev := range divergence.Severities() {
		fmt.Printf("  %-9s %d\n", sev.Label(), r.Summary.BySeverity[sev])
	}
	fmt.Printf("  %-9s %d\n", "TOTAL", r.Summary.Total)

	if len(r.Findings) == 0 {
		fmt.Println("\nNo divergences found.")
		return
	}
	for _, f := range r.Findings {
		marker := ""
		if f.Correctable {
			marker = " [auto-correctable]"
		}
		fmt.Printf("\n[%s] %s (%d)%s\n", f.Severity.Label(), f.Title, f.Count, marker)
		for _, d := range f.Details {
			fmt.Printf("  - %s %s", d.EntityKind, d.EntityID)
			if d.Name != "" {
				fmt.Printf(" %q", d.Name)
			}
			fmt.Printf(": %s\n", d.Problem)
			if d.SuggestedFix != "" {
				fmt.Printf("      fix: %s\n", d.SuggestedFix)
			}
		}
	}
}

func printOutcomes(outcomes []correct.Outcome) {
	for _, o := range outcomes {
		switch o.Status {
		case correct.Unsupported:
			fmt.Printf("  %-11s %s: %s\n", o.Status, o.Type, o.Message)
		case correct.Failed:
			fmt.Printf("  %-11s %s %s: %s\n", o.Status, o.Type, o.Detail.EntityID, o.Error)
		default:
			line := fmt.Sprintf("  %-11s %s %s", o.Status, o.Type, o.Detail.EntityID)
			if o.Message != "" {
				line += ": " + o.Message
			}
			fmt.Println(line)
		}
	}
}
