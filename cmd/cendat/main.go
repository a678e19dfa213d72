package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cendat/internal/census"
	"cendat/internal/data"
	"cendat/internal/filter"
	"cendat/internal/model"
	"cendat/internal/store"
	"cendat/internal/store/sqlite"
	"cendat/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel  string
	logFormat string
	envFile   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cendat",
		Short:         "Discover and fetch Census Bureau datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is fine; the key can come from the environment or
			// be absent entirely.
			if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace..error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console or json)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file with CENSUS_API_KEY")

	cmd.AddCommand(newProductsCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	return cmd
}

func newProductsCmd(root *rootOptions) *cobra.Command {
	var (
		years    []int
		patterns []string
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "products",
		Short: "List catalog products matching years and title patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			matchMode, err := filter.ParseMode(mode)
			if err != nil {
				return err
			}

			cfg := census.ConfigFromEnv()
			cfg.Logger = telemetry.NewLogger(root.logLevel, root.logFormat)
			helper, err := census.NewWithConfig(cfg)
			if err != nil {
				return err
			}

			products, err := helper.ListProducts(cmd.Context(), census.ListOptions{
				FilterOptions: census.FilterOptions{Patterns: patterns, Mode: matchMode},
				Years:         years,
			})
			if err != nil {
				return err
			}

			for _, product := range products {
				fmt.Printf("%s\tvintage=%v\ttype=%s\tmicrodata=%t\n",
					product.Title, product.VintageYears, product.DatasetType, product.IsMicrodata)
			}
			fmt.Fprintf(os.Stderr, "%d products\n", len(products))
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&years, "year", nil, "years of interest (repeatable)")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "title regex (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "all", "pattern combination: all or any")
	return cmd
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	var (
		years       []int
		patterns    []string
		titles      []string
		geoCodes    []string
		varPatterns []string
		varNames    []string
		varMode     string
		withins     []string
		workers     int
		dbPath      string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Resolve a selection and fetch its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := telemetry.NewLogger(root.logLevel, root.logFormat)
			ctx := cmd.Context()

			clauses, err := parseWithins(withins)
			if err != nil {
				return err
			}
			variableMode, err := filter.ParseMode(varMode)
			if err != nil {
				return err
			}

			cfg := census.ConfigFromEnv()
			cfg.Logger = log
			helper, err := census.NewWithConfig(cfg)
			if err != nil {
				return err
			}

			sel, err := resolveSelection(ctx, helper, resolveOptions{
				years:       years,
				patterns:    patterns,
				titles:      titles,
				geoCodes:    geoCodes,
				varPatterns: varPatterns,
				varNames:    varNames,
				varMode:     variableMode,
			})
			if err != nil {
				return err
			}

			dataCfg := data.ConfigFromEnv()
			dataCfg.Logger = log
			if workers > 0 {
				dataCfg.MaxWorkers = workers
			}
			client, err := data.NewWithConfig(dataCfg)
			if err != nil {
				return err
			}

			requests, err := data.BuildRequests(sel, clauses)
			if err != nil {
				return err
			}
			log.Info().Int("requests", len(requests)).Msg("fetching")

			result, err := client.Fetch(ctx, requests)
			if err != nil {
				return err
			}
			for _, warning := range result.Warnings {
				log.Warn().Msg(warning)
			}

			rows := 0
			for _, dataset := range result.Datasets {
				rows += len(dataset.Rows)
			}
			fmt.Printf("fetched datasets=%d rows=%d failed=%d\n",
				len(result.Datasets), rows, len(result.Warnings))

			return persist(ctx, dbPath, sel, result)
		},
	}

	cmd.Flags().IntSliceVar(&years, "year", nil, "years of interest (repeatable)")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "product title regex (repeatable)")
	cmd.Flags().StringArrayVar(&titles, "title", nil, "exact product title (repeatable, overrides --pattern)")
	cmd.Flags().StringArrayVar(&geoCodes, "geo", nil, "geography level code (repeatable)")
	cmd.Flags().StringArrayVar(&varPatterns, "var-pattern", nil, "variable label regex (repeatable)")
	cmd.Flags().StringArrayVar(&varNames, "var", nil, "variable name (repeatable, overrides --var-pattern)")
	cmd.Flags().StringVar(&varMode, "var-mode", "all", "variable pattern combination: all or any")
	cmd.Flags().StringArrayVar(&withins, "within", nil, `geography clause, e.g. "state=36;place=61797,61621" (repeatable)`)
	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent requests (0 = default)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite path for fetched cells (empty disables persistence)")
	return cmd
}

type resolveOptions struct {
	years       []int
	patterns    []string
	titles      []string
	geoCodes    []string
	varPatterns []string
	varNames    []string
	varMode     filter.Mode
}

// resolveSelection walks the years -> products -> geographies -> variables
// stages the way an interactive session would.
func resolveSelection(ctx context.Context, helper *census.Helper, opts resolveOptions) (model.Selection, error) {
	if len(opts.years) > 0 {
		if err := helper.SetYears(opts.years...); err != nil {
			return model.Selection{}, err
		}
	}

	if len(opts.titles) > 0 {
		if _, err := helper.SetProducts(ctx, opts.titles...); err != nil {
			return model.Selection{}, err
		}
	} else {
		if _, err := helper.ListProducts(ctx, census.ListOptions{
			FilterOptions: census.FilterOptions{Patterns: opts.patterns},
		}); err != nil {
			return model.Selection{}, err
		}
		if _, err := helper.SetProducts(ctx); err != nil {
			return model.Selection{}, err
		}
	}

	if len(opts.geoCodes) == 0 {
		return model.Selection{}, fmt.Errorf("at least one --geo is required")
	}
	if _, err := helper.SetGeographies(ctx, opts.geoCodes...); err != nil {
		return model.Selection{}, err
	}

	if len(opts.varNames) > 0 {
		if _, err := helper.SetVariables(ctx, opts.varNames...); err != nil {
			return model.Selection{}, err
		}
	} else {
		if _, err := helper.ListVariables(ctx, census.FilterOptions{
			Patterns: opts.varPatterns,
			Mode:     opts.varMode,
		}); err != nil {
			return model.Selection{}, err
		}
		if _, err := helper.SetVariables(ctx); err != nil {
			return model.Selection{}, err
		}
	}

	return helper.Selection(), nil
}

func persist(ctx context.Context, dbPath string, sel model.Selection, result *data.Result) error {
	var sink store.Store = &store.NopStore{}
	if strings.TrimSpace(dbPath) != "" {
		opened, err := sqlite.New(dbPath)
		if err != nil {
			return err
		}
		sink = opened
	}
	defer sink.Close()

	names := make([]string, 0, len(sel.Variables))
	for _, variable := range sel.Variables {
		names = append(names, variable.Name)
	}
	cells := result.Cells(names)
	if err := sink.UpsertCells(ctx, cells); err != nil {
		return err
	}
	if len(cells) > 0 && strings.TrimSpace(dbPath) != "" {
		fmt.Printf("stored cells=%d db=%s\n", len(cells), dbPath)
	}
	return nil
}

// parseWithins parses clause flags of the form
// "level=code,code;parent=code" into Within maps.
func parseWithins(raw []string) ([]data.Within, error) {
	clauses := make([]data.Within, 0, len(raw))
	for _, entry := range raw {
		clause := data.Within{}
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			level, codes, ok := strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --within fragment %q (want level=codes)", part)
			}
			values := make([]string, 0)
			for _, code := range strings.Split(codes, ",") {
				code = strings.TrimSpace(code)
				if code != "" {
					values = append(values, code)
				}
			}
			if len(values) == 0 {
				return nil, fmt.Errorf("invalid --within fragment %q (no codes)", part)
			}
			clause[strings.TrimSpace(level)] = values
		}
		if len(clause) > 0 {
			clauses = append(clauses, clause)
		}
	}
	return clauses, nil
}
