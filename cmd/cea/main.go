package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ceatool/internal/config"
	"ceatool/internal/db"
	"ceatool/internal/engine"
	"ceatool/internal/events"
	"ceatool/internal/glossary"
	"ceatool/internal/migrate"
	"ceatool/internal/params"
	"ceatool/internal/server"
	ceasdk "ceatool/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cea",
	Short: "City Energy Analyst tool client",
	Long: `cea drives the tools of a running City Energy Analyst backend.
- Tools: each analysis script publishes a parameter schema; 'cea tool show' renders it as a form.
- Parameters: edit with --set name=value; values are checked against the parameter's kind before anything is sent.
- Jobs: 'cea tool run' creates a job from the form and asks the backend to start it.
- Scenario: jobs run against the open scenario unless --scenario names another.
- Journal: a local record of saves and submissions in .cea/journal.db, view with 'cea log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CEA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("url", "", "backend URL (overrides cea.yml)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the backend")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides cea.yml)")
	for _, name := range []string{"workspace", "json", "url", "token", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(glossaryCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads cea.yml and applies flag and CEA_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("url"); v != "" {
		cfg.Server.URL = v
	}
	if v := viper.GetString("token"); v != "" {
		cfg.Server.Token = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func setupLogging() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logrus.SetOutput(os.Stderr)
	if viper.GetBool("json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	level := logrus.InfoLevel
	if cfg.Log.Level != "" {
		if level, err = logrus.ParseLevel(cfg.Log.Level); err != nil {
			return err
		}
	}
	logrus.SetLevel(level)
	return nil
}

func newClient(cfg *config.Config) *ceasdk.Client {
	c := ceasdk.New(cfg.Server.URL)
	c.BearerToken = cfg.Server.Token
	if cfg.Server.Timeout > 0 {
		c.Timeout = time.Duration(cfg.Server.Timeout)
	}
	return c
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var journal *events.Writer
	if cfg.Journal.Enabled {
		conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			return err
		}
		journal = &events.Writer{DB: conn}
	}
	e := engine.New(newClient(cfg), journal, logrus.StandardLogger())
	return fn(ctx, e)
}

func withJournal(ctx context.Context, fn func(context.Context, events.Writer) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, events.Writer{DB: conn})
}

func toolCmd() *cobra.Command {
	tool := &cobra.Command{
		Use:   "tool",
		Short: "Inspect, edit and run tools",
		Long:  "A tool is one analysis script of the backend. Its parameters are fetched as a schema and edited locally before being saved or submitted.",
	}
	tool.AddCommand(toolListCmd())
	tool.AddCommand(toolShowCmd())
	tool.AddCommand(toolSaveCmd())
	tool.AddCommand(toolDefaultCmd())
	tool.AddCommand(toolRunCmd())
	return tool
}

func toolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			names, err := newClient(cfg).Tools(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(names)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

type editFlags struct {
	sets   []string
	browse []string
}

func (f *editFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "set a parameter (name=value, repeatable)")
	cmd.Flags().StringArrayVar(&f.browse, "browse", nil, "prompt for a path parameter (repeatable)")
}

// apply runs every edit and reports all rejected ones together.
func (f *editFlags) apply(ctx context.Context, form *params.Form) error {
	var errs []error
	for _, kv := range f.sets {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("--set %q: expected name=value", kv))
			continue
		}
		if err := form.Set(strings.TrimSpace(name), value); err != nil {
			errs = append(errs, err)
		}
	}
	dialog := stdinDialog{in: bufio.NewReader(os.Stdin), out: os.Stderr}
	for _, name := range f.browse {
		if _, err := form.Browse(ctx, name, dialog); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stdinDialog asks for paths on the terminal. An empty answer cancels.
type stdinDialog struct {
	in  *bufio.Reader
	out io.Writer
}

func (d stdinDialog) OpenPath(ctx context.Context, req params.DialogRequest) (string, error) {
	if req.Current != "" {
		fmt.Fprintf(d.out, "%s [%s]: ", req.Title, req.Current)
	} else {
		fmt.Fprintf(d.out, "%s: ", req.Title)
	}
	line, err := d.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), ctx.Err()
}

// openTool opens a session and applies flag edits. A failed schema fetch
// still returns the session so its error view can be rendered.
func openTool(ctx context.Context, e engine.Engine, name string, edits *editFlags) (*engine.Session, error) {
	s, err := e.Open(ctx, name)
	if err != nil {
		return s, err
	}
	if edits != nil {
		if err := edits.apply(ctx, s.Form()); err != nil {
			return s, err
		}
	}
	return s, nil
}

func toolShowCmd() *cobra.Command {
	var edits editFlags
	cmd := &cobra.Command{
		Use:   "show <tool>",
		Short: "Render a tool's parameter form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := openTool(ctx, e, args[0], &edits)
				if s == nil {
					return err
				}
				if perr := printView(s.View()); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	edits.register(cmd)
	return cmd
}

func toolSaveCmd() *cobra.Command {
	var edits editFlags
	cmd := &cobra.Command{
		Use:   "save <tool>",
		Short: "Save parameter values to the scenario config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := openTool(ctx, e, args[0], &edits)
				if err != nil {
					return err
				}
				if err := s.Save(ctx); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"tool": s.Tool(), "saved": s.Form().Values()})
			})
		},
	}
	edits.register(cmd)
	return cmd
}

func toolDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default <tool>",
		Short: "Restore default parameter values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Open(ctx, args[0])
				if err != nil {
					return err
				}
				if err := s.Reset(ctx); err != nil {
					return err
				}
				return printView(s.View())
			})
		},
	}
}

func toolRunCmd() *cobra.Command {
	var edits editFlags
	var scenario string
	cmd := &cobra.Command{
		Use:   "run <tool>",
		Short: "Create and start a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := openTool(ctx, e, args[0], &edits)
				if err != nil {
					return err
				}
				job, err := s.Submit(ctx, scenario)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				fmt.Printf("job %s started for %s\n", job.ID, job.Script)
				return nil
			})
		},
	}
	edits.register(cmd)
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario path (defaults to the open scenario)")
	return cmd
}

func printView(v params.View) error {
	if viper.GetBool("json") {
		out := map[string]any{"state": v.State.String()}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		if v.State == params.ViewReady {
			out["category"] = v.Category
			out["label"] = v.Label
			out["fields"] = v.Fields
			out["groups"] = v.Groups
		}
		return printJSON(out)
	}
	switch v.State {
	case params.ViewLoading:
		fmt.Println("loading...")
		return nil
	case params.ViewError:
		return v.Err
	case params.ViewEmpty:
		fmt.Println("this tool has no parameters")
		return nil
	}
	fmt.Printf("%s (%s)\n", v.Label, v.Category)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Group", "Parameter", "Kind", "Value", "Options", "Error"})
	addFields := func(group string, fields []params.Field) {
		for _, f := range fields {
			name := f.Name
			if f.Required {
				name += " *"
			}
			tw.AppendRow(table.Row{group, name, f.Kind, formatValue(f.Value), strings.Join(f.Options, " | "), f.Error})
		}
	}
	addFields("", v.Fields)
	for _, g := range v.Groups {
		addFields(g.Name, g.Fields)
	}
	tw.Render()
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func glossaryCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "glossary",
		Short: "Search the variable glossary",
	}
	g.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Find variables by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.SearchGlossary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(matches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Script", "Variable", "Unit", "File", "Description", "Docs"})
				for _, m := range matches {
					for _, v := range m.Variables {
						tw.AppendRow(table.Row{m.Script, v.Variable, v.Unit, v.FileName, v.Description, glossary.DocURL(cfg.Docs.URL, m.Script, v)})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "columns <header>...",
		Short: "Describe table columns by their headers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cols, err := e.GlossaryColumns(ctx, args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Column", "Unit", "File", "Description", "Docs"})
				for _, c := range cols {
					tw.AppendRow(table.Row{c.Variable, c.Unit, c.FileName, c.Description, glossary.DocURL(cfg.Docs.URL, c.Script, c.GlossaryVariable)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return g
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect the open project"}
	prj.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the backend's open project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := newClient(cfg).Project(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	})
	return prj
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scenario", Short: "Manage scenarios"}
	var opts engine.ScenarioOptions
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a scenario in the open project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateScenario(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("scenario %s created\n", res.Name)
				if res.DatabasesLater {
					fmt.Println("databases still need to be set up before running tools")
				}
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.Database, "database", "", fmt.Sprintf("database region or path (%q to set up later)", params.CreateDatabaseLabel))
	create.Flags().StringVar(&opts.InputData, "input-data", engine.InputGenerate, "generate, copy or import")
	sc.AddCommand(create)
	sc.AddCommand(&cobra.Command{
		Use:   "open <name>",
		Short: "Make a scenario the open one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.OpenScenario(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("scenario %s opened\n", args[0])
				return nil
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a scenario from the open project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteScenario(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("scenario %s deleted\n", args[0])
				return nil
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "databases",
		Short: "List database choices for new scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				form, field, err := e.DatabaseParameter(ctx)
				if err != nil {
					return err
				}
				for _, p := range form.Schema().Parameters {
					if p.Name == field {
						return printJSONOrTable(p.Choices.Labels())
					}
				}
				return nil
			})
		},
	})
	return sc
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Local activity journal",
		Long:  "Every save, reset, job submission and scenario creation made from this workspace.",
	}
	var n int
	var tool string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, w events.Writer) error {
				evts, err := w.Tail(ctx, n, tool)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Tool", "Job", "Scenario"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Tool, e.JobID, e.Scenario})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&tool, "tool", "", "only entries for this tool")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect client config",
		Long:  "Config lives in cea.yml in the workspace: backend URL and timeout, log level, journal and documentation root. CEA_* environment variables and flags override it.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *c
			if shown.Server.Token != "" {
				shown.Server.Token = "***"
			}
			return printJSONOrTable(shown)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cea.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cea.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, catalogPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development backend",
		Long:  "Serves tool schemas, jobs, the glossary and the project from a YAML catalog, keeping all changes in memory. Set CEA_JWT_SECRET to require bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(catalogPath)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Catalog: cat,
				Auth:    server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
				Log:     logrus.StandardLogger(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logrus.WithField("addr", addr).Info("serving development backend (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5050", "listen address")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML (defaults to the built-in one)")

	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the development backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(token)
	return cmd
}

func loadCatalog(path string) (*server.Catalog, error) {
	if path == "" {
		return server.DefaultCatalog()
	}
	return server.LoadCatalog(path)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
