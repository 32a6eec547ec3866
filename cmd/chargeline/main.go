package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chargeline/internal/config"
	"chargeline/internal/db"
	"chargeline/internal/domain"
	"chargeline/internal/migrate"
	"chargeline/internal/pipeline"
	"chargeline/internal/repo"
	"chargeline/internal/runner"
	"chargeline/internal/server"
	"chargeline/internal/tebra"
)

var rootCmd = &cobra.Command{
	Use:   "chargeline",
	Short: "Chargeline CLI",
	Long: `Chargeline turns a charges spreadsheet into posted payments and billing
encounters in the remote practice-management system, and hands back the
spreadsheet enriched with patient, insurance and charge data.

Workflow:
- chargeline serve            start the HTTP API for async submissions
- chargeline process          run one spreadsheet synchronously
- chargeline task list/show   inspect submitted jobs
- chargeline log tail         follow the job event log`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("CHARGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("customer-key", "", "remote API customer key")
	rootCmd.PersistentFlags().String("user", "", "remote API user")
	rootCmd.PersistentFlags().String("password", "", "remote API password")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("customer-key", rootCmd.PersistentFlags().Lookup("customer-key"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			outputDir, err := db.EnsureOutputDir(workspace)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			run := &runner.Runner{
				Repo:      r,
				OutputDir: outputDir,
				Pipeline:  pipeline.Config{InsuranceSelection: cfg.Processing.InsuranceSelection},
				NewClient: clientFactory(cfg),
				Logger:    log.New(os.Stderr, "chargeline ", log.LstdFlags),
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Repo:     r,
				Runner:   run,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(r, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Chargeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			run.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func processCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process a charges spreadsheet synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			outputDir, err := db.EnsureOutputDir(workspace)
			if err != nil {
				return err
			}
			run := &runner.Runner{
				OutputDir: outputDir,
				Pipeline:  pipeline.Config{InsuranceSelection: cfg.Processing.InsuranceSelection},
				NewClient: clientFactory(cfg),
				Logger:    log.New(os.Stderr, "chargeline ", log.LstdFlags),
			}
			summary, outPath, err := run.ProcessFile(cmd.Context(), file, credentials())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"summary": summary, "output": outPath})
			}
			printSummaryTable(summary)
			fmt.Printf("\nOutput written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the charges spreadsheet")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect submitted jobs"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				printTaskTable([]domain.Task{t})
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, taskID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				printEventTable(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default chargeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(endpoint)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "remote API endpoint URL")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	endpoint := viper.GetString("remote-endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("no %s and CHARGELINE_REMOTE_ENDPOINT unset; run chargeline config init", config.Path(workspace))
	}
	return config.Default(endpoint), nil
}

func clientFactory(cfg *config.Config) func(tebra.Credentials) (tebra.Client, error) {
	return func(creds tebra.Credentials) (tebra.Client, error) {
		return tebra.NewClient(tebra.Config{
			Endpoint: cfg.Remote.Endpoint,
			Timeout:  cfg.RemoteTimeout(),
		}, creds)
	}
}

func credentials() tebra.Credentials {
	return tebra.Credentials{
		CustomerKey: viper.GetString("customer-key"),
		User:        viper.GetString("user"),
		Password:    viper.GetString("password"),
	}
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printSummaryTable(s *domain.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Row", "Patient", "Practice", "Results"})
	for _, r := range s.Results {
		t.AppendRow(table.Row{r.RowNumber, r.PatientID, r.Practice, r.Results})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d rows, %d payments, %d encounters, %d failed",
		s.TotalRows, s.PaymentsPosted, s.EncountersCreated, s.FailedRows)})
	t.Render()
}

func printTaskTable(tasks []domain.Task) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Status", "Original Name", "Created", "Message"})
	for _, task := range tasks {
		t.AppendRow(table.Row{task.ID, task.Status, task.OriginalName, task.CreatedAt, task.Message})
	}
	t.Render()
}

func printEventTable(events []domain.Event) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Payload"})
	for _, e := range events {
		t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TaskID, e.Payload})
	}
	t.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
