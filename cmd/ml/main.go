package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mealline/internal/app"
	"mealline/internal/archive"
	"mealline/internal/config"
	"mealline/internal/db"
	"mealline/internal/domain"
	"mealline/internal/engine"
	"mealline/internal/migrate"
	"mealline/internal/repo"
	"mealline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Mealline CLI",
	Long: `Mealline runs meal ordering for care facilities.
- Workspace: your .mealline directory holding the database; facility settings live in mealline.yml.
- Orders: resident meal orders flowing pending -> confirmed -> preparing -> prepared -> completed (cancelled exits anywhere before prepared).
- Versions: every order write bumps a version; stale writes get a conflict with both documents so staff can merge.
- History: each change stores a snapshot of the document as it was before the write.
- Archive: a daily sweep moves expired terminal orders, old snapshots and old events into archived_records.
- Event log: diary of changes, view with 'ml log tail'.`,
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
	viper.SetEnvPrefix("MEALLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage facility config",
		Long:  "Config is the rulebook: facility identity, retention windows, the archive schedule, cache tuning, roles, and webhook endpoints. Stored as mealline.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var facilityID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mealline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(facilityID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "default", "facility id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Manage meal orders",
		Long:  "Orders are resident meal requests. Updates carry the version you read; a stale version gets a conflict showing both documents so you can resolve with merged data.",
	}
	order.AddCommand(orderCreateCmd())
	order.AddCommand(orderListCmd())
	order.AddCommand(orderShowCmd())
	order.AddCommand(orderUpdateCmd())
	order.AddCommand(orderStatusCmd())
	order.AddCommand(orderResolveCmd())
	order.AddCommand(orderHistoryCmd())
	return order
}

func parseItemsJSON(raw string) ([]domain.OrderItem, error) {
	if raw == "" {
		return nil, nil
	}
	var items []domain.OrderItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("invalid --items-json: %w", err)
	}
	return items, nil
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	var itemsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a meal order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			items, err := parseItemsJSON(itemsJSON)
			if err != nil {
				return err
			}
			opts.Items = items
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, warning, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "order id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ResidentID, "resident", "", "resident id")
	cmd.Flags().StringVar(&opts.MealType, "meal-type", "", "meal type (breakfast, lunch, dinner, snack)")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", `items JSON, e.g. [{"name":"soup","portion":"small"}]`)
	cmd.Flags().StringVar(&opts.DietaryNotes, "dietary-notes", "", "dietary notes")
	cmd.Flags().StringVar(&opts.ScheduledFor, "scheduled-for", "", "RFC3339 serving time")
	_ = cmd.MarkFlagRequired("resident")
	_ = cmd.MarkFlagRequired("meal-type")
	_ = cmd.MarkFlagRequired("scheduled-for")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meal orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.FacilityID = e.Config.Facility.ID
				orders, err := e.Repo.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Resident", "Meal", "Status", "Version", "Scheduled"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.ID, o.ResidentID, o.MealType, o.Status, o.Version, o.ScheduledFor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ResidentID, "resident", "", "resident filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.MealType, "meal-type", "", "meal type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a meal order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderUpdateCmd() *cobra.Command {
	var mealType, itemsJSON, notes, status, scheduledFor string
	var version int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a meal order",
		Long:  "Pass --version with the version you read to get conflict detection. Omitting it writes unconditionally; add --force to mark the skip as intentional.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.OrderUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
				Force:   viper.GetBool("force"),
			}
			if cmd.Flags().Changed("meal-type") {
				opts.MealType = &mealType
			}
			if cmd.Flags().Changed("items-json") {
				items, err := parseItemsJSON(itemsJSON)
				if err != nil {
					return err
				}
				opts.Items = &items
			}
			if cmd.Flags().Changed("dietary-notes") {
				opts.DietaryNotes = &notes
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("scheduled-for") {
				opts.ScheduledFor = &scheduledFor
			}
			if cmd.Flags().Changed("version") {
				opts.Version = &version
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, warning, err := e.UpdateOrder(ctx, opts)
				var conflict engine.ConflictError
				if errors.As(err, &conflict) {
					if viper.GetBool("json") {
						return printJSON(map[string]any{
							"error":           "version_conflict",
							"current_version": conflict.Current,
							"your_version":    conflict.Submitted,
						})
					}
					return err
				}
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&mealType, "meal-type", "", "meal type")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", "items JSON")
	cmd.Flags().StringVar(&notes, "dietary-notes", "", "dietary notes")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "RFC3339 serving time")
	cmd.Flags().Int64Var(&version, "version", 0, "version this edit is based on")
	return cmd
}

func orderStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Move an order through the kitchen workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, warning, err := e.SetOrderStatus(ctx, id, status, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func orderResolveCmd() *cobra.Command {
	var mealType, itemsJSON, notes, status, scheduledFor string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a version conflict with merged data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ResolveOptions{
				ID:         args[0],
				ResolvedBy: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("meal-type") {
				opts.MealType = &mealType
			}
			if cmd.Flags().Changed("items-json") {
				items, err := parseItemsJSON(itemsJSON)
				if err != nil {
					return err
				}
				opts.Items = &items
			}
			if cmd.Flags().Changed("dietary-notes") {
				opts.DietaryNotes = &notes
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("scheduled-for") {
				opts.ScheduledFor = &scheduledFor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, warning, err := e.ResolveConflict(ctx, opts)
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&mealType, "meal-type", "", "merged meal type")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", "merged items JSON")
	cmd.Flags().StringVar(&notes, "dietary-notes", "", "merged dietary notes")
	cmd.Flags().StringVar(&status, "status", "", "merged status")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "merged RFC3339 serving time")
	return cmd
}

func orderHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Snapshot history for an order, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snaps, err := e.OrderHistory(ctx, id, limit, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Change", "Fields", "By", "Resolution", "At"})
				for _, s := range snaps {
					by := ""
					if s.ChangedBy != nil {
						by = *s.ChangedBy
					}
					tw.AppendRow(table.Row{s.Version, s.ChangeType, s.ChangedFieldsJSON, by, s.Resolution, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max snapshots")
	return cmd
}

func archiveCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "archive",
		Short: "Retention and archival",
		Long:  "The sweep moves expired terminal orders, old snapshots and old events into archived_records. Retention windows come from config; re-running a sweep never archives twice.",
	}
	a.AddCommand(archiveSweepCmd())
	a.AddCommand(archiveShowCmd())
	return a
}

func archiveSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a retention sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := archive.New(e, nil).Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func archiveShowCmd() *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Latest archived copy of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Repo.LatestArchivedRecord(ctx, collection, docID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", engine.OrderCollection, "archived collection")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: order changes, conflicts, resolutions, archive sweeps.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Facility.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "API key management",
	}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRevokeCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "mlk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.New().String(),
				ActorID: actor,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("Key id: %s\nActor:  %s\nSecret: %s\n(store it now; only the hash is kept)\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("MEALLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("MEALLINE_JWT_SECRET is required for bearer auth")
				}
				sweeper := archive.New(e, nil)
				handler, err := server.New(server.Config{Engine: e, Sweeper: sweeper, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				stop := make(chan struct{})
				sweeper.Start(stop)
				defer close(stop)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Mealline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	r := repo.Repo{DB: conn}
	if err := app.EnsureFacility(ctx, cfg, viper.GetString("actor-id"), r); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
