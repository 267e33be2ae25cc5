package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmarket/internal/aggregation"
	"taskmarket/internal/app"
	"taskmarket/internal/commerce"
	"taskmarket/internal/config"
	"taskmarket/internal/credentials"
	"taskmarket/internal/domain"
	"taskmarket/internal/gateway"
	"taskmarket/internal/process"
	"taskmarket/internal/projector"
	"taskmarket/internal/ranking"
	"taskmarket/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmarket CLI",
	Long: `Taskmarket runs the transaction lifecycle of a task marketplace.
- Listings: tasks posted by a poster; visibility goes available -> in-progress -> closed.
- Transactions: one offer by one specialist on one listing, moved through a fixed process graph.
- Privileged transitions (INQUIRE, ACCEPT_OFFER, DECLINE_OFFER) go through the gateway with an elevated credential.
- Rankings: the specialist directory and the offers on a task, ordered by verification and reviews.
- Engine: the commerce engine holding ledger, catalog, reviews and profiles; local (sqlite/postgres) or remote.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env values never override the real environment.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("TASKMARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding taskmarket.yml and .env")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("session", "", "end-user session token")
	rootCmd.PersistentFlags().String("as", "", "mint a dev session for this subject instead of --session")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(engineCmd())
	rootCmd.AddCommand(offersCmd())
	rootCmd.AddCommand(specialistsCmd())
	rootCmd.AddCommand(visibilityCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads taskmarket.yml from the workspace, falling back to the
// built-in defaults, then applies TASKMARKET_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"engine-mode":     &cfg.Engine.Mode,
		"engine-dsn":      &cfg.Engine.DSN,
		"engine-base-url": &cfg.Engine.BaseURL,
		"engine-api-key":  &cfg.Engine.APIKey,
		"session-secret":  &cfg.Credentials.SessionSecret,
		"elevated-secret": &cfg.Credentials.ElevatedSecret,
		"redis-addr":      &cfg.Credentials.RedisAddr,
		"notify-topic":    &cfg.Notify.Topic,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	if brokers := strings.TrimSpace(viper.GetString("notify-brokers")); brokers != "" {
		cfg.Notify.Brokers = strings.Split(brokers, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, app.NewLogger("tm "))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reconcileEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the core HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Gateway:    a.Gateway,
					Aggregator: a.Aggregator,
					Ledger:     a.Engine,
					Catalog:    a.Engine,
					Projector:  a.Projector,
					BasePath:   basePath,
					Auth:       server.AuthConfig{SessionSecret: a.Config.Credentials.SessionSecret, Logger: a.Logger},
				})
				if err != nil {
					return err
				}
				if reconcileEvery > 0 {
					go func() {
						if err := a.Reconciler(reconcileEvery).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							a.Logger.Printf("reconciler stopped: %v", err)
						}
					}()
				}
				a.Logger.Printf("serving core API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)", addr, basePath, basePath, basePath)
				return listen(ctx, addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-every", 0, "follow the engine event feed and repair listing drift at this interval; 0 disables")
	return cmd
}

func listen(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func engineCmd() *cobra.Command {
	eng := &cobra.Command{Use: "engine", Short: "Run and seed the local commerce engine"}
	eng.AddCommand(engineServeCmd())
	eng.AddCommand(engineSeedCmd())
	eng.AddCommand(engineKeyCmd())
	return eng
}

func engineServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the local engine over its JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Engine.Mode != config.EngineModeLocal {
				return fmt.Errorf("engine serve needs engine.mode local")
			}
			logger := app.NewLogger("engine ")
			e, conn, err := app.OpenLocalEngine(cfg, time.Now)
			if err != nil {
				return err
			}
			defer conn.Close()
			if cfg.Engine.APIKey != "" {
				if err := e.RegisterAPIKey(cmd.Context(), "core", cfg.Engine.APIKey); err != nil {
					return err
				}
			}
			issuer, closeIssuer := app.NewIssuer(cfg, time.Now)
			defer closeIssuer()
			handler, err := server.NewEngine(server.EngineConfig{Engine: e, Issuer: issuer, Logger: logger})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Engine.Addr
			}
			logger.Printf("serving engine API on http://%s/engine/v0", addr)
			return listen(cmd.Context(), addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default engine.addr)")
	return cmd
}

func engineKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "key", Short: "Manage engine client keys"}
	var clientID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a client key; the plaintext is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, conn, err := app.OpenLocalEngine(cfg, time.Now)
			if err != nil {
				return err
			}
			defer conn.Close()
			plain, key, err := e.CreateAPIKey(cmd.Context(), clientID, name)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"id": key.ID, "client_id": key.ClientID, "key": plain})
		},
	}
	create.Flags().StringVar(&clientID, "client", "core", "client id")
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List client keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, conn, err := app.OpenLocalEngine(cfg, time.Now)
			if err != nil {
				return err
			}
			defer conn.Close()
			items, err := e.Repo.ListAPIKeys(cmd.Context(), clientID)
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
	list.Flags().StringVar(&clientID, "client", "", "client id filter")
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete a client key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, conn, err := app.OpenLocalEngine(cfg, time.Now)
			if err != nil {
				return err
			}
			defer conn.Close()
			return e.Repo.DeleteAPIKey(cmd.Context(), args[0])
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func offersCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Rank the offers on a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Aggregator.ForTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printRanking(res, a.Aggregator.OffersPolicy)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func specialistsCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "specialists",
		Short: "Rank the specialist directory of a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Aggregator.ForCategory(ctx, category)
				if err != nil {
					return err
				}
				return printRanking(res, a.Aggregator.DirectoryPolicy)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func printRanking(res aggregation.Result, policy ranking.Policy) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("policy: " + res.Policy)
	tw.AppendHeader(table.Row{"#", "Specialist", "Verified", "Reviews", "Avg", "Offer", "Bucket"})
	for i, c := range res.Candidates {
		offer := ""
		if c.Offer != nil {
			offer = c.Offer.Price.String()
		}
		tw.AppendRow(table.Row{i + 1, c.SpecialistID, c.Verified, c.ReviewCount, fmt.Sprintf("%.2f", c.AverageRating), offer, policy.BucketOf(c)})
	}
	tw.Render()
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s %s lookup: %s\n", w.SpecialistID, w.Lookup, w.Message)
	}
	return nil
}

func visibilityCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "visibility",
		Short: "Show the derived and persisted visibility of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				listing, err := a.Engine.Listing(ctx, taskID)
				if err != nil {
					return err
				}
				txs, err := a.Engine.Transactions(ctx, commerce.TransactionFilter{TaskID: taskID})
				if err != nil {
					return err
				}
				assigned := ""
				if listing.AssignedSpecialistID != nil {
					assigned = *listing.AssignedSpecialistID
				}
				return printJSONOrTable(map[string]any{
					"task_id":                taskID,
					"derived":                projector.DeriveStatus(txs),
					"persisted":              listing.VisibilityStatus,
					"searchable":             listing.Searchable,
					"assigned_specialist_id": assigned,
				})
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var taskID string
	var follow bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair listing visibility from transaction state",
		Long:  "With --task, reconcile one task. Otherwise process the engine event feed once, or keep following it with --follow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if taskID != "" {
					status, err := a.Projector.Reconcile(ctx, taskID)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"task_id": taskID, "status": status})
				}
				r := a.Reconciler(every)
				if follow {
					err := r.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				n, err := r.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"reconciled": n, "cursor": r.Cursor()})
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep following the event feed")
	cmd.Flags().DurationVar(&every, "every", 2*time.Second, "poll interval with --follow")
	return cmd
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Drive transactions through the gateway"}
	tx.AddCommand(txInquireCmd())
	tx.AddCommand(txPrivilegedCmd("accept", "Accept an offer (poster)", process.TransitionAcceptOffer))
	tx.AddCommand(txPrivilegedCmd("decline", "Decline an offer (poster)", process.TransitionDeclineOffer))
	tx.AddCommand(txCompleteCmd())
	tx.AddCommand(txReviewCmd())
	tx.AddCommand(txExpireCmd())
	tx.AddCommand(txShowCmd())
	return tx
}

// caller resolves the acting end user from --session or a dev session
// minted for --as.
func caller(a *app.App) (gateway.Caller, error) {
	token := strings.TrimSpace(viper.GetString("session"))
	if token == "" {
		subject := strings.TrimSpace(viper.GetString("as"))
		if subject == "" {
			return gateway.Caller{}, fmt.Errorf("--session or --as required")
		}
		minted, err := credentials.MintSession(a.Config.Credentials.SessionSecret, a.Config.Credentials.Issuer, subject, time.Hour, a.Now())
		if err != nil {
			return gateway.Caller{}, err
		}
		token = minted
	}
	s, err := a.VerifySession(token)
	if err != nil {
		return gateway.Caller{}, fmt.Errorf("session: %w", err)
	}
	return gateway.Caller{ID: s.Subject, Session: token}, nil
}

func txInquireCmd() *cobra.Command {
	var taskID, price, currency, comment string
	cmd := &cobra.Command{
		Use:   "inquire",
		Short: "Make an offer on a task (specialist)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := caller(a)
				if err != nil {
					return err
				}
				money, err := domain.NewMoney(price, currency)
				if err != nil {
					return err
				}
				out, err := a.Gateway.ExecuteTransition(ctx, gateway.Request{
					Transition: process.TransitionInquire,
					TaskID:     taskID,
					Offer:      &gateway.OfferParams{Price: money, Comment: comment},
					Caller:     who,
				})
				return printTransition(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&price, "price", "", "offered price, e.g. 80.00")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "ISO 4217 currency")
	cmd.Flags().StringVar(&comment, "comment", "", "note to the poster")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func txPrivilegedCmd(use, short string, t process.Transition) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := caller(a)
				if err != nil {
					return err
				}
				out, err := a.Gateway.ExecuteTransition(ctx, gateway.Request{Transition: t, TransactionID: id, Caller: who})
				return printTransition(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "transaction id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func txCompleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark the work as done",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := caller(a)
				if err != nil {
					return err
				}
				out, err := a.Gateway.UserTransition(ctx, gateway.UserRequest{Transition: process.TransitionComplete, TransactionID: id, Caller: who})
				return printTransition(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "transaction id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func txReviewCmd() *cobra.Command {
	var id, content string
	var rating int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review the other party of a completed transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := caller(a)
				if err != nil {
					return err
				}
				current, err := a.Engine.Transaction(ctx, id)
				if err != nil {
					return err
				}
				role, ok := process.ResolveRole(current.OwnerID, current.InitiatorID, who.ID)
				if !ok {
					return fmt.Errorf("%s is not a party to transaction %s", who.ID, id)
				}
				t, ok := process.Default().ReviewTransition(current.State, role)
				if !ok {
					return fmt.Errorf("no review open for %s in state %s", role, current.State)
				}
				out, err := a.Gateway.UserTransition(ctx, gateway.UserRequest{
					Transition:    t,
					TransactionID: id,
					Review:        &commerce.ReviewParams{Rating: rating, Content: content},
					Caller:        who,
				})
				return printTransition(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "transaction id")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&content, "content", "", "review text")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func txExpireCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Close the open review period as the system actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Gateway.ExpireReviewPeriod(ctx, id)
				return printTransition(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "transaction id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func txShowCmd() *cobra.Command {
	var id, taskID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one transaction or every transaction of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if id != "" {
					t, err := a.Engine.Transaction(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(t)
				}
				if taskID == "" {
					return fmt.Errorf("--id or --task required")
				}
				items, err := a.Engine.Transactions(ctx, commerce.TransactionFilter{TaskID: taskID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Specialist", "State", "Last transition", "At"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.InitiatorID, t.State, t.LastTransition, t.LastTransitionedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "transaction id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	return cmd
}

// printTransition prints the transaction even when the transition landed
// with a follow-up failure, then reports the failure.
func printTransition(out domain.Transaction, err error) error {
	if out.ID != "" {
		if perr := printJSON(out); perr != nil {
			return perr
		}
	}
	return err
}

func processCmd() *cobra.Command {
	prc := &cobra.Command{Use: "process", Short: "Inspect the transaction process"}
	var mermaid bool
	graph := &cobra.Command{
		Use:   "graph",
		Short: "Print the process graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := process.Default()
			if mermaid {
				fmt.Print(g.Mermaid())
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(g.Edges())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"From", "Transition", "To", "Roles", "Privileged"})
			for _, e := range g.Edges() {
				roles := make([]string, len(e.Roles))
				for i, r := range e.Roles {
					roles[i] = string(r)
				}
				tw.AppendRow(table.Row{e.From, e.Transition, e.To, strings.Join(roles, ","), e.Privileged})
			}
			tw.Render()
			return nil
		},
	}
	graph.Flags().BoolVar(&mermaid, "mermaid", false, "render as a mermaid state diagram")
	prc.AddCommand(graph)
	return prc
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Development tokens"}
	var subject string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an end-user session token (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := credentials.MintSession(cfg.Credentials.SessionSecret, cfg.Credentials.Issuer, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&subject, "subject", "", "user id")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = mint.MarkFlagRequired("subject")
	tok.AddCommand(mint)
	return tok
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage taskmarket.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskmarket.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := ranking.Policies(cfg); err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"valid": true, "engine": cfg.Engine.Mode})
		},
	}
	cfgCmd.AddCommand(initCmd, validate)
	return cfgCmd
}

// --- helpers ---

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
