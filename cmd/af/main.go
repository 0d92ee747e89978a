package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentforge/internal/capability"
	"agentforge/internal/config"
	"agentforge/internal/db"
	"agentforge/internal/dispatch"
	"agentforge/internal/domain"
	"agentforge/internal/fulfill"
	"agentforge/internal/migrate"
	"agentforge/internal/server"
	"agentforge/internal/sim"
	"agentforge/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "AgentForge CLI",
	Long: `AgentForge builds, tests and deploys workflow agents.
- Workspace: your .agentforge directory with the database; agentforge.yml holds settings.
- Agents: named workflow graphs (nodes and edges) plus model config, per-node code, and integration bindings.
- Simulations: dry runs that produce a timed log and terminal metrics; one active run per agent.
- Dispatch: free text classified to a capability (inventory, order, customer) and answered by it.
- Fulfillment: the fixed order pipeline (fetch, stock fan-out, status update, decrements).
- Event log: diary of changes, view with 'af log tail'.`,
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
	viper.SetEnvPrefix("AGENTFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(edgeCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(codeCmd())
	rootCmd.AddCommand(integrationCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(fulfillCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				fmt.Println("initialized workspace at", workspace)
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentUpdateCmd())
	agent.AddCommand(agentDeleteCmd())
	agent.AddCommand(agentDeployCmd())
	agent.AddCommand(agentRunsCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var name, desc string
	var public bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.CreateAgent(ctx, domain.AgentDefinition{
					Name:        name,
					Description: desc,
					Public:      public,
					OwnerID:     actorID(),
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().BoolVar(&public, "public", false, "publicly visible")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				agents := s.ListAgents(ctx)
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Nodes", "Edges", "Updated"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, len(a.Nodes), len(a.Edges), a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, desc string
	var public bool
	cmd := &cobra.Command{
		Use:   "update <agent-id>",
		Short: "Update agent metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				opts := store.UpdateOptions{}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("public") {
					opts.Public = &public
				}
				def, err := s.UpdateAgent(ctx, args[0], opts, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().BoolVar(&public, "public", false, "publicly visible")
	return cmd
}

func agentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				deleted, err := s.DeleteAgent(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Println("nothing to delete")
					return nil
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func agentDeployCmd() *cobra.Command {
	var environment, region string
	cmd := &cobra.Command{
		Use:   "deploy <agent-id>",
		Short: "Deploy an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				receipt, err := s.Deploy(ctx, args[0], domain.DeploymentConfig{
					Environment: environment,
					Region:      region,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(receipt)
			})
		},
	}
	cmd.Flags().StringVar(&environment, "env", "", "target environment")
	cmd.Flags().StringVar(&region, "region", "", "target region")
	return cmd
}

func agentRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <agent-id>",
		Short: "List persisted runs for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				runs, err := s.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Started", "Logs"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.StartTime.Format(time.RFC3339), len(r.Logs)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func nodeCmd() *cobra.Command {
	node := &cobra.Command{Use: "node", Short: "Edit workflow nodes"}

	var nodeType string
	var x, y float64
	add := &cobra.Command{
		Use:   "add <agent-id> <node-id>",
		Short: "Add a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.AddNode(ctx, args[0], domain.Node{
					ID:       args[1],
					Type:     domain.NodeType(nodeType),
					Position: domain.Position{X: x, Y: y},
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	add.Flags().StringVar(&nodeType, "type", "action", "node type (trigger, action, condition, model, data, output)")
	add.Flags().Float64Var(&x, "x", 0, "canvas x")
	add.Flags().Float64Var(&y, "y", 0, "canvas y")

	remove := &cobra.Command{
		Use:   "remove <agent-id> <node-id>",
		Short: "Remove a node and its edges",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.RemoveNode(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}

	var mx, my float64
	move := &cobra.Command{
		Use:   "move <agent-id> <node-id>",
		Short: "Move a node on the canvas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.MoveNode(ctx, args[0], args[1], domain.Position{X: mx, Y: my}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	move.Flags().Float64Var(&mx, "x", 0, "canvas x")
	move.Flags().Float64Var(&my, "y", 0, "canvas y")

	node.AddCommand(add, remove, move)
	return node
}

func edgeCmd() *cobra.Command {
	edge := &cobra.Command{Use: "edge", Short: "Edit workflow edges"}

	var label string
	add := &cobra.Command{
		Use:   "add <agent-id> <source> <target>",
		Short: "Connect two nodes",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.AddEdge(ctx, args[0], domain.Edge{
					ID:     args[1] + "-" + args[2],
					Source: args[1],
					Target: args[2],
					Label:  label,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "edge label")
	edge.AddCommand(add)
	return edge
}

func modelCmd() *cobra.Command {
	var provider, model string
	var temperature float64
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "model <agent-id>",
		Short: "Update model config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				patch := store.ModelPatch{}
				if cmd.Flags().Changed("provider") {
					patch.Provider = &provider
				}
				if cmd.Flags().Changed("model") {
					patch.Model = &model
				}
				if cmd.Flags().Changed("temperature") {
					patch.Temperature = &temperature
				}
				if cmd.Flags().Changed("max-tokens") {
					patch.MaxTokens = &maxTokens
				}
				def, err := s.UpdateModelConfig(ctx, args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def.Model)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "model provider")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max tokens")
	return cmd
}

func codeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "code <agent-id> <node-id>",
		Short: "Set node code from a file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source []byte
			var err error
			if file != "" {
				source, err = os.ReadFile(file)
			} else {
				source, err = os.ReadFile("/dev/stdin")
			}
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.SetCode(ctx, args[0], args[1], string(source), actorID())
				if err != nil {
					return err
				}
				fmt.Printf("code for node %s updated (%d bytes)\n", args[1], len(def.Code[args[1]]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "source file")
	return cmd
}

func integrationCmd() *cobra.Command {
	integ := &cobra.Command{Use: "integration", Short: "Manage integrations"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List available integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry := registryFromConfig(cfg)
			if viper.GetBool("json") {
				return printJSON(registry.IDs())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Tools"})
			for _, id := range registry.IDs() {
				integration, err := registry.New(id)
				if err != nil {
					return err
				}
				tw.AppendRow(table.Row{id, strings.Join(integration.Tools(), ", ")})
			}
			tw.Render()
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <agent-id> [integration-id...]",
		Short: "Bind integrations to an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				def, err := s.SetIntegrations(ctx, args[0], args[1:], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def.Integrations)
			})
		},
	}

	integ.AddCommand(list, set)
	return integ
}

func simulateCmd() *cobra.Command {
	var mockDataID string
	var wait bool
	cmd := &cobra.Command{
		Use:   "simulate <agent-id>",
		Short: "Run a simulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				simulator := sim.New(s, s)
				if cfg.Simulation.StepDelayMs > 0 {
					simulator.StepDelay = time.Duration(cfg.Simulation.StepDelayMs) * time.Millisecond
				}
				run, err := simulator.Run(ctx, args[0], mockDataID)
				if err != nil {
					return err
				}
				if _, err := s.SetStatus(ctx, args[0], domain.AgentTesting, actorID()); err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(run)
				}
				final, err := simulator.Wait(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(final)
				}
				for _, entry := range final.Logs {
					fmt.Printf("%s  %-7s  %s\n", entry.Timestamp.Format("15:04:05.000"), entry.Level, entry.Message)
				}
				fmt.Printf("run %s finished: %s in %dms\n", final.ID, final.Status, final.Metrics.ExecutionTimeMs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mockDataID, "mock-data", "", "mock data set id")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	return cmd
}

func routeCmd() *cobra.Command {
	var query, agent string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a free-text request to a capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				return fmt.Errorf("--query required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dispatcher, err := dispatcherFromConfig(cfg)
			if err != nil {
				return err
			}
			var pinned capability.Tag
			if agent != "" {
				tag, ok := capability.ParseTag(agent)
				if !ok {
					return fmt.Errorf("unknown agent tag %s", agent)
				}
				pinned = tag
			}
			res, err := dispatcher.Route(cmd.Context(), query, pinned)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "free-text request")
	cmd.Flags().StringVar(&agent, "agent", "", "pin a capability (INVENTORY, ORDER, CUSTOMER)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func fulfillCmd() *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "fulfill",
		Short: "Run order fulfillment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orderID == "" {
				return fmt.Errorf("--order required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pipeline, err := pipelineFromConfig(cfg)
			if err != nil {
				return err
			}
			report, err := pipeline.ProcessOrder(cmd.Context(), orderID)
			if err != nil {
				return err
			}
			return printJSONOrTable(report)
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				evts, err := s.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range evts {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += "/" + e.EntityID
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				if actor == "" {
					actor = actorID()
				}
				plaintext, key, err := s.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				fmt.Println("key id:", key.ID)
				fmt.Println("plaintext (shown once):", plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				keys, err := s.ListAPIKeys(ctx)
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

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				return s.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	apikey.AddCommand(create, list, revoke)
	return apikey
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(conn)
			if err != nil {
				return err
			}
			applyConfig(s, cfg)

			simulator := sim.New(s, s)
			if cfg.Simulation.StepDelayMs > 0 {
				simulator.StepDelay = time.Duration(cfg.Simulation.StepDelayMs) * time.Millisecond
			}
			dispatcher, err := dispatcherFromConfig(cfg)
			if err != nil {
				return err
			}
			pipeline, err := pipelineFromConfig(cfg)
			if err != nil {
				return err
			}

			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("AGENTFORGE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("server.jwt_secret or AGENTFORGE_JWT_SECRET is required for bearer auth")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			handler, err := server.New(server.Config{
				Store:      s,
				Simulator:  simulator,
				Dispatcher: dispatcher,
				Pipeline:   pipeline,
				Registry:   registryFromConfig(cfg),
				Webhooks:   cfg.Webhooks,
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: jwtSecret},
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
			fmt.Printf("Serving AgentForge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func applyConfig(s *store.Store, cfg *config.Config) {
	s.Defaults = domain.ModelConfig{
		Provider:    cfg.ModelDefaults.Provider,
		Model:       cfg.ModelDefaults.Model,
		Temperature: cfg.ModelDefaults.Temperature,
		MaxTokens:   cfg.ModelDefaults.MaxTokens,
	}
	s.Catalog = registryFromConfig(cfg)
}

func registryFromConfig(cfg *config.Config) *capability.Registry {
	return capability.BuiltinRegistry(
		cfg.Capabilities.InventoryURL,
		cfg.Capabilities.OrderURL,
		cfg.Capabilities.CustomerURL,
		nil,
	)
}

func dispatcherFromConfig(cfg *config.Config) (*dispatch.Dispatcher, error) {
	if cfg.Capabilities.ClassifierURL == "" {
		return nil, fmt.Errorf("capabilities.classifier_url is not configured")
	}
	inventory, orders, customers, err := handlersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	classifier := &dispatch.HTTPClassifier{URL: cfg.Capabilities.ClassifierURL}
	return dispatch.New(classifier, inventory, orders, customers), nil
}

func pipelineFromConfig(cfg *config.Config) (*fulfill.Pipeline, error) {
	inventory, orders, _, err := handlersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return fulfill.New(orders, inventory), nil
}

func handlersFromConfig(cfg *config.Config) (inventory, orders, customers capability.Handler, err error) {
	c := cfg.Capabilities
	if c.InventoryURL == "" || c.OrderURL == "" || c.CustomerURL == "" {
		return nil, nil, nil, fmt.Errorf("capabilities.inventory_url, .order_url and .customer_url must be configured")
	}
	return capability.NewInventory(c.InventoryURL, nil),
		capability.NewOrder(c.OrderURL, nil),
		capability.NewCustomer(c.CustomerURL, nil),
		nil
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	s, err := store.Open(conn)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyConfig(s, cfg)
	return fn(ctx, s)
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
