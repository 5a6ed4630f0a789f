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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missiongate/internal/app"
	"missiongate/internal/config"
	"missiongate/internal/db"
	"missiongate/internal/domain"
	"missiongate/internal/engine"
	"missiongate/internal/migrate"
	"missiongate/internal/repo"
	"missiongate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mg",
	Short: "Missiongate CLI",
	Long: `Missiongate governs a risk-tiered mission marketplace.
Core concepts:
- Missions: units of work that move DRAFT -> SUBMITTED -> ASSIGNED -> IN_REVIEW -> REVIEW_COMPLETE -> (HUMAN_GATE_PENDING ->) APPROVED/REJECTED; CANCELLED exits early.
- Risk tiers: R0-R3 decide how many reviewers, how much diversity and whether a human must sign off; R3 defers to constitutional governance.
- Reviewers: a panel diverse in region, organization, model family and review method; a worker can never review their own mission.
- Evidence: sha256 artifact hashes plus ed25519 signatures; a mission cannot pass review without at least one well-formed record.
- Event log: diary of changes, view with 'mg log tail'.`,
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
	viper.SetEnvPrefix("MISSIONGATE")
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
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionTransitionCmd("submit", "Submit a draft mission", domain.StateSubmitted))
	m.AddCommand(missionAssignCmd())
	m.AddCommand(missionTransitionCmd("start-review", "Move an assigned mission into review", domain.StateInReview))
	m.AddCommand(missionDecideCmd())
	m.AddCommand(missionEvidenceCmd())
	m.AddCommand(missionTransitionCmd("complete-review", "Complete review if quorum, evidence and diversity hold", domain.StateReviewComplete))
	m.AddCommand(missionTransitionCmd("request-gate", "Park a reviewed mission at the human gate", domain.StateHumanGatePending))
	m.AddCommand(missionGateCmd())
	m.AddCommand(missionTransitionCmd("approve", "Approve a mission", domain.StateApproved))
	m.AddCommand(missionTransitionCmd("reject", "Reject a mission", domain.StateRejected))
	m.AddCommand(missionTransitionCmd("cancel", "Cancel a mission", domain.StateCancelled))
	m.AddCommand(missionEscalationCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var id, title, class, tier, domainType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission in DRAFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, engine.CreateMissionOptions{
					ID:           id,
					Title:        title,
					MissionClass: class,
					RiskTier:     tier,
					DomainType:   domainType,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&class, "class", "", "mission class (content, engineering, finance, governance)")
	cmd.Flags().StringVar(&tier, "tier", "", "risk tier override (R0-R3)")
	cmd.Flags().StringVar(&domainType, "domain-type", "", "OBJECTIVE, NORMATIVE or MIXED")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx, domain.MissionState(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Tier", "State", "Worker"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.RiskTier, m.State, m.WorkerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with panel, decisions and evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionTransitionCmd(use, short string, target domain.MissionState) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Transition(ctx, args[0], target, viper.GetString("actor-id"))
				if err != nil {
					return renderViolations(err)
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionAssignCmd() *cobra.Command {
	var worker, reviewersJSON string
	cmd := &cobra.Command{
		Use:   "assign <mission-id>",
		Short: "Assign a worker and reviewer panel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reviewers []domain.Reviewer
			if err := json.Unmarshal([]byte(reviewersJSON), &reviewers); err != nil {
				return fmt.Errorf("--reviewers-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AssignMission(ctx, args[0], worker, reviewers, viper.GetString("actor-id"))
				if err != nil {
					return renderViolations(err)
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id")
	cmd.Flags().StringVar(&reviewersJSON, "reviewers-json", "[]", "JSON array of reviewer snapshots")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func missionDecideCmd() *cobra.Command {
	var reviewer, decision string
	cmd := &cobra.Command{
		Use:   "decide <mission-id>",
		Short: "Record a review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecordDecision(ctx, args[0], domain.ReviewDecision{
					ReviewerID: reviewer,
					Decision:   domain.Decision(decision),
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id")
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func missionEvidenceCmd() *cobra.Command {
	var hash, signature string
	cmd := &cobra.Command{
		Use:   "evidence <mission-id>",
		Short: "Attach an evidence record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddEvidence(ctx, args[0], domain.EvidenceRecord{
					ArtifactHash: hash,
					Signature:    signature,
				}, viper.GetString("actor-id"))
				if err != nil {
					return renderViolations(err)
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "sha256:<64 hex> artifact hash")
	cmd.Flags().StringVar(&signature, "signature", "", "ed25519:<64-128 hex> signature")
	_ = cmd.MarkFlagRequired("hash")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func missionGateCmd() *cobra.Command {
	var approved bool
	cmd := &cobra.Command{
		Use:   "gate <mission-id>",
		Short: "Record human final approval (requires mission.gate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GrantHumanApproval(ctx, args[0], viper.GetString("actor-id"), approved)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&approved, "approved", true, "approve (true) or withdraw (false)")
	return cmd
}

func missionEscalationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation <mission-id>",
		Short: "Check whether reviewer disagreement needs human adjudication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				escalate, ratio, err := e.NeedsEscalation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"mission_id":      args[0],
					"escalate":        escalate,
					"agreement_ratio": ratio,
				})
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Inspect tier policy"}
	p.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the tier policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Review)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Tier", "Reviewers", "Approvals", "Regions", "Orgs", "Families", "Methods", "Human gate", "Constitutional"})
			for _, tier := range domain.Tiers() {
				tp := cfg.Review.Tiers[string(tier)]
				tw.AppendRow(table.Row{
					tier, tp.ReviewersRequired, tp.ApprovalsRequired,
					tp.MinRegions, tp.MinOrganizations, tp.MinModelFamilies, tp.MinMethodTypes,
					tp.HumanFinalGate, tp.ConstitutionalFlow,
				})
			}
			tw.Render()
			return nil
		},
	})
	return p
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default missiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault("missiongate")), 0o644)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), "")
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return c
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var missionID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, missionID, 0, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	l.AddCommand(tail)
	return l
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	var target, role string
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed config roles and grant owner (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SeedRoles(ctx, viper.GetString("actor-id"))
			})
		},
	}
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	grant.Flags().StringVar(&target, "actor", "", "actor id")
	grant.Flags().StringVar(&role, "role", "", "role id")
	r.AddCommand(bootstrap)
	r.AddCommand(grant)
	return r
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print the secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "secret": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "key name")
	k.AddCommand(create)
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := app.ResolveConfig(workspace, "")
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := app.Bootstrap(cmd.Context(), e, viper.GetString("actor-id")); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MISSIONGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIONGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Missiongate API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
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
	cfg, err := app.ResolveConfig(workspace, "")
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

// renderViolations expands a ViolationError into one line per failed check
// so the caller can fix everything in a single round-trip.
func renderViolations(err error) error {
	var ve *engine.ViolationError
	if errors.As(err, &ve) {
		fmt.Fprintf(os.Stderr, "mission %s blocked:\n", ve.MissionID)
		for _, v := range ve.Violations {
			fmt.Fprintf(os.Stderr, "  - [%s] %s\n", v.Code, v.Message)
		}
		return errors.New("validation failed")
	}
	return err
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
