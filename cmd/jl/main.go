package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobledger/internal/app"
	"jobledger/internal/config"
	"jobledger/internal/db"
	"jobledger/internal/domain"
	"jobledger/internal/engine"
	"jobledger/internal/engine/auth"
	"jobledger/internal/logging"
	"jobledger/internal/migrate"
	"jobledger/internal/repo"
	"jobledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobledger CLI",
	Long: `Jobledger is an escrow ledger for a freelance job marketplace.
- Profiles: identities register once with a name and skills before they can post or apply.
- Jobs: an employer posts a job with a budget; jobs move open -> in_progress -> completed (cancelled is an exit).
- Applications: registered freelancers apply to open jobs; the employer selects one applicant.
- Escrow: completing a job pays the budget out, minus the platform fee, to the selected freelancer.
- Payouts: each completion reserves a payout that is settled to the configured destination.
- Admin: the marketplace owner sets the platform fee and can pause all mutations.
- Event log: every change is recorded, view with 'jl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		envPath := filepath.Join(workspace, ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "caller identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var owner string
	var fee int
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create jobledger.yml and initialize the marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			if fee < 0 || fee > 100 {
				return fmt.Errorf("--fee must be between 0 and 100, got %d", fee)
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("Keeping existing %s (use --force to overwrite)\n", cfgPath)
			} else {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(owner, fee)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			envPath := filepath.Join(workspace, ".env")
			created, err := ensureEnvSecret(envPath, "JOBLEDGER_JWT_SECRET")
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Generated JOBLEDGER_JWT_SECRET in %s\n", envPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "marketplace owner identity (defaults to --actor-id)")
	cmd.Flags().IntVar(&fee, "fee", 2, "platform fee percent")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Manage profiles"}
	p.AddCommand(profileCreateCmd())
	p.AddCommand(profileShowCmd())
	return p
}

func profileCreateCmd() *cobra.Command {
	var name, skills string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProfile(ctx, engine.ProfileCreateOptions{
					Name:    name,
					Skills:  skills,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&skills, "skills", "", "skills description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [identity]",
		Short: "Show a profile (defaults to the caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := identityArg(args)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProfile(ctx, identity)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Manage jobs"}
	j.AddCommand(jobPostCmd())
	j.AddCommand(jobGetCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobCountCmd())
	j.AddCommand(jobApplyCmd())
	j.AddCommand(jobApplicationsCmd())
	j.AddCommand(jobSelectCmd())
	j.AddCommand(jobCompleteCmd())
	j.AddCommand(jobCancelCmd())
	j.AddCommand(jobRateCmd())
	return j
}

func jobPostCmd() *cobra.Command {
	var title, desc string
	var budget int64
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.PostJob(ctx, engine.JobPostOptions{
					Title:       title,
					Description: desc,
					Budget:      budget,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&desc, "description", "", "job description")
	cmd.Flags().Int64Var(&budget, "budget", 0, "budget in smallest currency units")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				view := struct {
					domain.Job
					Payout *domain.Payout `json:"payout,omitempty"`
				}{Job: j}
				p, err := e.JobPayout(ctx, id)
				switch {
				case err == nil:
					view.Payout = &p
				case !errors.Is(err, repo.ErrNotFound):
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var status, employer, active string
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.JobFilters{Employer: employer, Limit: limit}
			if status != "" {
				s, err := domain.ParseJobStatus(status)
				if err != nil {
					return err
				}
				f.Status = &s
			}
			if active != "" {
				v, err := strconv.ParseBool(active)
				if err != nil {
					return fmt.Errorf("--active: %w", err)
				}
				f.Active = &v
			}
			if cmd.Flags().Changed("after") {
				f.AfterID = &after
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Employer", "Budget", "Freelancer"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Title, j.Status.String(), j.Employer, j.Budget, derefString(j.SelectedFreelancer)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, in_progress, completed, cancelled)")
	cmd.Flags().StringVar(&employer, "employer", "", "employer filter")
	cmd.Flags().StringVar(&active, "active", "", "active filter (true/false)")
	cmd.Flags().Int64Var(&after, "after", 0, "only jobs with a greater id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs")
	return cmd
}

func jobCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show the number of jobs ever posted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.JobCounter(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"count": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func jobApplyCmd() *cobra.Command {
	var proposal string
	var price int64
	cmd := &cobra.Command{
		Use:   "apply <job-id>",
		Short: "Apply for an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ApplyForJob(ctx, engine.ApplyOptions{
					JobID:         id,
					Proposal:      proposal,
					ProposedPrice: price,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&proposal, "proposal", "", "proposal text")
	cmd.Flags().Int64Var(&price, "price", 0, "proposed price")
	return cmd
}

func jobApplicationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "applications <job-id>",
		Short: "List applications in submission order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				apps, err := e.GetJobApplications(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Freelancer", "Price", "Accepted", "Proposal"})
				for _, a := range apps {
					tw.AppendRow(table.Row{a.Seq, a.Freelancer, a.ProposedPrice, a.IsAccepted, a.Proposal})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <job-id> <applicant>",
		Short: "Select an applicant for an open job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SelectFreelancer(ctx, id, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	var amount int64
	var settle bool
	cmd := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Complete a job and release the escrowed budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CompleteJob(ctx, id, amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if settle {
					p, err := e.SettlePayout(ctx, c.Payout.ID)
					if err != nil {
						// The completion is committed; the payout stays pending for the worker.
						fmt.Fprintf(os.Stderr, "warning: payout %s not settled: %v\n", c.Payout.ID, err)
					} else {
						c.Payout = p
					}
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "payment amount; must equal the job budget")
	cmd.Flags().BoolVar(&settle, "settle", true, "settle the payout immediately")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CancelJob(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobRateCmd() *cobra.Command {
	var score int
	cmd := &cobra.Command{
		Use:   "rate <job-id>",
		Short: "Rate the freelancer of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.RateFreelancer(ctx, id, score, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().IntVar(&score, "score", 0, "score from 1 to 5")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func adminCmd() *cobra.Command {
	a := &cobra.Command{Use: "admin", Short: "Owner operations"}
	a.AddCommand(adminShowCmd())
	a.AddCommand(adminFeeCmd())
	a.AddCommand(adminPauseCmd(true))
	a.AddCommand(adminPauseCmd(false))
	return a
}

func adminShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show marketplace settings and platform balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				bal, err := e.PlatformBalance(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.PlatformResponse{Settings: s, Balance: bal})
			})
		},
	}
}

func adminFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee <percent>",
		Short: "Set the platform fee percent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fee, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid fee %q: %w", args[0], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdatePlatformFee(ctx, fee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func adminPauseCmd(paused bool) *cobra.Command {
	use, short := "unpause", "Resume mutating operations"
	if paused {
		use, short = "pause", "Block all mutating operations"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				op := e.Unpause
				if paused {
					op = e.Pause
				}
				s, err := op(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [identity]",
		Short: "Show escrow payments credited to an identity (defaults to the caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := identityArg(args)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.BalanceOf(ctx, identity)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func payoutCmd() *cobra.Command {
	p := &cobra.Command{Use: "payout", Short: "Inspect and settle payouts (owner only)"}
	p.AddCommand(payoutListCmd())
	p.AddCommand(payoutSettleCmd())
	return p
}

func payoutListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOwner(ctx, e, "list payouts"); err != nil {
					return err
				}
				items, err := e.ListPayouts(ctx, domain.PayoutStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "Freelancer", "Amount", "Fee", "Status", "Attempts", "Last error"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.JobID, p.Freelancer, p.Amount, p.Fee, p.Status, p.Attempts, p.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, settled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max payouts")
	return cmd
}

func payoutSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <payout-id>",
		Short: "Disburse a pending payout now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOwner(ctx, e, "settle payout"); err != nil {
					return err
				}
				p, err := e.SettlePayout(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the caller identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := randomHex(24)
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: viper.GetString("actor-id"),
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := struct {
					ID      string `json:"id"`
					ActorID string `json:"actor_id"`
					Name    string `json:"name,omitempty"`
					Key     string `json:"key"`
				}{key.ID, key.ActorID, key.Name, secret}
				if !viper.GetBool("json") {
					fmt.Fprintln(os.Stderr, "Store this key now; it is not shown again.")
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the caller identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if all {
				actorID = ""
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
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
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every identity")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted API key %s\n", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change: profiles, jobs, applications, completions, payouts and admin actions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin, noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx, true)
			if err != nil {
				return err
			}
			defer ws.conn.Close()
			e, err := ws.engine(ctx)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              ws.env.JWTSecret,
				JWTIssuer:              ws.env.JWTIssuer,
				JWTAudience:            ws.env.JWTAudience,
				AllowLegacyActorHeader: allowActorHeader,
				EnableDevLogin:         devLogin,
				Logger:                 ws.log,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("JOBLEDGER_JWT_SECRET is required for bearer auth (run jl init or set it in .env)")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs JOBLEDGER_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: ws.log})
			if err != nil {
				return err
			}

			server.StartWebhookDispatcher(ctx, e, ws.cfg.Webhooks, ws.log)
			if !noWorker {
				worker := app.NewPayoutWorker(e, ws.cfg.Payouts, ws.log)
				go worker.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			ws.log.Info("serving jobledger API", "addr", addr, "base_path", basePath, "payout_mode", ws.cfg.Payouts.Mode)
			fmt.Printf("Serving Jobledger API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust the unauthenticated X-Actor-Id header (local testing only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&noWorker, "no-payout-worker", false, "do not settle pending payouts in the background")
	return cmd
}

// --- helpers ---

type workspaceRuntime struct {
	conn *sql.DB
	cfg  *config.Config
	env  config.ServeEnv
	log  *slog.Logger
}

// openWorkspace loads config and opens the migrated database. One-shot
// commands log at warn unless JOBLEDGER_LOG_LEVEL says otherwise; serve uses
// the configured level.
func openWorkspace(ctx context.Context, serving bool) (workspaceRuntime, error) {
	dir := viper.GetString("workspace")
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return workspaceRuntime{}, err
	}
	env, err := config.ParseServeEnv()
	if err != nil {
		return workspaceRuntime{}, err
	}
	env.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return workspaceRuntime{}, err
	}
	level := cfg.Logging.Level
	if !serving && env.LogLevel == "" {
		level = "warn"
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return workspaceRuntime{}, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return workspaceRuntime{}, err
	}
	return workspaceRuntime{
		conn: conn,
		cfg:  cfg,
		env:  env,
		log:  logging.New(os.Stderr, level, cfg.Logging.Format),
	}, nil
}

func (w workspaceRuntime) engine(ctx context.Context) (engine.Engine, error) {
	e := engine.New(w.conn)
	e.Logger = w.log
	e.Disburser = app.NewDisburser(w.cfg.Payouts)
	if _, err := app.EnsureMarketplace(ctx, e, w.cfg, "", w.log); err != nil {
		return engine.Engine{}, err
	}
	return e, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx, false)
	if err != nil {
		return err
	}
	defer ws.conn.Close()
	e, err := ws.engine(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func requireOwner(ctx context.Context, e engine.Engine, action string) error {
	actorID := viper.GetString("actor-id")
	ok, err := e.IsOwner(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Action: action, ActorID: actorID, Role: "owner"}
	}
	return nil
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

func parseJobID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid job id %q", v)
	}
	return id, nil
}

func identityArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("actor-id")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ensureEnvSecret writes a random value for key into the .env file at path
// unless the file already defines it. Reports whether a value was written.
func ensureEnvSecret(path, key string) (bool, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		values = map[string]string{}
	}
	if values[key] != "" {
		return false, nil
	}
	secret, err := randomHex(32)
	if err != nil {
		return false, err
	}
	values[key] = secret
	if err := godotenv.Write(values, path); err != nil {
		return false, err
	}
	// The current process reads the secret from the environment.
	return true, os.Setenv(key, secret)
}
