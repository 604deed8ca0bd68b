package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/audit"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves jobs through configurable pipeline stages based on
question responses.
- Workspace: your .stageline directory holding only the database; pipeline
  configs live in the DB and are imported explicitly.
- Tenant: an isolated customer account that owns stages, questions, jobs,
  tasks and members.
- Stages: the ordered steps of the pipeline, each with questions and task
  templates.
- Questions: prompts answered on a job; transition rules match the answer
  and move the job to the next stage.
- Jobs: the work items that progress through stages; every movement is
  written to the audit log with the time spent in the previous stage.
- Tasks: checklist items spawned from templates on stage entry, with SLA
  deadlines and optional required uploads.
- Audit log: diary of every stage movement, view with 'sl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		loadDotEnv(filepath.Join(workspace, ".env"))
		return nil
	},
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantOverride() string {
	if t := strings.TrimSpace(viper.GetString("tenant")); t != "" {
		return t
	}
	return strings.TrimSpace(viper.GetString("default-tenant"))
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantShowCmd())
	t.AddCommand(tenantUseCmd())
	t.AddCommand(tenantCopyTemplatesCmd())
	return t
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func tenantCreateCmd() *cobra.Command {
	var id, name, cfgFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant with its pipeline config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = id
			}
			cfg := config.Default(id)
			if cfgFile != "" {
				loaded, err := config.FromFile(cfgFile)
				if err != nil {
					return err
				}
				cfg = loaded
				cfg.Tenant.ID = id
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				e := engine.New(conn, cfg)
				tenant, err := e.InitTenant(ctx, domain.Tenant{ID: id, Name: name}, cfg)
				if err != nil {
					return err
				}
				actor := viper.GetString("actor-id")
				if actor != "" {
					if err := e.Repo.UpsertMember(ctx, domain.Member{TenantID: id, ActorID: actor, Role: "admin"}); err != nil {
						return err
					}
				}
				return printJSONOrTable(tenant)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&cfgFile, "config", "", "pipeline config YAML (defaults to the built-in pipeline)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTenant(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tenantUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current tenant for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGELINE_DEFAULT_TENANT", tenantID); err != nil {
				return err
			}
			fmt.Printf("Set STAGELINE_DEFAULT_TENANT=%s in %s/.env\n", tenantID, workspace)
			return nil
		},
	}
}

func tenantCopyTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-templates",
		Short: "Clone the global template stages into the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CopyTemplates(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"stages_copied": n})
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect and import pipeline config",
		Long:  "The pipeline config (stored in DB) declares stages, questions, transition rules and task templates. Import from YAML with 'sl pipeline import'.",
	}
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineImportCmd())
	p.AddCommand(pipelineValidateCmd())
	return p
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the tenant's stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func pipelineImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pipeline config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID := cfg.Tenant.ID
				if tenantID == "" {
					tenantID = e.Config.Tenant.ID
				}
				if err := e.ImportPipeline(ctx, tenantID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pipelineValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
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
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Inspect pipeline stages"}
	s.AddCommand(stageListCmd())
	s.AddCommand(stageReorderCmd())
	return s
}

func stageListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.ListStages(ctx, e.Config.Tenant.ID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "ID", "Name", "Type", "Bucket", "Active"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.SequenceOrder, s.ID, s.Name, s.StageType, s.StatusBucket, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled stages")
	return cmd
}

func stageReorderCmd() *cobra.Command {
	var sets []string
	var nonAtomic bool
	cmd := &cobra.Command{
		Use:   "reorder",
		Short: "Reassign stage sequence orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseReorderItems(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReorderStages(ctx, e.Config.Tenant.ID, items, !nonAtomic)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", []string{}, "stage assignment id=order (repeatable)")
	cmd.Flags().BoolVar(&nonAtomic, "non-atomic", false, "apply row by row, reporting per-row failures")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func questionCmd() *cobra.Command {
	q := &cobra.Command{Use: "question", Short: "Inspect stage questions"}
	q.AddCommand(questionListCmd())
	q.AddCommand(questionReorderCmd())
	return q
}

func questionListCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questions of a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListQuestions(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func questionReorderCmd() *cobra.Command {
	var stageID string
	var sets []string
	var nonAtomic bool
	cmd := &cobra.Command{
		Use:   "reorder",
		Short: "Reassign question sequence orders within a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseReorderItems(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReorderQuestions(ctx, stageID, items, !nonAtomic)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringArrayVar(&sets, "set", []string{}, "question assignment id=order (repeatable)")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func transitionCmd() *cobra.Command {
	t := &cobra.Command{Use: "transition", Short: "Inspect transition rules"}
	var stageID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List transitions leaving a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&stageID, "stage", "", "from stage id")
	_ = list.MarkFlagRequired("stage")
	t.AddCommand(list)
	return t
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Inspect task templates"}
	var stageID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List task templates of a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTaskTemplates(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = list.MarkFlagRequired("stage")
	tpl.AddCommand(list)
	return tpl
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs enter the first active stage on creation and move when a question response matches a transition rule. Every movement lands in the audit log.",
	}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobGetCmd())
	j.AddCommand(jobRespondCmd())
	j.AddCommand(jobOverrideCmd())
	j.AddCommand(jobTasksCmd())
	j.AddCommand(jobAuditCmd())
	j.AddCommand(jobPerformanceCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var opts engine.JobCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job and enter the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.TenantID == "" {
					opts.TenantID = e.Config.Tenant.ID
				}
				res, err := e.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "job id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant-id", "", "tenant id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "job name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func jobListCmd() *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, e.Config.Tenant.ID, bucket)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Bucket", "Stage", "Entered"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Name, j.StatusBucket, deref(j.CurrentStageID), deref(j.StageEnteredAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "status bucket filter (open, active, closed)")
	return cmd
}

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobRespondCmd() *cobra.Command {
	var opts engine.ResponseOptions
	var metadata string
	cmd := &cobra.Command{
		Use:   "respond <job-id>",
		Short: "Record a question response and apply transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.JobID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Source = "internal"
			if metadata != "" {
				opts.MetadataJSON = &metadata
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessResponse(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.QuestionID, "question", "", "question id")
	cmd.Flags().StringVar(&opts.Value, "value", "", "response value")
	cmd.Flags().StringVar(&metadata, "metadata-json", "", "metadata JSON")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func jobOverrideCmd() *cobra.Command {
	var opts engine.OverrideOptions
	cmd := &cobra.Command{
		Use:   "override <job-id>",
		Short: "Force a job onto a target stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.JobID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.OverrideTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TargetStageID, "to-stage", "", "target stage id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "override reason (audited)")
	_ = cmd.MarkFlagRequired("to-stage")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func jobTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <job-id>",
		Short: "List the job's tasks with SLA status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.JobTasks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "SLA", "Assignee", "Due"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Name, v.Status, v.SLAStatus, deref(v.AssigneeID), deref(v.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <job-id>",
		Short: "Show the job's stage movement history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListAuditHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
}

func jobPerformanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "performance <job-id>",
		Short: "Show time spent per stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.JobPerformance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage spawned job tasks"}
	t.AddCommand(taskUpdateCmd())
	return t
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var subtaskSets []string
	var assign string
	var clearAssign bool
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a job task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			updates, err := parseSubtaskUpdates(subtaskSets)
			if err != nil {
				return err
			}
			opts.Subtasks = updates
			if clearAssign {
				empty := ""
				opts.Assignee = &empty
			} else if cmd.Flags().Changed("assign") {
				opts.Assignee = &assign
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.UpdateJobTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status (in_progress, completed, cancelled, pending)")
	cmd.Flags().StringArrayVar(&subtaskSets, "subtask", []string{}, "subtask toggle index=true|false (repeatable)")
	cmd.Flags().StringVar(&opts.AddUploadURL, "add-upload-url", "", "attach an uploaded file URL")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id")
	cmd.Flags().BoolVar(&clearAssign, "clear-assignee", false, "clear assignee")
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage tenant members"}
	m.AddCommand(memberListCmd())
	m.AddCommand(memberUpsertCmd())
	m.AddCommand(memberRemoveCmd())
	return m
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func memberUpsertCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Add or update a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := domain.Member{TenantID: e.Config.Tenant.ID, ActorID: actor, Role: role}
				if err := e.Repo.UpsertMember(ctx, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "agent", "role (admin, manager, agent)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteMember(ctx, e.Config.Tenant.ID, actor)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, err := server.NewAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:       uuid.NewString(),
					TenantID: e.Config.Tenant.ID,
					ActorID:  actor,
					Role:     role,
					Name:     name,
					KeyHash:  repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": actor, "role": role, "secret": secret}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&role, "role", "agent", "role (admin, manager, agent)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, e.Config.Tenant.ID, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := audit.LatestEntries(ctx, e.DB, n, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "From", "To", "Source", "By", "At"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.ID, en.JobID, deref(en.FromStageID), en.ToStageID, en.TriggerSource, deref(en.TriggeredBy), en.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("STAGELINE_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyActor,
				}
				if authCfg.JWTSecret == "" && !allowLegacyActor {
					return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(e)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "trust the X-Actor-Id header (local development only)")
	return cmd
}

// --- helpers ---

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

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
	boot := engine.New(conn, nil)
	_, cfg, err := app.ResolveTenantAndConfig(ctx, tenantOverride(), viper.GetString("actor-id"), boot)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

func parseReorderItems(sets []string) ([]engine.ReorderItem, error) {
	items := make([]engine.ReorderItem, 0, len(sets))
	for _, s := range sets {
		id, orderStr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, expected id=order", s)
		}
		order, err := strconv.Atoi(strings.TrimSpace(orderStr))
		if err != nil {
			return nil, fmt.Errorf("invalid order in --set %q: %w", s, err)
		}
		items = append(items, engine.ReorderItem{ID: strings.TrimSpace(id), SequenceOrder: order})
	}
	return items, nil
}

func parseSubtaskUpdates(sets []string) ([]engine.SubtaskUpdate, error) {
	updates := make([]engine.SubtaskUpdate, 0, len(sets))
	for _, s := range sets {
		idxStr, boolStr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --subtask %q, expected index=true|false", s)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
		if err != nil {
			return nil, fmt.Errorf("invalid index in --subtask %q: %w", s, err)
		}
		done, err := strconv.ParseBool(strings.TrimSpace(boolStr))
		if err != nil {
			return nil, fmt.Errorf("invalid value in --subtask %q: %w", s, err)
		}
		updates = append(updates, engine.SubtaskUpdate{Index: idx, Completed: done})
	}
	return updates, nil
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
