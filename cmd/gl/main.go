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
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"greenlight/internal/app"
	"greenlight/internal/config"
	"greenlight/internal/db"
	"greenlight/internal/directory"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/migrate"
	"greenlight/internal/notify"
	"greenlight/internal/repo"
	"greenlight/internal/scheduler"
	"greenlight/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Greenlight CLI",
	Long: `Greenlight runs configurable approval workflows for HR entities.
- Workspace: the .greenlight directory holding the database; greenlight.yml holds org defaults.
- Definitions: immutable approval templates per module type, with ordered levels and approver roles.
- Workflows: one live instance per entity; approvers approve, reject, delegate or skip steps.
- Delegations: time-boxed substitutions of one approver for another.
- Escalation: overdue steps are escalated once to the approver's manager.
- History: append-only audit trail, view with 'gl log tail'.`,
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
	viper.SetEnvPrefix("GREENLIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if orgID == "" {
				orgID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "org id to seed")
	return cmd
}

// definitionFile models a definition import document (YAML or JSON).
type definitionFile struct {
	ID           string `yaml:"id" json:"id"`
	OrgID        string `yaml:"org_id" json:"org_id"`
	ModuleType   string `yaml:"module_type" json:"module_type"`
	Name         string `yaml:"name" json:"name"`
	Sequential   bool   `yaml:"sequential" json:"sequential"`
	AutoComplete *bool  `yaml:"auto_complete" json:"auto_complete"`
	Escalation   struct {
		Enabled    bool `yaml:"enabled" json:"enabled"`
		SLAMinutes int  `yaml:"sla_minutes" json:"sla_minutes"`
	} `yaml:"escalation" json:"escalation"`
	Levels []struct {
		Level         int     `yaml:"level" json:"level"`
		ApproverKind  string  `yaml:"approver_kind" json:"approver_kind"`
		ApproverRef   *string `yaml:"approver_ref" json:"approver_ref"`
		ConditionJSON *string `yaml:"condition_json" json:"condition_json"`
		Mandatory     bool    `yaml:"mandatory" json:"mandatory"`
		Skippable     bool    `yaml:"skippable" json:"skippable"`
	} `yaml:"levels" json:"levels"`
}

func definitionCmd() *cobra.Command {
	def := &cobra.Command{Use: "definition", Short: "Manage workflow definitions"}
	def.AddCommand(definitionImportCmd())
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionDeactivateCmd())
	return def
}

func definitionImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow definition from YAML or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc definitionFile
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := domain.WorkflowDefinition{
					ID:           doc.ID,
					OrgID:        doc.OrgID,
					ModuleType:   doc.ModuleType,
					Name:         doc.Name,
					Sequential:   doc.Sequential,
					AutoComplete: true,
					Escalation: domain.EscalationRules{
						Enabled:    doc.Escalation.Enabled,
						SLAMinutes: doc.Escalation.SLAMinutes,
					},
					Active: true,
				}
				if doc.AutoComplete != nil {
					d.AutoComplete = *doc.AutoComplete
				}
				if d.OrgID == "" {
					d.OrgID = e.Config.Org.ID
				}
				for _, lv := range doc.Levels {
					d.Levels = append(d.Levels, domain.ApprovalLevel{
						Level:         lv.Level,
						ApproverKind:  lv.ApproverKind,
						ApproverRef:   lv.ApproverRef,
						ConditionJSON: lv.ConditionJSON,
						Mandatory:     lv.Mandatory,
						Skippable:     lv.Skippable,
					})
				}
				res, err := e.ImportDefinition(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func definitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDefinitions(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Module", "Name", "Levels", "Sequential", "Active"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ModuleType, d.Name, len(d.Levels), d.Sequential, d.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func definitionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func definitionDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop new workflows from using a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeactivateDefinition(ctx, args[0])
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflow instances"}
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowPendingCmd())
	wf.AddCommand(workflowHistoryCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowResumeCmd())
	wf.AddCommand(workflowCompleteCmd())
	return wf
}

func workflowStartCmd() *cobra.Command {
	var definitionID, moduleType, entityType, entityID, metaJSON string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entityType == "" || entityID == "" {
				return fmt.Errorf("--entity-type and --entity-id required")
			}
			var meta map[string]any
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Start(ctx, engine.StartOptions{
					DefinitionID: definitionID,
					OrgID:        e.Config.Org.ID,
					ModuleType:   moduleType,
					EntityType:   entityType,
					EntityID:     entityID,
					InitiatorID:  viper.GetString("actor-id"),
					Metadata:     meta,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&definitionID, "definition", "", "definition id")
	cmd.Flags().StringVar(&moduleType, "module", "", "module type (uses active definition)")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&metaJSON, "metadata", "", "metadata JSON object")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow instance with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.StepsForInstance(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"instance": inst, "steps": steps})
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, e.Config.Org.ID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Status", "Level", "Initiator", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.EntityType + "/" + w.EntityID, w.Status,
						fmt.Sprintf("%d/%d", w.CurrentLevel, w.TotalLevels), w.InitiatorID, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func workflowPendingCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Pending approval steps for an approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approver == "" {
				approver = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.Repo.PendingStepsForApprover(ctx, approver)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Instance", "Level", "Due", "Escalated"})
				for _, s := range steps {
					due := ""
					if s.DueAt != nil {
						due = *s.DueAt
					}
					tw.AppendRow(table.Row{s.ID, s.InstanceID, s.Level, due, s.Escalated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "approver id (defaults to actor)")
	return cmd
}

func workflowHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.HistoryForInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a live workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func workflowResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Retry approver resolution for a parked workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Resume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func workflowCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Explicitly complete a satisfied workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Complete(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	st := &cobra.Command{Use: "step", Short: "Act on approval steps"}
	st.AddCommand(stepActionCmd(engine.ActionApprove, "Approve a step"))
	st.AddCommand(stepActionCmd(engine.ActionReject, "Reject a step"))
	st.AddCommand(stepDelegateCmd())
	st.AddCommand(stepActionCmd(engine.ActionSkip, "Skip a conditionally skippable step"))
	return st
}

func stepActionCmd(action, short string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   action + " <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Act(ctx, engine.ActOptions{
					StepID:  args[0],
					Action:  action,
					ActorID: viper.GetString("actor-id"),
					Comment: comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

func stepDelegateCmd() *cobra.Command {
	var comment, to string
	cmd := &cobra.Command{
		Use:   "delegate <step-id>",
		Short: "Delegate a step to another approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Act(ctx, engine.ActOptions{
					StepID:     args[0],
					Action:     engine.ActionDelegate,
					ActorID:    viper.GetString("actor-id"),
					Comment:    comment,
					DelegateTo: to,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "delegate employee id")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

func delegationCmd() *cobra.Command {
	dg := &cobra.Command{Use: "delegation", Short: "Manage delegation rules"}
	dg.AddCommand(delegationAddCmd())
	dg.AddCommand(delegationListCmd())
	dg.AddCommand(delegationRemoveCmd())
	return dg
}

func delegationAddCmd() *cobra.Command {
	var delegator, delegate, moduleType, from, to string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a delegation rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delegator == "" || delegate == "" || from == "" || to == "" {
				return fmt.Errorf("--delegator, --delegate, --from and --to required")
			}
			if delegator == delegate {
				return fmt.Errorf("delegator and delegate must differ")
			}
			if to <= from {
				return fmt.Errorf("--to must be after --from")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule := domain.DelegationRule{
					ID:            uuid.New().String(),
					OrgID:         e.Config.Org.ID,
					DelegatorID:   delegator,
					DelegateID:    delegate,
					EffectiveFrom: from,
					EffectiveTo:   to,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if moduleType != "" {
					rule.ModuleType = &moduleType
				}
				if err := e.Repo.InsertDelegation(ctx, rule); err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&delegator, "delegator", "", "delegating employee id")
	cmd.Flags().StringVar(&delegate, "delegate", "", "delegate employee id")
	cmd.Flags().StringVar(&moduleType, "module", "", "limit to module type")
	cmd.Flags().StringVar(&from, "from", "", "effective from (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "effective to (RFC3339)")
	return cmd
}

func delegationListCmd() *cobra.Command {
	var delegator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDelegations(ctx, e.Config.Org.ID, delegator)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&delegator, "delegator", "", "filter by delegator")
	return cmd
}

func delegationRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a delegation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteDelegation(ctx, args[0])
			})
		},
	}
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the employee directory"}
	org.AddCommand(orgEmployeeCmd())
	org.AddCommand(orgDepartmentCmd())
	org.AddCommand(orgRoleCmd())
	return org
}

func orgEmployeeCmd() *cobra.Command {
	emp := &cobra.Command{Use: "employee", Short: "Manage employees"}
	var id, name, email, manager, department string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				emp := domain.Employee{
					ID:        id,
					OrgID:     e.Config.Org.ID,
					Name:      name,
					Email:     email,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if manager != "" {
					emp.ManagerID = &manager
				}
				if department != "" {
					emp.DepartmentID = &department
				}
				if err := e.Repo.UpsertEmployee(ctx, tx, emp); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "employee id")
	add.Flags().StringVar(&name, "name", "", "name")
	add.Flags().StringVar(&email, "email", "", "email")
	add.Flags().StringVar(&manager, "manager", "", "manager employee id")
	add.Flags().StringVar(&department, "department", "", "department id")
	emp.AddCommand(add)

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e, err := r.GetEmployee(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	emp.AddCommand(show)
	return emp
}

func orgDepartmentCmd() *cobra.Command {
	dep := &cobra.Command{Use: "department", Short: "Manage departments"}
	var id, name, head string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a department",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				d := domain.Department{ID: id, OrgID: e.Config.Org.ID, Name: name}
				if head != "" {
					d.HeadID = &head
				}
				if err := e.Repo.UpsertDepartment(ctx, tx, d); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "department id")
	add.Flags().StringVar(&name, "name", "", "name")
	add.Flags().StringVar(&head, "head", "", "department head employee id")
	dep.AddCommand(add)
	return dep
}

func orgRoleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage org roles"}
	var employee, roleName string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant an org role to an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if employee == "" || roleName == "" {
				return fmt.Errorf("--employee and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.AssignOrgRole(ctx, tx, e.Config.Org.ID, employee, roleName); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	grant.Flags().StringVar(&employee, "employee", "", "employee id")
	grant.Flags().StringVar(&roleName, "role", "", "role name")
	role.AddCommand(grant)

	var revEmployee, revRole string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an org role from an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if revEmployee == "" || revRole == "" {
				return fmt.Errorf("--employee and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeOrgRole(ctx, tx, e.Config.Org.ID, revEmployee, revRole); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	revoke.Flags().StringVar(&revEmployee, "employee", "", "employee id")
	revoke.Flags().StringVar(&revRole, "role", "", "role name")
	role.AddCommand(revoke)

	var listRole string
	list := &cobra.Command{
		Use:   "members",
		Short: "List members of a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listRole == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Repo.RoleMembers(ctx, e.Config.Org.ID, listRole)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	list.Flags().StringVar(&listRole, "role", "", "role name")
	role.AddCommand(list)
	return role
}

func escalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Run one escalation sweep over overdue steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger, _ := zap.NewProduction()
				defer logger.Sync()
				s := &scheduler.Escalator{Engine: e, Logger: logger, Batch: e.Config.Escalation.BatchSize}
				escalated := s.Tick(ctx)
				return printJSONOrTable(map[string]any{"escalated": escalated})
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	nt := &cobra.Command{Use: "notify", Short: "Notification outbox"}
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Deliver one batch of queued notifications to the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger, _ := zap.NewProduction()
				defer logger.Sync()
				d := &notify.Dispatcher{Repo: e.Repo, Sink: notify.LogSink{Logger: logger}, Logger: logger}
				sent := d.DrainOnce(ctx)
				return printJSONOrTable(map[string]any{"sent": sent})
			})
		},
	}
	nt.AddCommand(drain)
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.QueuedNotifications(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	nt.AddCommand(list)
	return nt
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit trail"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.RecentHistory(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Instance", "Action", "Actor", "Level"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.ID, h.TS, h.InstanceID, h.Action, h.ActorID, h.Level})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	lg.AddCommand(tail)
	return lg
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "glk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, entry); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": entry.ID, "actor_id": actor, "key": key})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "filter by actor")
	ak.AddCommand(list)

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	ak.AddCommand(remove)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, escalation scheduler and notification dispatcher",
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), r)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			e := engine.New(conn, directory.SQL{DB: conn}, cfg)
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("GREENLIGHT_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !allowLegacyActor {
				return fmt.Errorf("GREENLIGHT_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for development)")
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret,
				AllowLegacyActorHeader: allowLegacyActor,
				Logger:                 logger,
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			handler, err := server.New(ctx, server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}

			interval := time.Duration(cfg.Escalation.IntervalSeconds) * time.Second
			go (&scheduler.Escalator{
				Engine:   e,
				Logger:   logger,
				Interval: interval,
				Batch:    cfg.Escalation.BatchSize,
			}).Run(ctx)
			go (&notify.Dispatcher{
				Repo:   r,
				Sink:   notify.LogSink{Logger: logger},
				Logger: logger,
			}).Run(ctx)

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Greenlight API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, directory.SQL{DB: conn}, cfg)
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
