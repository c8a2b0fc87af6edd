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

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/migrate"
	"planline/internal/server"
	"planline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline tracks hierarchical project work: organizations hold workspaces,
workspaces hold teams and portfolios, portfolios hold projects, projects hold
sections, and sections hold tasks with optional subtask trees. Completion
percentages roll up from task status on demand ('pl project completion',
'pl portfolio rollup'). Every entity belongs to one owning identity.`,
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
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owning identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(portfolioCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(sectionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Manage API credentials"}
	apiKey := &cobra.Command{Use: "api-key", Short: "Manage API keys"}
	apiKey.AddCommand(apiKeyCreateCmd())
	apiKey.AddCommand(apiKeyListCmd())
	apiKey.AddCommand(apiKeyDeleteCmd())
	auth.AddCommand(apiKey)
	return auth
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext := "pl_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:      uuid.New().String(),
					OwnerID: ownerID(),
					Name:    name,
					KeyHash: store.HashAPIKey(plaintext),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				if err := e.Store.InsertAPIKey(ctx, tx, key); err != nil {
					tx.Rollback()
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("API key %s created. Save the secret now; it is not shown again:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Store.ListAPIKeys(ctx, ownerID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					summaries := make([]map[string]any, 0, len(keys))
					for _, k := range keys {
						summaries = append(summaries, map[string]any{"id": k.ID, "name": k.Name, "created_at": k.CreatedAt})
					}
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Store.DeleteAPIKey(ctx, args[0], ownerID())
			})
		},
	}
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgUpdateCmd())
	org.AddCommand(orgDeleteCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := e.CreateOrganization(ctx, ownerID(), engine.OrganizationCreateOptions{Name: name})
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func orgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOrganizations(ctx, ownerID(), nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func orgShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := e.GetOrganization(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	return cmd
}

func orgUpdateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.OrganizationUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := e.UpdateOrganization(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	return cmd
}

func orgDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteOrganization(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceUpdateCmd())
	ws.AddCommand(workspaceDeleteCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var orgID, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.CreateWorkspace(ctx, ownerID(), engine.WorkspaceCreateOptions{
					OrganizationID: orgID,
					Name:           name,
					Description:    desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if orgID != "" {
				f["organization_id"] = orgID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkspaces(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization filter")
	return cmd
}

func workspaceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.GetWorkspace(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	return cmd
}

func workspaceUpdateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.WorkspaceUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.UpdateWorkspace(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().StringVar(&desc, "description", "", "description (empty clears)")
	return cmd
}

func workspaceDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkspace(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamShowCmd())
	team.AddCommand(teamUpdateCmd())
	team.AddCommand(teamDeleteCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var wsID, name, desc string
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.CreateTeam(ctx, ownerID(), engine.TeamCreateOptions{
					WorkspaceID: wsID,
					Name:        name,
					Description: desc,
					MemberIDs:   members,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(team)
			})
		},
	}
	cmd.Flags().StringVar(&wsID, "workspace-id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "member id (repeatable)")
	_ = cmd.MarkFlagRequired("workspace-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	var wsID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if wsID != "" {
				f["workspace_id"] = wsID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTeams(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&wsID, "workspace-id", "", "workspace filter")
	return cmd
}

func teamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.GetTeam(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(team)
			})
		},
	}
	return cmd
}

func teamUpdateCmd() *cobra.Command {
	var name, desc string
	var members []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.TeamUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("member") {
				opts.MemberIDs = &members
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.UpdateTeam(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(team)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringVar(&desc, "description", "", "description (empty clears)")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "member id (replaces the full set)")
	return cmd
}

func teamDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTeam(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func portfolioCmd() *cobra.Command {
	p := &cobra.Command{Use: "portfolio", Short: "Manage portfolios"}
	p.AddCommand(portfolioCreateCmd())
	p.AddCommand(portfolioListCmd())
	p.AddCommand(portfolioShowCmd())
	p.AddCommand(portfolioUpdateCmd())
	p.AddCommand(portfolioDeleteCmd())
	p.AddCommand(portfolioRollupCmd())
	return p
}

func portfolioCreateCmd() *cobra.Command {
	var wsID, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePortfolio(ctx, ownerID(), engine.PortfolioCreateOptions{
					WorkspaceID: wsID,
					Name:        name,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&wsID, "workspace-id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "portfolio name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("workspace-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func portfolioListCmd() *cobra.Command {
	var wsID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List portfolios",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if wsID != "" {
				f["workspace_id"] = wsID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPortfolios(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&wsID, "workspace-id", "", "workspace filter")
	return cmd
}

func portfolioShowCmd() *cobra.Command {
	var expand bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if expand {
					p, err := e.GetPortfolioWithProjects(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				}
				p, err := e.GetPortfolio(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&expand, "projects", false, "include projects")
	return cmd
}

func portfolioUpdateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.PortfolioUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdatePortfolio(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "portfolio name")
	cmd.Flags().StringVar(&desc, "description", "", "description (empty clears)")
	return cmd
}

func portfolioDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePortfolio(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func portfolioRollupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollup <id>",
		Short: "Recompute portfolio status from task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.CalculatePortfolioStatus(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Completion: %.2f%% (%d/%d tasks)\n", status.CompletionPercentage, status.CompletedTasks, status.TotalTasks)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Name", "Completion"})
				for _, p := range status.Projects {
					tw.AppendRow(table.Row{p.ID, p.Name, fmt.Sprintf("%.2f%%", p.CompletionPercentage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectCompletionCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var portfolioID, teamID, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, ownerID(), engine.ProjectCreateOptions{
					PortfolioID: portfolioID,
					TeamID:      teamID,
					Name:        name,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio-id", "", "portfolio id")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("portfolio-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var portfolioID, teamID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if portfolioID != "" {
				f["portfolio_id"] = portfolioID
			}
			if teamID != "" {
				f["team_id"] = teamID
			}
			if status != "" {
				f["status"] = status
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Completion"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, fmt.Sprintf("%.2f%%", p.CompletionPercentage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio-id", "", "portfolio filter")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	var expand string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				switch expand {
				case "":
					p, err := e.GetProject(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				case "sections":
					p, err := e.GetProjectWithSections(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				case "full":
					p, err := e.GetProjectWithFullHierarchy(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				default:
					return fmt.Errorf("unknown expand %q (use sections or full)", expand)
				}
			})
		},
	}
	cmd.Flags().StringVar(&expand, "expand", "", "expand children (sections, full)")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, desc, status, teamID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.ProjectUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("team-id") {
				opts.TeamID = &teamID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProject(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status (not_started, in_progress, completed)")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team id (empty clears)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func projectCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion <id>",
		Short: "Recompute project completion from task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pct, err := e.CalculateProjectCompletion(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project_id": args[0], "completion_percentage": pct})
				}
				fmt.Printf("Completion: %.2f%%\n", pct)
				return nil
			})
		},
	}
	return cmd
}

func sectionCmd() *cobra.Command {
	sec := &cobra.Command{Use: "section", Short: "Manage sections"}
	sec.AddCommand(sectionCreateCmd())
	sec.AddCommand(sectionListCmd())
	sec.AddCommand(sectionShowCmd())
	sec.AddCommand(sectionUpdateCmd())
	sec.AddCommand(sectionDeleteCmd())
	return sec
}

func sectionCreateCmd() *cobra.Command {
	var projectID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create section",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSection(ctx, ownerID(), engine.SectionCreateOptions{
					ProjectID: projectID,
					Name:      name,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "section name")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func sectionListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if projectID != "" {
				f["project_id"] = projectID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSections(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project filter")
	return cmd
}

func sectionShowCmd() *cobra.Command {
	var withTasks bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if withTasks {
					s, err := e.GetSectionWithTasks(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(s)
				}
				s, err := e.GetSection(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&withTasks, "tasks", false, "include tasks")
	return cmd
}

func sectionUpdateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.SectionUpdateOptions
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSection(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "section name")
	return cmd
}

func sectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSection(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks live in a section, carry tags, custom fields and dependencies, and may form subtask trees. Deleting a task deletes its whole subtask subtree.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskLinkCmd())
	task.AddCommand(taskUnlinkCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var tags, deps, fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Tags = tags
			opts.Dependencies = deps
			custom, err := parseKeyValues(fields)
			if err != nil {
				return err
			}
			opts.CustomFields = custom
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, ownerID(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SectionID, "section-id", "", "section id")
	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (not_started, in_progress, completed)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	cmd.Flags().StringArrayVar(&deps, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "custom field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("section-id")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var projectID, sectionID, assigneeID, status, parentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{}
			if projectID != "" {
				f["project_id"] = projectID
			}
			if sectionID != "" {
				f["section_id"] = sectionID
			}
			if assigneeID != "" {
				f["assignee_id"] = assigneeID
			}
			if status != "" {
				f["status"] = status
			}
			if parentID != "" {
				f["parent_task_id"] = parentID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, ownerID(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Parent"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					parent := ""
					if t.ParentTaskID != nil {
						parent = *t.ParentTaskID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assignee, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project filter")
	cmd.Flags().StringVar(&sectionID, "section-id", "", "section filter")
	cmd.Flags().StringVar(&assigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var withSubtasks bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if withSubtasks {
					t, err := e.GetTaskWithSubtasks(ctx, ownerID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				}
				t, err := e.GetTask(ctx, ownerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&withSubtasks, "subtasks", false, "include subtasks")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, assignee, status string
	var tags, deps, fields []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.TaskUpdateOptions
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = &assignee
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = &tags
			}
			if cmd.Flags().Changed("depends-on") {
				opts.Dependencies = &deps
			}
			if cmd.Flags().Changed("field") {
				custom, err := parseKeyValues(fields)
				if err != nil {
					return err
				}
				opts.CustomFields = &custom
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, ownerID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description (empty clears)")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status (not_started, in_progress, completed)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (replaces the full set)")
	cmd.Flags().StringArrayVar(&deps, "depends-on", []string{}, "dependency (replaces the full set)")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "custom field key=value (replaces the full set)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete task and its subtask subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTaskCascade(ctx, ownerID(), args[0])
			})
		},
	}
	return cmd
}

func taskLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <parent-id> <subtask-id>",
		Short: "Link a task under a parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddSubtask(ctx, ownerID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUnlinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlink <parent-id> <subtask-id>",
		Short: "Unlink a subtask from its parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveSubtask(ctx, ownerID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the task tree for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, ownerID(), store.Filter{"project_id": projectID})
				if err != nil {
					return err
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentTaskID != nil {
						children[*t.ParentTaskID] = append(children[*t.ParentTaskID], t)
					} else {
						roots = append(roots, t)
					}
				}
				for i, r := range roots {
					printTaskTree(r, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id")
	_ = cmd.MarkFlagRequired("project-id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
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
				evts, err := e.ListEvents(ctx, ownerID(), events.LatestFilters{
					EntityKind: entityKind,
					EntityID:   entityID,
					Type:       evtType,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("PLANLINE_JWT_SECRET"),
				AllowOwnerHeader: cfg.Auth.AllowOwnerHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			e := engine.New(conn)
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
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8790", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func ownerID() string {
	return viper.GetString("owner-id")
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
	return fn(ctx, engine.New(conn))
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

func parseKeyValues(pairs []string) (map[string]string, error) {
	res := map[string]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", pair)
		}
		res[key] = value
	}
	return res, nil
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
