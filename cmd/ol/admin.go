package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/server"
)

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{
		Use:   "rbac",
		Short: "Manage roles, permissions and branch access",
	}
	rbac.AddCommand(rbacSeedCmd())
	rbac.AddCommand(rbacBranchCmd())
	rbac.AddCommand(rbacPairCmd("assign-role", "Assign a role to an actor", "role",
		func(ctx context.Context, a *app.Context, actor, role string) error {
			return a.Engine.AssignRole(ctx, actorID(), actor, role)
		}))
	rbac.AddCommand(rbacPairCmd("revoke-role", "Revoke a role from an actor", "role",
		func(ctx context.Context, a *app.Context, actor, role string) error {
			return a.Engine.RevokeRole(ctx, actorID(), actor, role)
		}))
	rbac.AddCommand(rbacPairCmd("assign-branch", "Grant an actor access to a branch", "branch",
		func(ctx context.Context, a *app.Context, actor, branch string) error {
			return a.Engine.AssignBranch(ctx, actorID(), actor, branch)
		}))
	rbac.AddCommand(rbacPairCmd("revoke-branch", "Remove an actor's access to a branch", "branch",
		func(ctx context.Context, a *app.Context, actor, branch string) error {
			return a.Engine.RevokeBranch(ctx, actorID(), actor, branch)
		}))
	rbac.AddCommand(rbacPermissionCmd("grant", "Add a permission to a role", true))
	rbac.AddCommand(rbacPermissionCmd("revoke", "Remove a permission from a role", false))
	rbac.AddCommand(rbacRolesCmd())
	rbac.AddCommand(rbacMeCmd())
	return rbac
}

func rbacSeedCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the default roles and make an actor admin (no RBAC checks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if admin == "" {
				admin = actorID()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.SeedDefaults(ctx, admin); err != nil {
					return err
				}
				fmt.Printf("seeded default roles; %s is admin\n", admin)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "actor to make admin (defaults to --actor-id)")
	return cmd
}

func rbacBranchCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "branch <id>",
		Short: "Create a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.EnsureBranch(ctx, actorID(), args[0], name)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

// rbacPairCmd builds a command that relates --actor to --<kind>.
func rbacPairCmd(use, short, kind string, fn func(context.Context, *app.Context, string, string) error) *cobra.Command {
	var actor, target string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return fn(ctx, a, actor, target)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&target, kind, "", kind+" id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired(kind)
	return cmd
}

func rbacPermissionCmd(use, short string, grant bool) *cobra.Command {
	var role, perm string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if grant {
					return a.Engine.GrantPermission(ctx, actorID(), role, perm)
				}
				return a.Engine.RevokePermission(ctx, actorID(), role, perm)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&perm, "permission", "", "permission id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				roles, err := a.Engine.Roles(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := newTable(table.Row{"Role", "Description", "Permissions"})
				for _, r := range roles {
					tw.AppendRow(table.Row{r.ID, r.Description, strings.Join(r.Permissions, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacMeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the resolved scope of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				scope, err := a.Engine.Me(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    scope.ActorID,
					"wildcard":    scope.Wildcard(),
					"permissions": scope.PermissionList(),
					"branches":    scope.BranchList(),
				})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = actorID()
			}
			token, err := server.SignToken(s.JWTSecret, subject, name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key for a service actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret, key, err := a.Engine.CreateAPIKey(ctx, actorID(), actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if s.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = s.HTTPAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, s)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              s.JWTSecret,
					AllowLegacyActorHeader: legacyHeader,
				},
				RateLimit: server.RateLimitConfig{
					Burst:             s.RateLimitBurst,
					PerSecond:         float64(s.RateLimitPerSec),
					TrustForwardedFor: s.TrustProxy,
				},
				Logger:    a.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.WithField("addr", addr).WithField("base_path", basePath).Info("serving Orderline API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "trust X-Actor-Id without credentials (development only)")
	return cmd
}
