// presencectl talks to a running agent's management API and watches session events on NATS.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"presence-agent/internal/bus"
	sessionhandler "presence-agent/internal/session/handler"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	addr    string
	token   string
	timeout time.Duration
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "presencectl",
		Short:         "Inspect and manage sessions of a presence agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&g.addr, "addr", envOr("PRESENCE_AGENT_ADDR", "127.0.0.1:7443"), "Agent management API address")
	cmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("PRESENCE_TOKEN"), "Bearer token; omit when the agent runs without JWT keys")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "Per-call timeout")

	cmd.AddCommand(newSessionsCommand(g))
	cmd.AddCommand(newUsersCommand(g))
	cmd.AddCommand(newLogoutCommand(g))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newSessionsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, show and terminate sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List active sessions of a user (default: the caller)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *sessionhandler.Client) error {
				res, err := c.ListSessions(ctx, listUser)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), res)
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "User whose sessions to list")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the agent's live session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *sessionhandler.Client) error {
				res, err := c.GetCurrentSession(ctx)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), res)
			})
		},
	}

	var termUser string
	terminate := &cobra.Command{
		Use:   "terminate SESSION_ID",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *sessionhandler.Client) error {
				if err := c.TerminateSession(ctx, termUser, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", args[0])
				return nil
			})
		},
	}
	terminate.Flags().StringVar(&termUser, "user", "", "Owner of the session (default: the caller)")

	cmd.AddCommand(list, current, terminate)
	return cmd
}

func newUsersCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "User presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "online",
		Short: "List the presence of every other user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *sessionhandler.Client) error {
				res, err := c.ListOnlineUsers(ctx)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func newLogoutCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the agent's live session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *sessionhandler.Client) error {
				if err := c.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	var (
		natsURL string
		prefix  string
		userID  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print session events published by agents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer b.Close()
			out := cmd.OutOrStdout()
			subject := bus.WildcardSubject(prefix, userID)
			sub, err := b.Subscribe(ctx, subject, func(_ context.Context, subj string, data []byte) {
				fmt.Fprintf(out, "%s %s\n", subj, data)
			})
			if err != nil {
				return err
			}
			defer sub.Close()
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", subject)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", envOr("NATS_SUBJECT_PREFIX", bus.DefaultPrefix), "Subject prefix")
	cmd.Flags().StringVar(&userID, "user", "", "Only events of this user")
	return cmd
}

func withClient(cmd *cobra.Command, g *globalFlags, fn func(context.Context, *sessionhandler.Client) error) error {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if g.token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken(g.token)))
	}
	conn, err := grpc.NewClient(g.addr, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.addr, err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(commandContext(cmd), g.timeout)
	defer cancel()
	return fn(ctx, sessionhandler.NewClient(conn))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printMessage(w io.Writer, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// bearerToken attaches an Authorization header to every call. The agent listens on loopback without TLS.
type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (bearerToken) RequireTransportSecurity() bool { return false }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
