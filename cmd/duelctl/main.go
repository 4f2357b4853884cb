package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	cl "reflexduel/internal/cli"
	"reflexduel/internal/config"
	"reflexduel/internal/duel"
	"reflexduel/internal/syncq"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "duelctl",
		Short:        "Reaction duel client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newBattleCmd(&apiBase),
		newAdvanceCmd(&apiBase),
		newTapCmd(&apiBase),
		newResolveCmd(&apiBase),
		newGhostCmd(&apiBase),
		newSyncCmd(&apiBase),
		newDispatchCmd(&apiBase),
		newWatchCmd(&apiBase, cfg.EffectsMode),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func loadSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and save a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptSecret("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newBattleCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "battle [battle-id]",
		Short: "Show a battle, or your active one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)

			var b duel.Battle
			if len(args) == 1 {
				b, err = client.Battle(ctx, sess.AccessToken, args[0])
			} else {
				b, err = client.ActiveBattle(ctx, sess.AccessToken)
				if isStatus(err, http.StatusNotFound) {
					printInfo("No active battle.")
					return nil
				}
			}
			if err != nil {
				return err
			}
			renderBattle(b, sess.UserID)
			return nil
		},
	}
}

func newAdvanceCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <battle-id> <status>",
		Short: "Move a battle to the next lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			to, err := duel.ParseStatus(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			b, err := newClient(apiBase).Advance(ctx, sess.AccessToken, args[0], to)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Battle %s is now %s.", b.ID, b.Status))
			return nil
		},
	}
}

func newTapCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tap <battle-id> <reaction-ms>",
		Short: "Submit your reaction time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			reactionMS, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
			if err != nil || reactionMS <= 0 || reactionMS > duel.MaxReactionMS {
				return fmt.Errorf("reaction-ms must be between 1 and %d", duel.MaxReactionMS)
			}
			battleID := strings.TrimSpace(args[0])
			if err := duel.ValidateBattleID(battleID); err != nil {
				return err
			}
			tappedAt := time.Now().UTC()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			_, err = newClient(apiBase).Tap(ctx, sess.AccessToken, battleID, reactionMS, tappedAt)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method: http.MethodPost,
					Path:   cl.BattlePath(battleID, "/tap"),
					Body:   cl.TapBody(reactionMS, tappedAt),
				})
			}
			printSuccess(fmt.Sprintf("Tap recorded: %dms.", reactionMS))
			return nil
		},
	}
}

func newResolveCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <battle-id>",
		Short: "Settle a battle once both sides have tapped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			battleID := strings.TrimSpace(args[0])
			if err := duel.ValidateBattleID(battleID); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase).Resolve(ctx, sess.AccessToken, battleID)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method: http.MethodPost,
					Path:   cl.BattlePath(battleID, "/resolve"),
				})
			}
			renderResolve(res, sess.UserID)
			return nil
		},
	}
}

func newGhostCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ghost",
		Short: "Show your ghost-mode penalty",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			g, err := newClient(apiBase).Ghost(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderGhost(g)
			return nil
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay taps and resolves queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			res, err := syncq.Replay(ctx, func(ctx context.Context, c syncq.Command) error {
				return client.Do(ctx, c.Method, c.Path, sess.AccessToken, c.Body)
			}, cl.IsTransient)
			for _, msg := range res.Errors {
				printError("Sync failed for " + msg)
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d dropped=%d remaining=%d", res.Replayed, res.Dropped, res.Pending))
			return nil
		},
	}
}

func newDispatchCmd(apiBase *string) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Trigger one notification dispatch run (operators)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = os.Getenv("DUEL_DISPATCH_SECRET")
			}
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("%w: DUEL_DISPATCH_SECRET or --secret is required", config.ErrConfiguration)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			report, err := newClient(apiBase).Dispatch(ctx, secret)
			if isStatus(err, http.StatusConflict) {
				printWarn("Another dispatch run is in progress.")
				return nil
			}
			if err != nil {
				return err
			}
			renderReport(report)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "dispatch shared secret")
	return cmd
}

// queueOnNetworkError keeps the command for `duelctl sync` when the API was
// unreachable. API answers are final and surface as errors.
func queueOnNetworkError(err error, q syncq.Command) error {
	if err == nil {
		return nil
	}
	if !cl.IsTransient(err) {
		return err
	}
	if qerr := syncq.Push(q); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", errors.Join(err, qerr))
	}
	printWarn(fmt.Sprintf("API unreachable (%v). Queued %s %s, run `duelctl sync` later.", err, q.Method, q.Path))
	return nil
}

func isStatus(err error, code int) bool {
	var se *cl.StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
