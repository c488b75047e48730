package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/unitconv/internal/activity"
	"github.com/hitoshi/unitconv/internal/config"
	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/gateway/restclient"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/session"
)

const (
	adminActionList   = "list"
	adminActionDelete = "delete"
	adminActionPurge  = "purge"
)

// profileWaitTimeout はサインイン後に管理者プロフィールの取得を待つ上限。
const profileWaitTimeout = 10 * time.Second

var (
	errAdminUsage = errors.New("usage: admin list | admin delete <user-id> | admin purge")
	errNotAdmin   = errors.New("admin privileges required")
)

// adminSession は管理コマンドが使うセッション操作。
type adminSession interface {
	SignIn(ctx context.Context, email, password string) (*gateway.User, error)
	SignOut(ctx context.Context) error
	WaitFor(ctx context.Context, cond func(session.State) bool) (session.State, error)
	GetAllUsers(ctx context.Context) ([]model.Profile, error)
	DeleteUser(ctx context.Context, userID string) error
	DeleteAllUsers(ctx context.Context) (int, error)
}

var _ adminSession = (*session.Manager)(nil)

// runAdmin はゲートウェイに管理者としてサインインし、ユーザー管理操作を実行する。
func runAdmin(cfg *config.AdminConfig, out io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	client := restclient.New(cfg.GatewayURL,
		restclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		restclient.WithRefreshSkew(cfg.RefreshMargin),
		restclient.WithLogger(logger),
	)
	defer client.Close()
	// purgeが長引いてもアクセストークンが失効しないようにする
	client.StartAutoRefresh(ctx)

	recorder := activity.New(activity.NewGatewaySink(client), activity.WithLogger(logger))
	defer recorder.Close()

	m := session.New(client, session.WithRecorder(recorder), session.WithLogger(logger))
	defer m.Close()

	select {
	case <-m.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	return execAdmin(ctx, m, cfg.Email, cfg.Password, out, args)
}

// execAdmin は管理操作を実行する。終了時には必ずサインアウトする。
func execAdmin(ctx context.Context, m adminSession, email, password string, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errAdminUsage
	}
	action := args[0]
	switch action {
	case adminActionList, adminActionPurge:
	case adminActionDelete:
		if len(args) < 2 || args[1] == "" {
			return errAdminUsage
		}
	default:
		return errAdminUsage
	}

	if _, err := m.SignIn(ctx, email, password); err != nil {
		return fmt.Errorf("admin sign-in failed: %w", err)
	}
	defer func() {
		if err := m.SignOut(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("admin sign-out failed", slog.String("error", err.Error()))
		}
	}()

	if err := requireAdmin(ctx, m); err != nil {
		return err
	}

	switch action {
	case adminActionList:
		profiles, err := m.GetAllUsers(ctx)
		if err != nil {
			return err
		}
		return printUsers(out, profiles)

	case adminActionDelete:
		if err := m.DeleteUser(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted user %s\n", args[1])
		return nil

	default:
		deleted, err := m.DeleteAllUsers(ctx)
		fmt.Fprintf(out, "deleted %d users\n", deleted)
		var partial *session.PartialDeleteError
		if errors.As(err, &partial) {
			// 一部の削除に失敗した場合は現在のユーザー一覧を表示し直す
			fmt.Fprintf(out, "%d of %d deletions failed; remaining users:\n", partial.Failed, partial.Total)
			if profiles, listErr := m.GetAllUsers(ctx); listErr == nil {
				_ = printUsers(out, profiles)
			}
		}
		return err
	}
}

// requireAdmin はサインイン後のプロフィール取得を待ち、管理者でなければエラーを返す。
func requireAdmin(ctx context.Context, m adminSession) error {
	waitCtx, cancel := context.WithTimeout(ctx, profileWaitTimeout)
	defer cancel()

	st, err := m.WaitFor(waitCtx, func(s session.State) bool {
		return s.Profile != nil || s.Err != ""
	})
	if err != nil {
		return fmt.Errorf("failed to load admin profile: %w", err)
	}
	if st.Profile == nil {
		return fmt.Errorf("failed to load admin profile: %s", st.Err)
	}
	if !st.Profile.IsAdmin() {
		return errNotAdmin
	}
	return nil
}

func printUsers(out io.Writer, profiles []model.Profile) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE\tCREATED\tLAST LOGIN")
	for _, p := range profiles {
		lastLogin := "-"
		if p.LastLoginAt != nil {
			lastLogin = p.LastLoginAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Email, p.FullName, p.Role, p.CreatedAt.Format(time.RFC3339), lastLogin)
	}
	return tw.Flush()
}
