// boardctl is a terminal client for the board API.
//
//	boardctl token -sub broker-1 -role corretor
//	boardctl watch -board default
//	boardctl move -board default -task tsk_... -stage stg_...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"salesops/api/internal/auth"
	"salesops/api/internal/client"
	"salesops/api/internal/config"
	"salesops/api/internal/controller"
	"salesops/api/internal/rbac"
	"salesops/api/internal/realtime"
	"salesops/api/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg := config.Load()

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "watch":
		err = runWatch(cfg, os.Args[2:])
	case "move":
		err = runMove(cfg, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: boardctl <token|watch|move> [flags]")
}

// session holds the flags every board command shares.
type session struct {
	server  *string
	token   *string
	boardID *string
	verbose *bool
}

func sessionFlags(fs *flag.FlagSet, cfg config.Config) session {
	return session{
		server:  fs.String("server", envOr("BOARD_API_URL", "http://localhost"+cfg.Addr), "board api base url"),
		token:   fs.String("token", os.Getenv("BOARD_TOKEN"), "bearer token (defaults to $BOARD_TOKEN)"),
		boardID: fs.String("board", cfg.DefaultBoardID, "board id"),
		verbose: fs.Bool("v", false, "log to stderr"),
	}
}

func (s session) logger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	if *s.verbose {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func (s session) client(logger *log.Logger) (*client.Client, error) {
	if strings.TrimSpace(*s.token) == "" {
		return nil, fmt.Errorf("a token is required; see boardctl token")
	}
	return client.New(client.Options{BaseURL: *s.server, Token: *s.token, Logger: logger})
}

func runToken(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "actor id")
	role := fs.String("role", string(rbac.RoleVisitante), "role: diretor, gerente, corretor or visitante")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	secret := fs.String("secret", cfg.JWTSecret, "HS256 secret (defaults to AUTH_JWT_SECRET)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sub) == "" {
		return fmt.Errorf("-sub is required")
	}
	token, err := auth.IssueHMAC([]byte(*secret), *sub, rbac.Normalize(*role), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// mount connects a synced view and a controller for the caller's role.
func mount(ctx context.Context, cfg config.Config, s session) (*realtime.Sync, *controller.Controller, error) {
	logger := s.logger()
	c, err := s.client(logger)
	if err != nil {
		return nil, nil, err
	}
	role, _, err := c.Capabilities(ctx, *s.boardID)
	if err != nil {
		return nil, nil, fmt.Errorf("check capabilities: %w", err)
	}
	view := realtime.NewSync(*s.boardID, c, c, realtime.SyncOptions{Logger: logger})
	if err := view.Mount(ctx); err != nil {
		return nil, nil, err
	}
	ctrl := controller.New(*s.boardID, c, controller.Options{
		Role:          rbac.Normalize(role),
		CommitTimeout: cfg.CommitTimeout,
		MaxRetries:    cfg.MoveRetries,
		Logger:        logger,
	})
	return view, ctrl, nil
}

func runWatch(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	s := sessionFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view, ctrl, err := mount(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer view.Close()
	defer ctrl.Close()

	p := tea.NewProgram(tui.New(*s.boardID, view, ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runMove(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	s := sessionFlags(fs, cfg)
	taskID := fs.String("task", "", "task id")
	stageID := fs.String("stage", "", "target stage id")
	wait := fs.Duration("wait", 15*time.Second, "how long to wait for the board and the commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" || *stageID == "" {
		return fmt.Errorf("-task and -stage are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	view, ctrl, err := mount(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer view.Close()
	defer ctrl.Close()

	snap, err := firstSync(ctx, view)
	if err != nil {
		return err
	}
	ctrl.View(snap.Tasks)
	if _, err := ctrl.Move(*taskID, *stageID); err != nil {
		return err
	}
	select {
	case out := <-ctrl.Outcomes():
		if out.Err != nil {
			return fmt.Errorf("move rolled back after %d attempt(s): %w", out.Attempts, out.Err)
		}
		fmt.Printf("%s moved to %s\n", out.TaskID, out.StageID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("move not confirmed: %w", ctx.Err())
	}
}

func firstSync(ctx context.Context, view *realtime.Sync) (realtime.Snapshot, error) {
	if snap := view.Snapshot(); !snap.SyncedAt.IsZero() {
		return snap, nil
	}
	for {
		select {
		case snap := <-view.Updates():
			if !snap.SyncedAt.IsZero() {
				return snap, nil
			}
		case <-ctx.Done():
			return realtime.Snapshot{}, fmt.Errorf("board not loaded: %s", view.Snapshot().StaleReason)
		}
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
