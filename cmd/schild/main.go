package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/goliatone/go-print"
	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-schild/repository"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultDSN = "file:schild.db?cache=shared"

type app struct {
	cfg    schild.Config
	db     *bun.DB
	svc    *schild.Service
	logger *schild.SlogLogger
}

func main() {
	global := flag.NewFlagSet("schild", flag.ExitOnError)
	configPath := global.String("config", os.Getenv("SCHILD_CONFIG"), "path to a YAML config file")
	dsn := global.String("dsn", envOr("SCHILD_DATABASE_URL", defaultDSN), "postgres:// URL or sqlite file")
	global.Usage = usage
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := schild.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	a, err := setup(ctx, *configPath, *dsn, logger)
	if err != nil {
		fatal(logger, err)
	}
	defer a.db.Close()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		fatal(logger, err)
	}
}

func setup(ctx context.Context, configPath, dsn string, logger *schild.SlogLogger) (*app, error) {
	cfg, err := schild.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	db, err := repository.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	m := repository.NewManager(db, cfg.Tables)
	svc, err := schild.New(cfg, m.Stores(), schild.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{cfg: cfg, db: db, svc: svc, logger: logger}, nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "migrate":
		return a.migrate(ctx, args)
	case "hmac":
		return a.hmac(ctx, args)
	case "user":
		return a.user(ctx, args)
	case "jwt":
		return a.jwt(args)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *app) migrate(ctx context.Context, args []string) error {
	sub := "up"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "up":
		applied, err := repository.Migrate(ctx, a.db)
		if err != nil {
			return err
		}
		a.logger.Info("migrations applied", "versions", applied)
		return nil
	case "down":
		return repository.Rollback(ctx, a.db)
	case "status":
		status, err := repository.MigrationStatus(ctx, a.db)
		if err != nil {
			return err
		}
		for _, s := range status {
			fmt.Printf("%05d  %-8s  %s\n", s.Source.Version, s.State, s.Source.Path)
		}
		return nil
	}
	return fmt.Errorf("unknown migrate command %q", sub)
}

func (a *app) hmac(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: schild hmac encrypt|reencrypt|decrypt")
	}

	var (
		out schild.HmacRotation
		err error
	)
	switch args[0] {
	case "encrypt":
		out, err = a.svc.EncryptHmacSecrets(ctx)
	case "reencrypt":
		out, err = a.svc.ReencryptHmacSecrets(ctx)
	case "decrypt":
		out, err = a.svc.DecryptHmacSecrets(ctx)
	default:
		return fmt.Errorf("unknown hmac command %q", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Println(print.MaybePrettyJSON(out))
	return nil
}

func (a *app) user(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: schild user create|activate|ban|unban")
	}

	if args[0] == "create" {
		return a.createUser(ctx, args[1:])
	}

	fs := flag.NewFlagSet("user "+args[0], flag.ExitOnError)
	message := fs.String("message", "", "ban message")
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: schild user %s <email|username|id>", args[0])
	}

	user, err := a.lookup(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	switch args[0] {
	case "activate":
		err = user.Activate(ctx)
	case "deactivate":
		err = user.Deactivate(ctx)
	case "ban":
		err = user.Ban(ctx, *message)
	case "unban":
		err = user.Unban(ctx)
	default:
		return fmt.Errorf("unknown user command %q", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Println(print.MaybePrettyJSON(userView(user)))
	return nil
}

func (a *app) createUser(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("user create", flag.ExitOnError)
	username := fs.String("username", "", "username")
	email := fs.String("email", "", "email address")
	password := fs.String("password", os.Getenv("SCHILD_USER_PASSWORD"), "password")
	activate := fs.Bool("activate", false, "activate the user right away")
	groups := fs.String("groups", "", "comma separated groups added after the default group")
	fs.Parse(args)

	res, err := a.svc.Registrar().Create(ctx, schild.Registration{
		Username:        *username,
		Email:           *email,
		Password:        *password,
		PasswordConfirm: *password,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Message(), print.MaybePrettyJSON(res.ExtraInfo))
	}

	user := res.User()
	if *groups != "" {
		if err := user.AddGroup(ctx, strings.Split(*groups, ",")...); err != nil {
			return err
		}
	}
	if *activate {
		if err := user.Activate(ctx); err != nil {
			return err
		}
	}

	fmt.Println(print.MaybePrettyJSON(userView(user)))
	return nil
}

func (a *app) jwt(args []string) error {
	if len(args) == 0 || args[0] != "issue" {
		return fmt.Errorf("usage: schild jwt issue [-sub id] [-claims json] [-ttl 1h] [-keyset default]")
	}

	fs := flag.NewFlagSet("jwt issue", flag.ExitOnError)
	sub := fs.String("sub", "", "user id, email or username used as subject")
	rawClaims := fs.String("claims", "", "extra claims as a JSON object")
	ttl := fs.Duration("ttl", 0, "token lifetime, the configured one when zero")
	keyset := fs.String("keyset", schild.DefaultKeyset, "signing keyset")
	fs.Parse(args[1:])

	claims := map[string]any{}
	if *rawClaims != "" {
		if err := json.Unmarshal([]byte(*rawClaims), &claims); err != nil {
			return fmt.Errorf("parse claims: %w", err)
		}
	}

	opts := []schild.IssueOption{schild.WithKeyset(*keyset)}
	if *ttl > 0 {
		opts = append(opts, schild.WithTTL(*ttl))
	}

	var (
		token string
		err   error
	)
	if *sub != "" {
		user, lerr := a.lookup(context.Background(), *sub)
		if lerr != nil {
			return lerr
		}
		token, err = a.svc.JWT().GenerateToken(user, claims, opts...)
	} else {
		token, err = a.svc.JWT().Issue(claims, opts...)
	}
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

// lookup resolves a user by id, email or username
func (a *app) lookup(ctx context.Context, ref string) (*schild.User, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return a.svc.FindUser(ctx, id)
	}
	if strings.Contains(ref, "@") {
		return a.svc.FindUserBy(ctx, map[string]string{"email": ref})
	}
	return a.svc.FindUserBy(ctx, map[string]string{"username": ref})
}

func userView(u *schild.User) map[string]any {
	view := map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"email":    u.Email,
		"active":   u.Active,
		"status":   u.Status,
	}
	if u.LastActive != nil {
		view["last_active"] = u.LastActive.Format(time.RFC3339)
	}
	return view
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(logger *schild.SlogLogger, err error) {
	logger.Error("schild command failed", "error", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `schild - authentication maintenance tasks

Usage:
  schild [-config file] [-dsn url] <command> [args]

Commands:
  migrate [up|down|status]
  hmac encrypt|reencrypt|decrypt
  user create -username u -email e -password p [-activate] [-groups a,b]
  user activate|deactivate|ban|unban [-message m] <id|email|username>
  jwt issue [-sub ref] [-claims json] [-ttl 1h] [-keyset name]

Environment:
  SCHILD_CONFIG          config file path
  SCHILD_DATABASE_URL    database DSN (default: file:schild.db?cache=shared)
  SCHILD_USER_PASSWORD   password for user create when -password is omitted`)
}
