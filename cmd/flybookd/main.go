package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/flybook/flybook/internal/config"
	"github.com/flybook/flybook/internal/daemon"
	"github.com/flybook/flybook/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.Int64("user", 0, "user id to log in as (overrides config default)")
	serverFlag := flag.String("server", "", "server base URL (overrides config)")
	socketFlag := flag.String("ws", "", "websocket base URL (overrides config)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		cfg = &config.Config{}
	}

	userID := *userFlag
	if userID == 0 {
		userID = cfg.DefaultUserID
	}
	if userID == 0 {
		fmt.Fprintln(os.Stderr, "error: no user id; pass --user or set default_user_id in config.toml")
		os.Exit(1)
	}

	serverURL := firstNonEmpty(*serverFlag, cfg.ServerURL, config.DefaultServerURL)
	socketURL := firstNonEmpty(*socketFlag, cfg.SocketURL, config.DefaultSocketURL)

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:   profile,
			UserID:    userID,
			ServerURL: serverURL,
			SocketURL: socketURL,
		}),
	)

	app.Run()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
