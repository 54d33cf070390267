// chatctl is a terminal client for the livechat relay.
//
//	chatctl login <id> [--name "Full Name"]
//	chatctl logout
//	chatctl whoami
//	chatctl send <counterpart> [text] [--attach file]
//	chatctl chat <counterpart>
//	chatctl vapid-keys
//
// Client settings come from the environment (RELAY_URL, API_URL, SESSION_DB,
// DELIVERY and friends).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"livechat/internal/config"
	"livechat/internal/content"
	"livechat/internal/identity"
	"livechat/internal/models"
	"livechat/internal/notify"

	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage: chatctl <login|logout|whoami|send|chat|vapid-keys> [flags]")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	command, args := args[0], args[1:]

	if command == "vapid-keys" {
		privateKey, publicKey, err := notify.GenerateKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
		return nil
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	store, err := identity.Open(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	switch command {
	case "login":
		return login(store, args, stdout)
	case "logout":
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "logged out")
		return nil
	case "whoami":
		me, err := store.Current()
		if err != nil {
			return err
		}
		if me == nil {
			fmt.Fprintln(stdout, "not logged in")
			return nil
		}
		fmt.Fprintf(stdout, "%s (%s)\n", me.ID, me.FullName)
		return nil
	case "send":
		return send(ctx, cfg, store, args, stdout)
	case "chat":
		return chat(ctx, cfg, store, args, stdin, stdout)
	}
	return errUsage
}

func login(store *identity.Store, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
	fullName := flagSet.String("name", "", "display name")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: chatctl login <id> [--name \"Full Name\"]")
	}

	id := flagSet.Arg(0)
	if err := content.ValidateUserID(id); err != nil {
		return err
	}
	name := *fullName
	if name == "" {
		name = id
	}
	if err := store.Save(models.Identity{ID: id, Username: id, FullName: name}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged in as %s\n", id)
	return nil
}

func currentIdentity(store *identity.Store) (models.Identity, error) {
	me, err := store.Current()
	if err != nil {
		return models.Identity{}, err
	}
	if me == nil {
		return models.Identity{}, errors.New("not logged in, run chatctl login first")
	}
	return *me, nil
}
