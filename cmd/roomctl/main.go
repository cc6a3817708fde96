// roomctl joins a roomsync room from the terminal and runs one forum
// command against the shared document, or watches it until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pelusa-v/roomsync/internal/config"
	"github.com/pelusa-v/roomsync/internal/forum"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/transport"
	"github.com/pelusa-v/roomsync/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		serverURL  string
		roomName   string
		user       string
		role       string
		group      string
		image      string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("roomctl", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&serverURL, "server", "", "server base URL (overrides client.server_url)")
	flagSet.StringVar(&roomName, "room", "", "room to join (overrides client.room)")
	flagSet.StringVarP(&user, "user", "u", os.Getenv("USER"), "username to join as")
	flagSet.StringVar(&role, "role", room.RoleUser, "role asserted for this session (user or admin)")
	flagSet.StringVarP(&group, "group", "g", "", "switch to this group before running the command")
	flagSet.StringVar(&image, "image", "", "file to upload and attach to a post")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(flagSet)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	if roomName == "" {
		roomName = cfg.Client.Room
	}
	if user == "" {
		return errors.New("--user is required")
	}
	logger.Init(logLevel, "stderr")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Client.DialTimeout.Duration())
	defer cancel()
	defaults := room.Defaults{
		SystemOwner:    cfg.Bootstrap.SystemOwner,
		AvatarTemplate: cfg.Bootstrap.AvatarTemplate,
		Admins:         cfg.Bootstrap.Admins,
	}
	f, err := join(dialCtx, transport.NewWebsocketChannel(serverURL, roomName, user), room.Identity{Username: user, Role: role}, defaults)
	if err != nil {
		return err
	}
	defer f.Logout()

	if group != "" {
		if err := f.SwitchGroup(group); err != nil {
			return err
		}
	}
	e := &env{
		ctx:   ctx,
		forum: f,
		out:   os.Stdout,
		image: image,
		wait:  cfg.Client.DialTimeout.Duration(),
		uploads: &upload.Client{
			ServerURL: serverURL,
			MaxBytes:  cfg.Storage.MaxUploadBytes,
			Timeout:   cfg.Client.DialTimeout.Duration(),
		},
	}
	return e.dispatch(flagSet.Args())
}

// join opens a session on ch and waits until the room's bootstrap has come
// back from the hub, so commands see general and the caller's profile.
func join(ctx context.Context, ch transport.Channel, id room.Identity, defaults room.Defaults) (*forum.Forum, error) {
	s, err := room.Open(ctx, ch, id, defaults)
	if err != nil {
		return nil, err
	}
	if err := s.WaitReady(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	f, err := forum.New(s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return f, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: roomctl [flags] <command> [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", c.usage, c.summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}
