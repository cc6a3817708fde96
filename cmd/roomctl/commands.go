package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/forum"
	"github.com/pelusa-v/roomsync/internal/upload"
)

type env struct {
	ctx     context.Context
	forum   *forum.Forum
	out     io.Writer
	image   string
	wait    time.Duration // how long to wait for a write to come back
	uploads *upload.Client
}

var errConnectionLost = errors.New("connection to hub lost")

type command struct {
	name    string
	usage   string
	summary string
	args    int // required positional args
	run     func(e *env, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"groups", "groups", "list groups visible to you", 0, (*env).groups},
		{"posts", "posts [group]", "list posts, newest first", 0, (*env).posts},
		{"create-group", "create-group <name>", "create a private group", 1, (*env).createGroup},
		{"join", "join <group>", "join a public group", 1, (*env).join},
		{"join-code", "join-code <code>", "join a private group by invite code", 1, (*env).joinCode},
		{"delete-group", "delete-group <group>", "delete a group and its posts", 1, (*env).deleteGroup},
		{"post", "post <content...>", "post to the active group (--image attaches a file)", 0, (*env).post},
		{"delete-post", "delete-post <id>", "delete a post", 1, (*env).deletePost},
		{"profile", "profile [user]", "show a profile", 0, (*env).profile},
		{"set-profile", "set-profile <bio> [avatar-url]", "update your profile", 1, (*env).setProfile},
		{"online", "online [group]", "list online users", 0, (*env).online},
		{"watch", "watch", "print new posts until interrupted", 0, (*env).watch},
	}
}

func (e *env) dispatch(args []string) error {
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if len(args)-1 < c.args {
			return fmt.Errorf("usage: roomctl %s", c.usage)
		}
		return c.run(e, args[1:])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func (e *env) waitContext() (context.Context, context.CancelFunc) {
	if e.wait <= 0 {
		return context.WithCancel(e.ctx)
	}
	return context.WithTimeout(e.ctx, e.wait)
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (e *env) groups(_ []string) error {
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tOWNER\tMEMBERS")
	for _, g := range e.forum.Groups() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", g.ID, g.Name, g.Type, g.Owner, len(g.Members))
	}
	return w.Flush()
}

func (e *env) posts(args []string) error {
	for _, p := range e.forum.Posts(arg(args, 0)) {
		e.printPost(p)
	}
	return nil
}

func (e *env) printPost(p forum.Post) {
	ts := time.UnixMilli(p.Timestamp).Format(time.DateTime)
	fmt.Fprintf(e.out, "[%s] %s %s: %s", p.ID, ts, p.Author, p.Content)
	if p.ImageURL != nil {
		fmt.Fprintf(e.out, " (%s)", *p.ImageURL)
	}
	fmt.Fprintln(e.out)
}

func (e *env) createGroup(args []string) error {
	id, err := e.forum.CreateGroup(strings.Join(args, " "))
	if err != nil {
		return err
	}
	// the invite code is only readable once the hub echoes the group back
	ctx, cancel := e.waitContext()
	defer cancel()
	if _, err := e.forum.Session().WaitFor(ctx, func(d doc.Map) bool { return d.Child("groups").Has(id) }); err != nil {
		return fmt.Errorf("group %s not confirmed: %w", id, err)
	}
	g, _ := e.forum.Group(id)
	fmt.Fprintf(e.out, "created %s\n", id)
	if g.InviteCode != nil {
		fmt.Fprintf(e.out, "invite code: %s\n", *g.InviteCode)
	}
	return nil
}

func (e *env) join(args []string) error {
	if err := e.forum.JoinPublicGroup(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "joined %s\n", args[0])
	return nil
}

func (e *env) joinCode(args []string) error {
	id, err := e.forum.JoinGroupWithCode(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "joined %s\n", id)
	return nil
}

func (e *env) deleteGroup(args []string) error {
	if err := e.forum.DeleteGroup(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deleted %s\n", args[0])
	return nil
}

func (e *env) post(args []string) error {
	var imageURL string
	if e.image != "" {
		f, err := os.Open(e.image)
		if err != nil {
			return err
		}
		defer f.Close()
		imageURL, err = e.uploads.Upload(e.ctx, filepath.Base(e.image), f)
		if err != nil {
			return err
		}
	}
	id, err := e.forum.CreatePost(strings.Join(args, " "), imageURL)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, id)
	return nil
}

func (e *env) deletePost(args []string) error {
	return e.forum.DeletePost(args[0])
}

func (e *env) profile(args []string) error {
	user := arg(args, 0)
	if user == "" {
		user = e.forum.Session().Identity().Username
	}
	p, ok := e.forum.Profile(user)
	if !ok {
		return fmt.Errorf("no profile for %q", user)
	}
	fmt.Fprintf(e.out, "%s (%s)\n%s\n%s\n", p.Username, p.Role, p.AvatarURL, p.Bio)
	return nil
}

func (e *env) setProfile(args []string) error {
	return e.forum.UpdateProfile(args[0], arg(args, 1))
}

func (e *env) online(args []string) error {
	for _, u := range e.forum.OnlineUsers(arg(args, 0)) {
		fmt.Fprintln(e.out, u)
	}
	return nil
}

// watch prints posts of the active group as they arrive.
func (e *env) watch(_ []string) error {
	seen := make(map[string]bool)
	for _, p := range e.forum.Posts("") {
		seen[p.ID] = true
	}
	updates := make(chan struct{}, 1)
	unsubscribe := e.forum.Session().SubscribeDocument(func(doc.Map) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	fmt.Fprintf(e.out, "watching %s\n", e.forum.ActiveGroup())
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.forum.Session().Done():
			return errConnectionLost
		case <-updates:
		}
		posts := e.forum.Posts("")
		for i := len(posts) - 1; i >= 0; i-- {
			if !seen[posts[i].ID] {
				seen[posts[i].ID] = true
				e.printPost(posts[i])
			}
		}
	}
}
