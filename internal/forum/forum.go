// Package forum implements groups, posts and profiles on top of a room
// session. Every operation is a single patch; conflicting edits from other
// replicas resolve last-writer-wins in the order the hub relays them.
package forum

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/store"
)

var (
	ErrInvalidName       = errors.New("forum: group name is empty")
	ErrGroupExists       = errors.New("forum: group already exists")
	ErrGroupNotFound     = errors.New("forum: group not found")
	ErrNotPublic         = errors.New("forum: group is not public")
	ErrInvalidInviteCode = errors.New("forum: invalid or expired invite code")
	ErrForbidden         = errors.New("forum: not allowed")
	ErrProtectedGroup    = errors.New("forum: the general group cannot be deleted")
	ErrEmptyPost         = errors.New("forum: post needs content or an image")
	ErrPostNotFound      = errors.New("forum: post not found")
)

var whitespace = regexp.MustCompile(`\s+`)

// GroupID derives a group id from its display name.
func GroupID(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Forum is one user's view of a room. Writes go out as patches and become
// visible once the hub echoes them back.
type Forum struct {
	session *room.Session

	mu          sync.Mutex
	activeGroup string
	unsubscribe func()

	now     func() time.Time
	newID   func() string
	newCode func() string
}

// New attaches a forum to s and announces the user's presence in general.
func New(s *room.Session) (*Forum, error) {
	f := &Forum{
		session:     s,
		activeGroup: room.GeneralGroupID,
		now:         time.Now,
		newID:       func() string { return ulid.Make().String() },
		newCode:     uuid.NewString,
	}
	f.unsubscribe = s.SubscribePresenceRequests(f.handlePresenceRequest)
	if err := f.announce(room.GeneralGroupID); err != nil {
		f.unsubscribe()
		return nil, err
	}
	return f, nil
}

func (f *Forum) Session() *room.Session {
	return f.session
}

func (f *Forum) username() string {
	return f.session.Identity().Username
}

// isAdmin trusts either the caller-supplied role or the role stored in the
// user's profile.
func (f *Forum) isAdmin(d doc.Map) bool {
	if f.session.Identity().Role == room.RoleAdmin {
		return true
	}
	return d.Child("users").Child(f.username()).Str("role") == room.RoleAdmin
}

func (f *Forum) ActiveGroup() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeGroup
}

func (f *Forum) announce(groupID string) error {
	f.mu.Lock()
	f.activeGroup = groupID
	f.mu.Unlock()
	return f.session.UpdatePresence(store.Presence{
		Username:    f.username(),
		ActiveGroup: groupID,
		LastSeen:    f.now().UnixMilli(),
	})
}

// CreateGroup creates a private group owned by the caller, with a fresh
// invite code, and switches to it.
func (f *Forum) CreateGroup(name string) (string, error) {
	name = strings.TrimSpace(name)
	id := GroupID(name)
	if id == "" {
		return "", ErrInvalidName
	}
	d := f.session.CurrentDocument()
	if d.Child("groups").Has(id) {
		return "", ErrGroupExists
	}
	user := f.username()
	patch := doc.Patch().Set(doc.Map{
		"name":        doc.String(name),
		"description": doc.String("A private group created by " + user),
		"owner":       doc.String(user),
		"type":        doc.String(room.GroupPrivate),
		"inviteCode":  doc.String(f.newCode()),
		"members":     doc.Map{user: doc.Bool(true)},
	}, "groups", id)
	if err := f.session.ApplyPatch(patch.Map()); err != nil {
		return "", err
	}
	logger.Info("group_created", "group", id, "owner", user)
	return id, f.SwitchGroup(id)
}

func (f *Forum) JoinPublicGroup(id string) error {
	g, ok := f.Group(id)
	if !ok {
		return ErrGroupNotFound
	}
	if g.Type != room.GroupPublic {
		return ErrNotPublic
	}
	if !g.IsMember(f.username()) {
		if err := f.session.ApplyPatch(doc.Patch().Set(doc.Bool(true), "groups", id, "members", f.username()).Map()); err != nil {
			return err
		}
	}
	return f.SwitchGroup(id)
}

// JoinGroupWithCode joins the private group whose invite code is code and
// switches to it. Joining a group the caller already belongs to only
// switches.
func (f *Forum) JoinGroupWithCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrInvalidInviteCode
	}
	var target *Group
	groups := f.session.CurrentDocument().Child("groups")
	for _, id := range groups.Keys() {
		m := groups.Child(id)
		if m == nil {
			continue
		}
		g := groupFrom(id, m)
		if g.IsPrivate() && g.InviteCode != nil && *g.InviteCode == code {
			target = &g
			break
		}
	}
	if target == nil {
		return "", ErrInvalidInviteCode
	}
	if !target.IsMember(f.username()) {
		if err := f.session.ApplyPatch(doc.Patch().Set(doc.Bool(true), "groups", target.ID, "members", f.username()).Map()); err != nil {
			return "", err
		}
		logger.Info("group_joined", "group", target.ID, "user", f.username())
	}
	return target.ID, f.SwitchGroup(target.ID)
}

// SwitchGroup makes id the caller's active group and publishes it as
// presence.
func (f *Forum) SwitchGroup(id string) error {
	return f.announce(id)
}

// DeleteGroup removes a group and all of its posts in one patch. Only the
// owner or an admin may delete, and general is never deleted.
func (f *Forum) DeleteGroup(id string) error {
	d := f.session.CurrentDocument()
	m := d.Child("groups").Child(id)
	if m == nil {
		return ErrGroupNotFound
	}
	if m.Str("owner") != f.username() && !f.isAdmin(d) {
		return ErrForbidden
	}
	if id == room.GeneralGroupID {
		return ErrProtectedGroup
	}

	patch := doc.Patch().Delete("groups", id)
	posts := d.Child("posts")
	removed := 0
	for _, pid := range posts.Keys() {
		if posts.Child(pid).Str("group") == id {
			patch.Delete("posts", pid)
			removed++
		}
	}
	if err := f.session.ApplyPatch(patch.Map()); err != nil {
		return err
	}
	logger.Info("group_deleted", "group", id, "by", f.username(), "posts", removed)

	if f.ActiveGroup() == id {
		return f.SwitchGroup(room.GeneralGroupID)
	}
	return nil
}

// CreatePost posts to the active group. Without an image the post has no
// imageUrl key.
func (f *Forum) CreatePost(content, imageURL string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && imageURL == "" {
		return "", ErrEmptyPost
	}
	group := f.ActiveGroup()
	if f.session.CurrentDocument().Child("groups").Child(group) == nil {
		return "", ErrGroupNotFound
	}

	id := f.newID()
	post := doc.Map{
		"id":        doc.String(id),
		"content":   doc.String(content),
		"author":    doc.String(f.username()),
		"group":     doc.String(group),
		"timestamp": doc.Number(f.now().UnixMilli()),
	}
	if imageURL != "" {
		post["imageUrl"] = doc.String(imageURL)
	}
	if err := f.session.ApplyPatch(doc.Patch().Set(post, "posts", id).Map()); err != nil {
		return "", err
	}
	return id, nil
}

// DeletePost removes a post. Only its author or an admin may.
func (f *Forum) DeletePost(id string) error {
	d := f.session.CurrentDocument()
	m := d.Child("posts").Child(id)
	if m == nil {
		return ErrPostNotFound
	}
	if m.Str("author") != f.username() && !f.isAdmin(d) {
		return ErrForbidden
	}
	return f.session.ApplyPatch(doc.Patch().Delete("posts", id).Map())
}

// UpdateProfile sets the caller's bio and avatar. The role is kept; an empty
// avatarURL falls back to the default avatar.
func (f *Forum) UpdateProfile(bio, avatarURL string) error {
	user := f.username()
	if avatarURL == "" {
		avatarURL = f.session.Defaults().AvatarURL(user)
	}
	patch := doc.Patch().
		Set(doc.String(strings.TrimSpace(bio)), "users", user, "bio").
		Set(doc.String(avatarURL), "users", user, "avatarUrl")
	if f.session.CurrentDocument().Child("users").Child(user).Str("role") == "" {
		patch.Set(doc.String(room.RoleUser), "users", user, "role")
	}
	return f.session.ApplyPatch(patch.Map())
}

func (f *Forum) Groups() []Group {
	return GroupsIn(f.session.CurrentDocument(), f.username())
}

func (f *Forum) Group(id string) (Group, bool) {
	m := f.session.CurrentDocument().Child("groups").Child(id)
	if m == nil {
		return Group{}, false
	}
	return groupFrom(id, m), true
}

// Posts returns groupID's posts newest first; an empty id means the active
// group.
func (f *Forum) Posts(groupID string) []Post {
	if groupID == "" {
		groupID = f.ActiveGroup()
	}
	return PostsIn(f.session.CurrentDocument(), groupID)
}

func (f *Forum) Profile(username string) (Profile, bool) {
	return ProfileIn(f.session.CurrentDocument(), username, f.session.Defaults())
}

func (f *Forum) OnlineUsers(groupID string) []string {
	return OnlineIn(f.session.CurrentPresence(), groupID)
}

// handlePresenceRequest applies a remote request to our own record and
// republishes it with a fresh lastSeen.
func (f *Forum) handlePresenceRequest(req room.PresenceRequest) {
	rec := f.session.CurrentPresence()[f.session.ClientID()]
	rec.Username = f.username()
	if rec.ActiveGroup == "" {
		rec.ActiveGroup = f.ActiveGroup()
	}
	if g := req.Update.Str("activeGroup"); g != "" {
		rec.ActiveGroup = g
		f.mu.Lock()
		f.activeGroup = g
		f.mu.Unlock()
	}
	rec.LastSeen = f.now().UnixMilli()
	if err := f.session.UpdatePresence(rec); err != nil {
		logger.Warn("presence_refresh_failed", "from", req.From, "error", err)
	}
}

// Logout publishes a final lastSeen and closes the session.
func (f *Forum) Logout() error {
	f.unsubscribe()
	rec := store.Presence{Username: f.username(), ActiveGroup: f.ActiveGroup(), LastSeen: f.now().UnixMilli()}
	if err := f.session.UpdatePresence(rec); err != nil && !errors.Is(err, room.ErrSessionClosed) {
		logger.Warn("logout_presence_failed", "user", rec.Username, "error", err)
	}
	return f.session.Close()
}
