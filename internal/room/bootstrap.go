package room

import (
	"net/url"
	"strings"

	"github.com/pelusa-v/roomsync/internal/doc"
)

const (
	GeneralGroupID = "general"

	RoleUser  = "user"
	RoleAdmin = "admin"

	GroupPublic  = "public"
	GroupPrivate = "private"
)

// Defaults configures room bootstrap. Admins replaces any built-in privileged
// account: only usernames listed here get the admin role on first enrollment.
type Defaults struct {
	SystemOwner    string
	AvatarTemplate string
	Admins         []string
}

func (d Defaults) withFallbacks() Defaults {
	if d.SystemOwner == "" {
		d.SystemOwner = "system"
	}
	if d.AvatarTemplate == "" {
		d.AvatarTemplate = "https://images.websim.com/avatar/{username}?width=128&height=128"
	}
	return d
}

// AvatarURL renders the default avatar for username.
func (d Defaults) AvatarURL(username string) string {
	return strings.ReplaceAll(d.withFallbacks().AvatarTemplate, "{username}", url.PathEscape(username))
}

func (d Defaults) isAdmin(username string) bool {
	for _, a := range d.Admins {
		if a == username {
			return true
		}
	}
	return false
}

// GeneralGroup is the group every room starts with. Public groups carry no
// invite code.
func GeneralGroup(owner string) doc.Map {
	return doc.Map{
		"name":        doc.String("General"),
		"description": doc.String("Default group for all users"),
		"owner":       doc.String(owner),
		"type":        doc.String(GroupPublic),
		"members":     doc.Map{},
	}
}

// DefaultsPatch returns what d is missing among groups (general included),
// users and posts. An initialized document yields an empty patch.
func DefaultsPatch(d doc.Map, defaults Defaults) doc.Map {
	defaults = defaults.withFallbacks()
	b := doc.Patch()
	if d.Child("groups").Child(GeneralGroupID) == nil {
		b.Set(GeneralGroup(defaults.SystemOwner), "groups", GeneralGroupID)
	}
	if d.Child("users") == nil {
		b.Set(doc.Map{}, "users")
	}
	if d.Child("posts") == nil {
		b.Set(doc.Map{}, "posts")
	}
	return b.Map()
}

// EnrollPatch adds id to general and creates its profile when either is
// missing from d.
func EnrollPatch(d doc.Map, id Identity, defaults Defaults) doc.Map {
	defaults = defaults.withFallbacks()
	b := doc.Patch()
	if general := d.Child("groups").Child(GeneralGroupID); general != nil && !general.Child("members").Flag(id.Username) {
		b.Set(doc.Bool(true), "groups", GeneralGroupID, "members", id.Username)
	}
	if d.Child("users").Child(id.Username) == nil {
		role := id.Role
		if role != RoleAdmin {
			role = RoleUser
		}
		if defaults.isAdmin(id.Username) {
			role = RoleAdmin
		}
		b.Set(doc.Map{
			"bio":       doc.String(""),
			"avatarUrl": doc.String(defaults.AvatarURL(id.Username)),
			"role":      doc.String(role),
		}, "users", id.Username)
	}
	return b.Map()
}
