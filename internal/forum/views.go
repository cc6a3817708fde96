package forum

import (
	"sort"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/store"
)

type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Owner       string   `json:"owner"`
	Type        string   `json:"type"`
	InviteCode  *string  `json:"inviteCode"`
	Members     []string `json:"members"`
}

func (g Group) IsMember(username string) bool {
	for _, m := range g.Members {
		if m == username {
			return true
		}
	}
	return false
}

func (g Group) IsPrivate() bool {
	return g.Type == room.GroupPrivate
}

type Post struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Author    string  `json:"author"`
	Group     string  `json:"group"`
	Timestamp int64   `json:"timestamp"`
	ImageURL  *string `json:"imageUrl"`
}

type Profile struct {
	Username  string `json:"username"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
}

func (p Profile) IsAdmin() bool {
	return p.Role == room.RoleAdmin
}

// groupFrom reads a group entry. Members set to false count as absent.
func groupFrom(id string, m doc.Map) Group {
	g := Group{
		ID:          id,
		Name:        m.Str("name"),
		Description: m.Str("description"),
		Owner:       m.Str("owner"),
		Type:        m.Str("type"),
		Members:     []string{},
	}
	if code, ok := m["inviteCode"].(doc.String); ok {
		s := string(code)
		g.InviteCode = &s
	}
	members := m.Child("members")
	for _, name := range members.Keys() {
		if members.Flag(name) {
			g.Members = append(g.Members, name)
		}
	}
	return g
}

func postFrom(id string, m doc.Map) Post {
	p := Post{
		ID:        id,
		Content:   m.Str("content"),
		Author:    m.Str("author"),
		Group:     m.Str("group"),
		Timestamp: int64(m.Num("timestamp")),
	}
	if url, ok := m["imageUrl"].(doc.String); ok && url != "" {
		s := string(url)
		p.ImageURL = &s
	}
	return p
}

// GroupsIn returns every group of d visible to username: public groups and
// the private groups it belongs to. General comes first, the rest by id.
func GroupsIn(d doc.Map, username string) []Group {
	groups := d.Child("groups")
	out := []Group{}
	for _, id := range groups.Keys() {
		m := groups.Child(id)
		if m == nil {
			continue
		}
		g := groupFrom(id, m)
		if g.Type == room.GroupPublic || g.IsMember(username) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ID == room.GeneralGroupID && out[j].ID != room.GeneralGroupID
	})
	return out
}

// PostsIn returns groupID's posts, newest first.
func PostsIn(d doc.Map, groupID string) []Post {
	posts := d.Child("posts")
	out := []Post{}
	for _, id := range posts.Keys() {
		m := posts.Child(id)
		if m == nil || m.Str("group") != groupID {
			continue
		}
		out = append(out, postFrom(id, m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ProfileIn reads username's profile, falling back to the default avatar.
func ProfileIn(d doc.Map, username string, defaults room.Defaults) (Profile, bool) {
	m := d.Child("users").Child(username)
	p := Profile{Username: username, Bio: m.Str("bio"), AvatarURL: m.Str("avatarUrl"), Role: m.Str("role")}
	if p.AvatarURL == "" {
		p.AvatarURL = defaults.AvatarURL(username)
	}
	if p.Role == "" {
		p.Role = room.RoleUser
	}
	return p, m != nil
}

// OnlineIn lists the distinct usernames present in groupID, or in the whole
// room when groupID is empty.
func OnlineIn(presence map[string]store.Presence, groupID string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, rec := range presence {
		if rec.Username == "" || seen[rec.Username] {
			continue
		}
		if groupID != "" && rec.ActiveGroup != groupID {
			continue
		}
		seen[rec.Username] = true
		out = append(out, rec.Username)
	}
	sort.Strings(out)
	return out
}
