package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/goccy/go-yaml"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/presence"
)

type groupDoc struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Emoji   string   `yaml:"emoji"`
	Admin   string   `yaml:"admin"`
	Members []string `yaml:"members"`
}

type userDoc struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type groupsFile struct {
	Users  []userDoc  `yaml:"users"`
	Groups []groupDoc `yaml:"groups"`
}

type directoryIndex struct {
	groups map[string]model.Group
	byUser map[string][]string
	names  map[string]string
}

// GroupFile is a static presence.GroupDirectory loaded from a YAML file.
type GroupFile struct {
	path  string
	index atomic.Pointer[directoryIndex]
}

// NewGroupFile loads path.
func NewGroupFile(path string) (*GroupFile, error) {
	g := &GroupFile{path: path}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the file. On error the previous contents are kept.
func (g *GroupFile) Reload() error {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("read groups file: %w", err)
	}
	idx, err := parseGroups(raw)
	if err != nil {
		return err
	}
	g.index.Store(idx)
	return nil
}

func parseGroups(raw []byte) (*directoryIndex, error) {
	var doc groupsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse groups: %w", err)
	}
	idx := &directoryIndex{
		groups: make(map[string]model.Group, len(doc.Groups)),
		byUser: make(map[string][]string),
		names:  make(map[string]string, len(doc.Users)),
	}
	for _, u := range doc.Users {
		idx.names[u.ID] = u.Name
	}
	for _, gd := range doc.Groups {
		if gd.ID == "" {
			return nil, fmt.Errorf("parse groups: group without id")
		}
		if _, dup := idx.groups[gd.ID]; dup {
			return nil, fmt.Errorf("parse groups: duplicate group %q", gd.ID)
		}
		idx.groups[gd.ID] = model.Group{
			ID:          gd.ID,
			Name:        gd.Name,
			Emoji:       gd.Emoji,
			AdminUserID: gd.Admin,
			MemberIDs:   append([]string(nil), gd.Members...),
		}
		for _, m := range gd.Members {
			idx.byUser[m] = append(idx.byUser[m], gd.ID)
		}
	}
	for _, ids := range idx.byUser {
		sort.Strings(ids)
	}
	return idx, nil
}

// GetGroup implements presence.GroupDirectory.
func (g *GroupFile) GetGroup(_ context.Context, groupID string) (model.Group, error) {
	grp, ok := g.index.Load().groups[groupID]
	if !ok {
		return model.Group{}, fmt.Errorf("%w: %s", presence.ErrGroupNotFound, groupID)
	}
	return grp, nil
}

// GetGroupsForUser implements presence.GroupDirectory.
func (g *GroupFile) GetGroupsForUser(_ context.Context, userID string) ([]string, error) {
	return append([]string(nil), g.index.Load().byUser[userID]...), nil
}

// DisplayName returns the configured name for userID, or the id itself.
func (g *GroupFile) DisplayName(userID string) string {
	if n := g.index.Load().names[userID]; n != "" {
		return n
	}
	return userID
}

// Groups returns every group ordered by id.
func (g *GroupFile) Groups() []model.Group {
	idx := g.index.Load()
	out := make([]model.Group, 0, len(idx.groups))
	for _, grp := range idx.groups {
		grp.MemberIDs = append([]string(nil), grp.MemberIDs...)
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
