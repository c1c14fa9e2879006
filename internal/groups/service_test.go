package groups

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/repository"
)

type fakeGroup struct {
	group   *models.Group
	members map[int64]bool
	admins  map[int64]bool
}

type fakeRepo struct {
	groups map[string]*fakeGroup
	nextID int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{groups: make(map[string]*fakeGroup)}
}

func (f *fakeRepo) byID(groupID int) *fakeGroup {
	for _, g := range f.groups {
		if g.group.GroupID == groupID {
			return g
		}
	}
	return nil
}

func (f *fakeRepo) Create(ctx context.Context, name string, creatorID int64) (*models.Group, error) {
	if _, ok := f.groups[name]; ok {
		return nil, repository.ErrDuplicateGroup
	}
	f.nextID++
	g := &fakeGroup{
		group:   &models.Group{GroupID: f.nextID, Name: name},
		members: map[int64]bool{creatorID: true},
		admins:  map[int64]bool{creatorID: true},
	}
	f.groups[name] = g
	return g.group, nil
}

func (f *fakeRepo) GetByName(ctx context.Context, name string) (*models.Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return g.group, nil
}

func (f *fakeRepo) AddMember(ctx context.Context, groupID int, userID int64) error {
	f.byID(groupID).members[userID] = true
	return nil
}

func (f *fakeRepo) RemoveMember(ctx context.Context, groupID int, userID int64) error {
	g := f.byID(groupID)
	delete(g.members, userID)
	delete(g.admins, userID)
	return nil
}

func (f *fakeRepo) PromoteAdmin(ctx context.Context, groupID int, userID int64) error {
	f.byID(groupID).admins[userID] = true
	return nil
}

func (f *fakeRepo) IsMember(ctx context.Context, groupID int, userID int64) (bool, error) {
	return f.byID(groupID).members[userID], nil
}

func (f *fakeRepo) IsAdmin(ctx context.Context, groupID int, userID int64) (bool, error) {
	return f.byID(groupID).admins[userID], nil
}

func (f *fakeRepo) MemberIDs(ctx context.Context, groupID int) ([]int64, error) {
	g := f.byID(groupID)
	var out []int64
	for id := range g.members {
		out = append(out, id)
	}
	return out, nil
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("creator becomes member and admin", func(t *testing.T) {
		repo := newFakeRepo()
		s := NewService(repo)

		group, err := s.CreateGroup(ctx, "family", 1)
		if err != nil {
			t.Fatalf("CreateGroup() error = %v", err)
		}
		if member, _ := repo.IsMember(ctx, group.GroupID, 1); !member {
			t.Error("creator is not a member")
		}
		if admin, _ := repo.IsAdmin(ctx, group.GroupID, 1); !admin {
			t.Error("creator is not an admin")
		}
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		repo := newFakeRepo()
		s := NewService(repo)

		if _, err := s.CreateGroup(ctx, "family", 1); err != nil {
			t.Fatalf("CreateGroup() error = %v", err)
		}
		if _, err := s.CreateGroup(ctx, "family", 2); !errors.Is(err, ErrGroupExists) {
			t.Errorf("CreateGroup() error = %v, want ErrGroupExists", err)
		}
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		s := NewService(newFakeRepo())
		if _, err := s.CreateGroup(ctx, "", 1); err == nil {
			t.Error("CreateGroup() error = nil, want validation error")
		}
	})
}

func TestMembership(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Service, *fakeRepo) {
		t.Helper()
		repo := newFakeRepo()
		s := NewService(repo)
		if _, err := s.CreateGroup(ctx, "family", 1); err != nil {
			t.Fatalf("CreateGroup() error = %v", err)
		}
		return s, repo
	}

	t.Run("join and leave", func(t *testing.T) {
		s, _ := setup(t)
		if _, err := s.Join(ctx, "family", 2); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		members, err := s.Members(ctx, "family")
		if err != nil {
			t.Fatalf("Members() error = %v", err)
		}
		if len(members) != 2 {
			t.Errorf("Members() = %v, want 2 members", members)
		}

		if err := s.Leave(ctx, "family", 2); err != nil {
			t.Fatalf("Leave() error = %v", err)
		}
		members, _ = s.Members(ctx, "family")
		if len(members) != 1 {
			t.Errorf("Members() after leave = %v, want 1 member", members)
		}
	})

	t.Run("leave without membership", func(t *testing.T) {
		s, _ := setup(t)
		if err := s.Leave(ctx, "family", 99); !errors.Is(err, ErrNotMember) {
			t.Errorf("Leave() error = %v, want ErrNotMember", err)
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		s, _ := setup(t)
		if _, err := s.Join(ctx, "nope", 2); !errors.Is(err, ErrGroupNotFound) {
			t.Errorf("Join() error = %v, want ErrGroupNotFound", err)
		}
	})

	t.Run("kick requires admin", func(t *testing.T) {
		s, _ := setup(t)
		if _, err := s.Join(ctx, "family", 2); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Join(ctx, "family", 3); err != nil {
			t.Fatal(err)
		}

		if err := s.Kick(ctx, "family", 2, 3); !errors.Is(err, ErrNotAdmin) {
			t.Errorf("Kick() by non-admin error = %v, want ErrNotAdmin", err)
		}
		if err := s.Kick(ctx, "family", 1, 3); err != nil {
			t.Errorf("Kick() by admin error = %v", err)
		}
	})

	t.Run("promote requires admin and target membership", func(t *testing.T) {
		s, repo := setup(t)
		if _, err := s.Join(ctx, "family", 2); err != nil {
			t.Fatal(err)
		}

		if err := s.Promote(ctx, "family", 2, 2); !errors.Is(err, ErrNotAdmin) {
			t.Errorf("Promote() by non-admin error = %v, want ErrNotAdmin", err)
		}
		if err := s.Promote(ctx, "family", 1, 99); !errors.Is(err, ErrNotMember) {
			t.Errorf("Promote() of outsider error = %v, want ErrNotMember", err)
		}

		if err := s.Promote(ctx, "family", 1, 2); err != nil {
			t.Fatalf("Promote() error = %v", err)
		}
		group, _ := repo.GetByName(ctx, "family")
		if admin, _ := repo.IsAdmin(ctx, group.GroupID, 2); !admin {
			t.Error("promoted user is not an admin")
		}
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	s := NewService(repo)

	group, err := s.CreateGroup(ctx, "family", 1)
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if _, err := s.Join(ctx, "family", 2); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	t.Run("group tap resolves current membership", func(t *testing.T) {
		tap := &models.Tap{TapID: uuid.New(), GroupID: &group.GroupID}
		members, err := s.Resolve(ctx, tap)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if len(members) != 2 {
			t.Errorf("Resolve() = %v, want both members", members)
		}

		// Membership changes between fires are picked up.
		if _, err := s.Join(ctx, "family", 3); err != nil {
			t.Fatal(err)
		}
		members, _ = s.Resolve(ctx, tap)
		if len(members) != 3 {
			t.Errorf("Resolve() after join = %v, want 3 members", members)
		}
	})

	t.Run("explicit recipients pass through", func(t *testing.T) {
		tap := &models.Tap{TapID: uuid.New(), Recipients: []int64{7, 8}}
		members, err := s.Resolve(ctx, tap)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if len(members) != 2 || members[0] != 7 || members[1] != 8 {
			t.Errorf("Resolve() = %v, want [7 8]", members)
		}
	})
}
