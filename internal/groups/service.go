package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/repository"
)

var (
	ErrGroupExists   = errors.New("group already exists")
	ErrGroupNotFound = errors.New("group not found")
	ErrNotAdmin      = errors.New("user is not an admin of this group")
	ErrNotMember     = errors.New("user is not a member of this group")
)

type Repo interface {
	Create(ctx context.Context, name string, creatorID int64) (*models.Group, error)
	GetByName(ctx context.Context, name string) (*models.Group, error)
	AddMember(ctx context.Context, groupID int, userID int64) error
	RemoveMember(ctx context.Context, groupID int, userID int64) error
	PromoteAdmin(ctx context.Context, groupID int, userID int64) error
	IsMember(ctx context.Context, groupID int, userID int64) (bool, error)
	IsAdmin(ctx context.Context, groupID int, userID int64) (bool, error)
	MemberIDs(ctx context.Context, groupID int) ([]int64, error)
}

// Service manages groups and answers the fire-time membership
// question for the listener.
type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

// CreateGroup creates a group with a unique name; the creator becomes
// both a member and an admin.
func (s *Service) CreateGroup(ctx context.Context, name string, creatorID int64) (*models.Group, error) {
	if name == "" {
		return nil, fmt.Errorf("group name is required")
	}
	group, err := s.repo.Create(ctx, name, creatorID)
	if errors.Is(err, repository.ErrDuplicateGroup) {
		return nil, ErrGroupExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	return group, nil
}

func (s *Service) GetGroup(ctx context.Context, name string) (*models.Group, error) {
	group, err := s.repo.GetByName(ctx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *Service) Join(ctx context.Context, name string, userID int64) (*models.Group, error) {
	group, err := s.GetGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.repo.AddMember(ctx, group.GroupID, userID); err != nil {
		return nil, fmt.Errorf("failed to join group: %w", err)
	}
	return group, nil
}

func (s *Service) Leave(ctx context.Context, name string, userID int64) error {
	group, err := s.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	member, err := s.repo.IsMember(ctx, group.GroupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return s.repo.RemoveMember(ctx, group.GroupID, userID)
}

// Kick removes a member; only admins may kick.
func (s *Service) Kick(ctx context.Context, name string, adminID, targetID int64) error {
	group, err := s.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, group.GroupID, adminID); err != nil {
		return err
	}
	member, err := s.repo.IsMember(ctx, group.GroupID, targetID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return s.repo.RemoveMember(ctx, group.GroupID, targetID)
}

// Promote makes an existing member an admin. The promoting user must
// already be an admin and the target must be a member.
func (s *Service) Promote(ctx context.Context, name string, adminID, targetID int64) error {
	group, err := s.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, group.GroupID, adminID); err != nil {
		return err
	}
	member, err := s.repo.IsMember(ctx, group.GroupID, targetID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return s.repo.PromoteAdmin(ctx, group.GroupID, targetID)
}

func (s *Service) Members(ctx context.Context, name string) ([]int64, error) {
	group, err := s.GetGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.repo.MemberIDs(ctx, group.GroupID)
}

// Resolve returns the recipient set for a tap: the group's current
// members for group taps, the explicit recipient list otherwise. The
// listener calls this at occurrence-fire time.
func (s *Service) Resolve(ctx context.Context, tap *models.Tap) ([]int64, error) {
	if tap.GroupID != nil {
		return s.repo.MemberIDs(ctx, *tap.GroupID)
	}
	return tap.Recipients, nil
}

func (s *Service) requireAdmin(ctx context.Context, groupID int, userID int64) error {
	admin, err := s.repo.IsAdmin(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrNotAdmin
	}
	return nil
}
