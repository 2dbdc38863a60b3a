package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

// DefaultProfileName is used when an owner is bootstrapped without profiles.
const DefaultProfileName = "Default"

// ProfileService manages profiles across the relational store and the vector
// index, keeping both consistent on delete.
type ProfileService struct {
	store   Store
	vectors VectorIndex
	locks   *ProfileLocks
}

func NewProfileService(store Store, vectors VectorIndex, locks *ProfileLocks) *ProfileService {
	if locks == nil {
		locks = NewProfileLocks()
	}
	return &ProfileService{store: store, vectors: vectors, locks: locks}
}

// ProfileUpdate carries optional changes. Nil fields are left untouched.
type ProfileUpdate struct {
	Name        *string
	Description *string
	Personality *Personality
	MakeDefault bool
}

func (s *ProfileService) Create(ctx context.Context, p Profile) (Profile, error) {
	if p.Personality == (Personality{}) {
		p.Personality = DefaultPersonality()
	}
	return s.store.CreateProfile(ctx, p)
}

// EnsureDefault returns the owner's default profile, creating one if the
// owner has none.
func (s *ProfileService) EnsureDefault(ctx context.Context, ownerID string) (Profile, error) {
	profiles, err := s.store.ListProfiles(ctx, ownerID)
	if err != nil {
		return Profile{}, err
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	if len(profiles) > 0 {
		if err := s.store.SetDefaultProfile(ctx, ownerID, profiles[0].ID); err != nil {
			return Profile{}, err
		}
		return s.store.GetProfile(ctx, profiles[0].ID)
	}
	return s.Create(ctx, Profile{OwnerID: ownerID, Name: DefaultProfileName, IsDefault: true})
}

func (s *ProfileService) List(ctx context.Context, ownerID string) ([]Profile, error) {
	return s.store.ListProfiles(ctx, ownerID)
}

// Get returns the profile only if it belongs to ownerID.
func (s *ProfileService) Get(ctx context.Context, ownerID, profileID string) (Profile, error) {
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return Profile{}, err
	}
	if p.OwnerID != ownerID {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// Resolve finds a profile by id or case-insensitive name.
func (s *ProfileService) Resolve(ctx context.Context, ownerID, ref string) (Profile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return s.EnsureDefault(ctx, ownerID)
	}
	profiles, err := s.store.ListProfiles(ctx, ownerID)
	if err != nil {
		return Profile{}, err
	}
	for _, p := range profiles {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}

func (s *ProfileService) Update(ctx context.Context, ownerID, profileID string, upd ProfileUpdate) (Profile, error) {
	p, err := s.Get(ctx, ownerID, profileID)
	if err != nil {
		return Profile{}, err
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Personality != nil {
		p.Personality = *upd.Personality
	}
	p, err = s.store.UpdateProfile(ctx, p)
	if err != nil {
		return Profile{}, err
	}
	if upd.MakeDefault && !p.IsDefault {
		if err := s.store.SetDefaultProfile(ctx, ownerID, profileID); err != nil {
			return Profile{}, err
		}
		p.IsDefault = true
	}
	return p, nil
}

func (s *ProfileService) SetDefault(ctx context.Context, ownerID, profileID string) error {
	return s.store.SetDefaultProfile(ctx, ownerID, profileID)
}

// Delete removes the profile, its memories and its vector namespace. Sessions
// bound to it keep existing with no profile.
func (s *ProfileService) Delete(ctx context.Context, ownerID, profileID string) error {
	unlock := s.locks.Lock(profileID)
	defer unlock()

	if err := s.store.DeleteProfile(ctx, ownerID, profileID); err != nil {
		if errors.Is(err, ErrLastProfile) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete profile %s: %w", profileID, err)
	}
	if s.vectors != nil {
		if err := s.vectors.DeleteProfile(ctx, profileID); err != nil {
			// The relational delete already committed; stale vectors are
			// unreachable because lookups go through the relational store.
			logger.WarnCF("memory", "vector namespace cleanup failed", map[string]interface{}{
				"profile_id": profileID,
				"error":      err.Error(),
			})
		}
	}
	logger.InfoCF("memory", "profile deleted", map[string]interface{}{
		"owner_id":   ownerID,
		"profile_id": profileID,
	})
	return nil
}
