package tenantctx

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// MemoryMemberships is an in-process MembershipStore.
type MemoryMemberships struct {
	mu          sync.RWMutex
	memberships []Membership
	sites       map[uuid.UUID]uuid.UUID
}

func NewMemoryMemberships() *MemoryMemberships {
	return &MemoryMemberships{sites: make(map[uuid.UUID]uuid.UUID)}
}

type membershipFile struct {
	Memberships []Membership `yaml:"memberships"`
	Sites       []struct {
		SiteID   uuid.UUID `yaml:"site_id"`
		AgencyID uuid.UUID `yaml:"agency_id"`
	} `yaml:"sites"`
}

// LoadMemoryMemberships seeds a store from a YAML file of memberships and
// sites.
func LoadMemoryMemberships(path string) (*MemoryMemberships, error) {
	m := NewMemoryMemberships()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships file: %w", err)
	}
	var f membershipFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse memberships file: %w", err)
	}
	for _, ms := range f.Memberships {
		if !ms.Role.Valid() {
			return nil, fmt.Errorf("membership of user %s has unknown role %q", ms.UserID, ms.Role)
		}
		m.AddMembership(ms)
	}
	for _, s := range f.Sites {
		m.AddSite(s.SiteID, s.AgencyID)
	}
	return m, nil
}

// AddMembership adds or replaces the membership of m.UserID in m.AgencyID.
func (s *MemoryMemberships) AddMembership(m Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.memberships {
		if existing.UserID == m.UserID && existing.AgencyID == m.AgencyID {
			s.memberships[i] = m
			return
		}
	}
	s.memberships = append(s.memberships, m)
}

func (s *MemoryMemberships) AddSite(siteID, agencyID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[siteID] = agencyID
}

func (s *MemoryMemberships) Membership(ctx context.Context, userID, agencyID uuid.UUID) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []Membership
	for _, m := range s.memberships {
		if m.UserID == userID && (agencyID == uuid.Nil || m.AgencyID == agencyID) {
			found = append(found, m)
		}
	}
	return pickMembership(found, userID)
}

func (s *MemoryMemberships) SiteAgency(ctx context.Context, siteID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agency, ok := s.sites[siteID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return agency, nil
}

func pickMembership(found []Membership, userID uuid.UUID) (*Membership, error) {
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: user %s", ErrNoMembership, userID)
	case 1:
		m := found[0]
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: user %s must select an agency", ErrAmbiguousMembership, userID)
	}
}
