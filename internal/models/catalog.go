package models

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the catalog.
var ErrNotFound = errors.New("entity not found")

// CampaignCatalog provides thread-safe access to campaigns and global cap
// settings. Readers never block reloads.
type CampaignCatalog interface {
	GetCampaign(id string) (Campaign, error)
	GetAllCampaigns() []Campaign
	GlobalCap() GlobalCapSettings

	// ReloadAll atomically replaces the campaigns and settings.
	ReloadAll(campaigns []Campaign, settings GlobalCapSettings) error
}

// catalogSnapshot is an immutable view of the catalog.
type catalogSnapshot struct {
	campaigns []Campaign
	index     map[string]int
	settings  GlobalCapSettings
}

// InMemoryCatalog implements CampaignCatalog with atomic snapshot swaps.
type InMemoryCatalog struct {
	data atomic.Pointer[catalogSnapshot]
}

// NewInMemoryCatalog returns an empty catalog.
func NewInMemoryCatalog() *InMemoryCatalog {
	c := &InMemoryCatalog{}
	c.data.Store(&catalogSnapshot{index: make(map[string]int)})
	return c
}

// GetCampaign returns the campaign with id.
func (c *InMemoryCatalog) GetCampaign(id string) (Campaign, error) {
	data := c.data.Load()
	i, ok := data.index[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return data.campaigns[i], nil
}

// GetAllCampaigns returns a copy of every campaign ordered by ID.
func (c *InMemoryCatalog) GetAllCampaigns() []Campaign {
	data := c.data.Load()
	out := make([]Campaign, len(data.campaigns))
	copy(out, data.campaigns)
	return out
}

// GlobalCap returns the current store-wide settings.
func (c *InMemoryCatalog) GlobalCap() GlobalCapSettings {
	return c.data.Load().settings
}

// ReloadAll replaces the catalog contents. Campaign IDs must be unique and
// non-empty.
func (c *InMemoryCatalog) ReloadAll(campaigns []Campaign, settings GlobalCapSettings) error {
	snap := &catalogSnapshot{
		campaigns: make([]Campaign, len(campaigns)),
		index:     make(map[string]int, len(campaigns)),
		settings:  settings,
	}
	copy(snap.campaigns, campaigns)
	sort.SliceStable(snap.campaigns, func(i, j int) bool {
		return snap.campaigns[i].ID < snap.campaigns[j].ID
	})
	for i, camp := range snap.campaigns {
		if camp.ID == "" {
			return fmt.Errorf("campaign at position %d has an empty id", i)
		}
		if _, dup := snap.index[camp.ID]; dup {
			return fmt.Errorf("duplicate campaign id %q", camp.ID)
		}
		snap.index[camp.ID] = i
	}
	c.data.Store(snap)
	return nil
}
