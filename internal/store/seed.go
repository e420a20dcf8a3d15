package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pimd/pimd/internal/types"
)

// Seed describes a YAML fixture: resources with their collection trees
// and items. Tests and the `pimd seed` bootstrap command use it to bring
// a fresh database to a known state.
type Seed struct {
	Resources []SeedResource `yaml:"resources"`
	Tags      []SeedTag      `yaml:"tags"`
}

type SeedResource struct {
	Name        string           `yaml:"name"`
	Collections []SeedCollection `yaml:"collections"`
}

type SeedCollection struct {
	Name      string           `yaml:"name"`
	RemoteID  string           `yaml:"remote_id"`
	MimeTypes []string         `yaml:"mime_types"`
	Virtual   bool             `yaml:"virtual"`
	Enabled   *bool            `yaml:"enabled"`
	Children  []SeedCollection `yaml:"children"`
	Items     []SeedItem       `yaml:"items"`
}

type SeedItem struct {
	RemoteID string            `yaml:"remote_id"`
	GID      string            `yaml:"gid"`
	MimeType string            `yaml:"mime_type"`
	Size     int64             `yaml:"size"`
	Flags    []string          `yaml:"flags"`
	Parts    map[string]string `yaml:"parts"`
}

type SeedTag struct {
	GID  string `yaml:"gid"`
	Type string `yaml:"type"`
}

// LoadSeed parses a YAML fixture file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses YAML fixture bytes.
func ParseSeed(raw []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return &s, nil
}

// Apply writes the fixture into the store inside one transaction.
func (s *Seed) Apply(ctx context.Context, st *Store) error {
	return st.RunInTransaction(ctx, func(tx *Tx) error {
		for _, seedRes := range s.Resources {
			res, err := tx.EnsureResource(ctx, seedRes.Name)
			if err != nil {
				return err
			}
			for _, seedCol := range seedRes.Collections {
				if err := applySeedCollection(ctx, tx, seedCol, 0, res.ID); err != nil {
					return err
				}
			}
		}
		for _, seedTag := range s.Tags {
			tag := types.Tag{GID: seedTag.GID, Type: seedTag.Type}
			if tag.Type == "" {
				tag.Type = "PLAIN"
			}
			if err := tx.CreateTag(ctx, &tag); err != nil {
				return err
			}
		}
		return nil
	})
}

func applySeedCollection(ctx context.Context, tx *Tx, sc SeedCollection, parentID, resourceID int64) error {
	col := types.Collection{
		ParentID:   parentID,
		Name:       sc.Name,
		ResourceID: resourceID,
		RemoteID:   sc.RemoteID,
		MimeTypes:  sc.MimeTypes,
		Virtual:    sc.Virtual,
		Enabled:    true,
	}
	col.CachePolicy.Inherit = true
	if sc.Enabled != nil {
		col.Enabled = *sc.Enabled
	}
	if err := tx.CreateCollection(ctx, &col); err != nil {
		return err
	}
	for _, si := range sc.Items {
		item := types.Item{
			CollectionID: col.ID,
			MimeType:     si.MimeType,
			RemoteID:     si.RemoteID,
			GID:          si.GID,
			Size:         si.Size,
		}
		if item.MimeType == "" {
			item.MimeType = "application/octet-stream"
		}
		if err := tx.CreateItem(ctx, &item); err != nil {
			return err
		}
		if len(si.Flags) > 0 {
			if _, err := tx.AddItemFlags(ctx, item.ID, si.Flags); err != nil {
				return err
			}
		}
		for name, data := range si.Parts {
			part := types.Part{
				ItemID:   item.ID,
				Name:     name,
				Data:     []byte(data),
				DataSize: int64(len(data)),
			}
			if err := tx.UpsertPart(ctx, part); err != nil {
				return err
			}
		}
	}
	for _, child := range sc.Children {
		if err := applySeedCollection(ctx, tx, child, col.ID, resourceID); err != nil {
			return err
		}
	}
	return nil
}
