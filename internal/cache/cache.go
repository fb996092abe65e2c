// Package cache implements the on-disk GATT service-tree cache (spec
// §6.4): one YAML file per peripheral, keyed by address, so a
// reconnecting central does not have to pay for a full discovery every
// time.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/bleproxyd/internal/model"
)

// entryTTL is how long a cached service tree is trusted before the
// daemon treats it as absent and re-discovers (spec §6.4).
const entryTTL = 30 * 24 * time.Hour

// Cache persists GATT service trees and bonding records under dir. A
// nil *Cache (via Disabled) is a valid, always-miss cache so callers
// never need a feature-flag branch of their own.
type Cache struct {
	dir string
}

// New returns a Cache rooted at dir, creating dir and dir/bonds if
// necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "bonds"), 0755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// Disabled returns a Cache that never has an entry, for daemon instances
// started without --cache-dir (bit 4, remote_caching, stays clear).
func Disabled() *Cache { return nil }

// Enabled reports whether this Cache is a live, non-nil instance.
func (c *Cache) Enabled() bool { return c != nil }

func (c *Cache) servicePath(addr model.Address) string {
	return filepath.Join(c.dir, addr.Hex()+".yaml")
}

func (c *Cache) bondPath(addr model.Address) string {
	return filepath.Join(c.dir, "bonds", addr.Hex()+".yaml")
}

// cacheEntry is the on-disk shape of a cached service tree: slices stand
// in for model.Service's ordered maps so field order survives a YAML
// round trip without a custom marshaler on the domain type itself.
type cacheEntry struct {
	CreatedAt time.Time      `yaml:"created_at"`
	Services  []cacheService `yaml:"services"`
}

type cacheService struct {
	UUID            model.UUID   `yaml:"uuid"`
	Handle          model.Handle `yaml:"handle"`
	Characteristics []cacheChar  `yaml:"characteristics"`
}

type cacheChar struct {
	UUID        model.UUID         `yaml:"uuid"`
	Handle      model.Handle       `yaml:"handle"`
	Properties  uint8              `yaml:"properties"`
	Descriptors []model.Descriptor `yaml:"descriptors"`
}

// PutServices writes addr's discovered service tree to disk, overwriting
// any existing entry and resetting its TTL clock.
func (c *Cache) PutServices(addr model.Address, services []*model.Service) error {
	if c == nil {
		return nil
	}
	entry := cacheEntry{CreatedAt: time.Now(), Services: toCacheServices(services)}
	data, err := yaml.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", addr, err)
	}
	if err := os.WriteFile(c.servicePath(addr), data, 0644); err != nil {
		return fmt.Errorf("cache: write %s: %w", addr, err)
	}
	return nil
}

// GetServices returns addr's cached service tree if present and not
// older than the 30-day TTL. ok is false on a cache miss, an expired
// entry, or a disabled cache, all of which the caller treats the same
// way: fall through to live discovery.
func (c *Cache) GetServices(addr model.Address) (services []*model.Service, ok bool) {
	if c == nil {
		return nil, false
	}
	data, err := os.ReadFile(c.servicePath(addr))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if time.Since(entry.CreatedAt) > entryTTL {
		return nil, false
	}
	return fromCacheServices(entry.Services), true
}

// bondRecord is the on-disk shape of a bonding record. It carries no
// timestamp: bonds never expire, unlike service-tree entries.
type bondRecord struct {
	Address model.Address `yaml:"address"`
	Bonded  bool          `yaml:"bonded"`
}

// PutBond records that addr is bonded (or explicitly not, after an
// Unpair), persisting across daemon restarts.
func (c *Cache) PutBond(addr model.Address, bonded bool) error {
	if c == nil {
		return nil
	}
	data, err := yaml.Marshal(&bondRecord{Address: addr, Bonded: bonded})
	if err != nil {
		return fmt.Errorf("cache: marshal bond %s: %w", addr, err)
	}
	if err := os.WriteFile(c.bondPath(addr), data, 0644); err != nil {
		return fmt.Errorf("cache: write bond %s: %w", addr, err)
	}
	return nil
}

// IsBonded reports whether addr has a persisted, still-true bond
// record.
func (c *Cache) IsBonded(addr model.Address) bool {
	if c == nil {
		return false
	}
	data, err := os.ReadFile(c.bondPath(addr))
	if err != nil {
		return false
	}
	var rec bondRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return false
	}
	return rec.Bonded
}

// ClearPeripheral removes both the service-tree entry and bonding
// record for addr, the effect of a BleDeviceClearCache request.
func (c *Cache) ClearPeripheral(addr model.Address) error {
	if c == nil {
		return nil
	}
	if err := os.Remove(c.servicePath(addr)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove %s: %w", addr, err)
	}
	if err := os.Remove(c.bondPath(addr)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove bond %s: %w", addr, err)
	}
	return nil
}

func toCacheServices(services []*model.Service) []cacheService {
	out := make([]cacheService, 0, len(services))
	for _, svc := range services {
		cs := cacheService{UUID: svc.UUID, Handle: svc.Handle}
		for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			ch := pair.Value
			cc := cacheChar{UUID: ch.UUID, Handle: ch.Handle, Properties: ch.Properties}
			for dpair := ch.Descriptors.Oldest(); dpair != nil; dpair = dpair.Next() {
				cc.Descriptors = append(cc.Descriptors, dpair.Value)
			}
			cs.Characteristics = append(cs.Characteristics, cc)
		}
		out = append(out, cs)
	}
	return out
}

func fromCacheServices(services []cacheService) []*model.Service {
	out := make([]*model.Service, 0, len(services))
	for _, cs := range services {
		svc := model.NewService(cs.UUID, cs.Handle)
		for _, cc := range cs.Characteristics {
			ch := model.NewCharacteristic(cc.UUID, cc.Handle, cc.Properties)
			for _, d := range cc.Descriptors {
				ch.Descriptors.Set(d.Handle, d)
			}
			svc.Characteristics.Set(ch.Handle, ch)
		}
		out = append(out, svc)
	}
	return out
}
