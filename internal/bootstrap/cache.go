// Package bootstrap implements the persistent seed-peer cache described in
// spec §4.3: a versioned JSON file with newest-first merge semantics,
// ported from the real ant-bootstrap cache_data_v1.rs behaviour and
// written with the teacher's atomic write-then-rename idiom.
package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
)

// CacheDataVersion is the on-disk cache format version; bumped whenever
// the JSON shape changes (ant-bootstrap/src/cache_store/cache_data_v1.rs).
const CacheDataVersion = 1

const (
	defaultMaxPeers         = 1500
	defaultMaxAddrsPerPeer  = 4
)

// PeerEntry is one cached peer and its known addresses, newest-first.
type PeerEntry struct {
	PeerID address.PeerID `json:"peer_id"`
	Addrs  []string       `json:"addrs"`
}

// cacheData is the exact JSON shape persisted to disk.
type cacheData struct {
	Peers          []PeerEntry `json:"peers"`
	LastUpdated    time.Time   `json:"last_updated"`
	NetworkVersion string      `json:"network_version"`
	CacheVersion   uint32      `json:"cache_version"`
}

// Cache is an in-memory, lock-guarded view over one network's bootstrap
// cache file. The whole file is held under one lock during mutation,
// matching spec §5's "whole-file lock during write" policy.
type Cache struct {
	mu             chan struct{} // binary semaphore; see lock/unlock helpers
	path           string
	maxPeers       int
	maxAddrsPerPeer int
	networkVersion string
	log            *logrus.Logger

	data cacheData
}

// CachePath builds <cache_root>/version_<N>/<network>.json, spec §4.3/§6.
func CachePath(cacheRoot, network string) string {
	return filepath.Join(cacheRoot, versionDir(), network+".json")
}

func versionDir() string {
	return "version_" + itoa(CacheDataVersion)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Option configures New.
type Option func(*Cache)

// WithMaxPeers overrides the default cap on cached peers.
func WithMaxPeers(n int) Option { return func(c *Cache) { c.maxPeers = n } }

// WithMaxAddrsPerPeer overrides the default cap on addresses per peer.
func WithMaxAddrsPerPeer(n int) Option { return func(c *Cache) { c.maxAddrsPerPeer = n } }

// New creates an empty cache bound to a cache file path and network tag.
func New(cacheRoot, network string, log *logrus.Logger, opts ...Option) *Cache {
	c := &Cache{
		mu:              make(chan struct{}, 1),
		path:            CachePath(cacheRoot, network),
		maxPeers:        defaultMaxPeers,
		maxAddrsPerPeer: defaultMaxAddrsPerPeer,
		networkVersion:  network,
		log:             log,
		data: cacheData{
			NetworkVersion: network,
			CacheVersion:   CacheDataVersion,
		},
	}
	for _, o := range opts {
		o(c)
	}
	c.mu <- struct{}{}
	return c
}

func (c *Cache) lock()   { <-c.mu }
func (c *Cache) unlock() { c.mu <- struct{}{} }

// Load reads the cache file from disk. A missing file is not an error
// (first run); a parse failure is surfaced as ErrCacheCorrupt so the
// caller can decide to wipe it, per spec §4.3's failure semantics.
func (c *Cache) Load() error {
	c.lock()
	defer c.unlock()

	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return autonomierr.New(autonomierr.Resource, "bootstrap.Load", err)
	}
	var d cacheData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.log.WithError(err).Warn("bootstrap cache parse failed")
		return autonomierr.New(autonomierr.Protocol, "bootstrap.Load", autonomierr.ErrCacheCorrupt)
	}
	c.data = d
	return nil
}

// Save persists the cache atomically: write to a temp file in the same
// directory, then rename over the destination.
func (c *Cache) Save() error {
	c.lock()
	defer c.unlock()
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	c.data.LastUpdated = time.Now()
	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*.tmp")
	if err != nil {
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "bootstrap.Save", err)
	}
	return nil
}

// Reset deletes the cache file on disk, the client orchestrator's
// fallback when bootstrap via cache fails (spec §4.3).
func (c *Cache) Reset() error {
	c.lock()
	defer c.unlock()
	c.data = cacheData{NetworkVersion: c.networkVersion, CacheVersion: CacheDataVersion}
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return autonomierr.New(autonomierr.Resource, "bootstrap.Reset", err)
	}
	return nil
}

// Peers returns a snapshot of the cached peers, newest-first.
func (c *Cache) Peers() []PeerEntry {
	c.lock()
	defer c.unlock()
	out := make([]PeerEntry, len(c.data.Peers))
	copy(out, c.data.Peers)
	return out
}

// AddPeer moves peer_id to the front (newest) and merges its addresses,
// newest-first, capped at maxAddrsPerPeer; the tail is then pruned to
// maxPeers. Ported from cache_data_v1.rs's add_peer.
func (c *Cache) AddPeer(id address.PeerID, addrs []string) {
	addrs, bad := address.NormalizeMultiaddrs(addrs)
	if len(bad) > 0 {
		c.log.WithField("peer", id).WithField("addrs", bad).Warn("bootstrap: dropping malformed multiaddrs")
	}
	if len(addrs) == 0 {
		return
	}

	c.lock()
	defer c.unlock()

	idx := c.indexOf(id)
	var existing []string
	if idx >= 0 {
		existing = c.data.Peers[idx].Addrs
		c.data.Peers = append(c.data.Peers[:idx], c.data.Peers[idx+1:]...)
	}
	merged := mergeAddrs(addrs, existing, c.maxAddrsPerPeer)
	c.data.Peers = append([]PeerEntry{{PeerID: id, Addrs: merged}}, c.data.Peers...)
	if len(c.data.Peers) > c.maxPeers {
		c.data.Peers = c.data.Peers[:c.maxPeers]
	}
}

// RemovePeer drops a peer entirely.
func (c *Cache) RemovePeer(id address.PeerID) {
	c.lock()
	defer c.unlock()
	idx := c.indexOf(id)
	if idx < 0 {
		return
	}
	c.data.Peers = append(c.data.Peers[:idx], c.data.Peers[idx+1:]...)
}

func (c *Cache) indexOf(id address.PeerID) int {
	for i, p := range c.data.Peers {
		if p.PeerID == id {
			return i
		}
	}
	return -1
}

// mergeAddrs prepends fresh addresses ahead of existing ones, dedupes,
// and caps the result at max.
func mergeAddrs(fresh, existing []string, max int) []string {
	seen := make(map[string]bool, len(fresh)+len(existing))
	out := make([]string, 0, max)
	for _, a := range append(append([]string{}, fresh...), existing...) {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
		if len(out) >= max {
			break
		}
	}
	return out
}

// seedFile is the static genesis seed list shape read at first run,
// distinct from the JSON runtime cache: operators hand-edit this one,
// so it uses the teacher's human-editable yaml config format rather
// than the cache's machine-written JSON.
type seedFile struct {
	Peers []PeerEntry `yaml:"peers"`
}

// LoadSeedFile reads a static, human-edited seed-peer list (one a
// network operator ships alongside a node's config, not the runtime
// bootstrap cache) and returns its entries with addresses normalized.
// A missing file is not an error; a node with an empty seed file and a
// populated cache still bootstraps from the cache alone.
func LoadSeedFile(path string) ([]PeerEntry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, autonomierr.New(autonomierr.Resource, "bootstrap.LoadSeedFile", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, autonomierr.New(autonomierr.Protocol, "bootstrap.LoadSeedFile", err)
	}
	for i := range sf.Peers {
		valid, bad := address.NormalizeMultiaddrs(sf.Peers[i].Addrs)
		if len(bad) > 0 {
			return nil, autonomierr.New(autonomierr.Protocol, "bootstrap.LoadSeedFile", autonomierr.ErrCacheCorrupt)
		}
		sf.Peers[i].Addrs = valid
	}
	return sf.Peers, nil
}

// Sync merges another cache's view into this one: self peers stay at
// front with addresses appended (deduped, capped), truncated to
// maxPeers; then peers unique to other are appended in their own order
// until maxPeers is reached. Ported from cache_data_v1.rs's sync.
func (c *Cache) Sync(other *Cache) {
	otherPeers := other.Peers()

	c.lock()
	defer c.unlock()

	present := make(map[address.PeerID]int, len(c.data.Peers))
	for i, p := range c.data.Peers {
		present[p.PeerID] = i
	}
	for _, op := range otherPeers {
		if i, ok := present[op.PeerID]; ok {
			c.data.Peers[i].Addrs = mergeAddrs(c.data.Peers[i].Addrs, op.Addrs, c.maxAddrsPerPeer)
		}
	}
	if len(c.data.Peers) > c.maxPeers {
		c.data.Peers = c.data.Peers[:c.maxPeers]
	}
	for _, op := range otherPeers {
		if _, ok := present[op.PeerID]; ok {
			continue
		}
		if len(c.data.Peers) >= c.maxPeers {
			break
		}
		c.data.Peers = append(c.data.Peers, op)
	}
}
