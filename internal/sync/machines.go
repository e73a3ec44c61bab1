package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhub-ai/relayhub/internal/store"
)

// MachineView is the hydrated machine shape sent to clients.
type MachineView struct {
	ID                 string          `json:"id"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataVersion    int64           `json:"metadata_version"`
	RunnerState        json.RawMessage `json:"runner_state"`
	RunnerStateVersion int64           `json:"runner_state_version"`
	Active             bool            `json:"active"`
	ActiveAt           int64           `json:"active_at,omitempty"` // unix ms
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type machineEntry struct {
	mu              sync.Mutex
	active          bool
	activeAt        int64
	lastBroadcastAt time.Time
}

// MachineCache mirrors SessionCache for runner hosts.
type MachineCache struct {
	store  store.Store
	pub    *Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*machineEntry
}

func NewMachineCache(st store.Store, pub *Publisher, logger *slog.Logger) *MachineCache {
	return &MachineCache{
		store:   st,
		pub:     pub,
		logger:  logger.With("component", "machine-cache"),
		now:     time.Now,
		entries: make(map[string]*machineEntry),
	}
}

func (c *MachineCache) entry(namespace, id string) *machineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(namespace, id)
	e, ok := c.entries[key]
	if !ok {
		e = &machineEntry{}
		c.entries[key] = e
	}
	return e
}

func (c *MachineCache) lookup(namespace, id string) *machineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[cacheKey(namespace, id)]
}

func (c *MachineCache) view(m *store.Machine) *MachineView {
	v := &MachineView{
		ID:                 m.ID,
		Metadata:           rawOrNull(m.Metadata),
		MetadataVersion:    m.MetadataVersion,
		RunnerState:        rawOrNull(m.RunnerState),
		RunnerStateVersion: m.RunnerStateVersion,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if e := c.lookup(m.Namespace, m.ID); e != nil {
		e.mu.Lock()
		v.Active = e.active
		v.ActiveAt = e.activeAt
		e.mu.Unlock()
	}
	return v
}

// Upsert registers a machine (get-or-create) and emits machine-updated.
func (c *MachineCache) Upsert(ctx context.Context, namespace, id, metadata, runnerState string) (*MachineView, error) {
	m, err := c.store.UpsertMachine(ctx, namespace, id, metadata, runnerState)
	if err != nil {
		return nil, fmt.Errorf("upsert machine: %w", err)
	}
	c.entry(namespace, id)
	v := c.view(m)
	c.pub.Emit(Event{Kind: KindMachineUpdated, Namespace: namespace, MachineID: id, Payload: v})
	return v, nil
}

func (c *MachineCache) Get(ctx context.Context, namespace, id string) (*MachineView, error) {
	m, err := c.store.GetMachine(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return c.view(m), nil
}

func (c *MachineCache) List(ctx context.Context, namespace string) ([]*MachineView, error) {
	rows, err := c.store.ListMachines(ctx, namespace)
	if err != nil {
		return nil, err
	}
	views := make([]*MachineView, 0, len(rows))
	for i := range rows {
		views = append(views, c.view(&rows[i]))
	}
	return views, nil
}

// HandleAlive processes a machine heartbeat with the same clamping and
// coalescing rules as session heartbeats.
func (c *MachineCache) HandleAlive(ctx context.Context, namespace, id string, at int64) {
	now := c.now()
	nowMs := now.UnixMilli()
	if at > nowMs+MaxClockSkew.Milliseconds() {
		at = nowMs
	}

	e := c.entry(namespace, id)
	e.mu.Lock()
	material := !e.active
	e.active = true
	if at > e.activeAt {
		e.activeAt = at
	}
	emit := material || now.Sub(e.lastBroadcastAt) > HeartbeatCoalesce
	if emit {
		e.lastBroadcastAt = now
	}
	e.mu.Unlock()

	if emit {
		c.emitSnapshot(ctx, namespace, id)
	}
}

// SetConnected flips the cached liveness on runner connect/disconnect.
func (c *MachineCache) SetConnected(ctx context.Context, namespace, id string, connected bool) {
	e := c.entry(namespace, id)
	e.mu.Lock()
	changed := e.active != connected
	e.active = connected
	if connected {
		e.activeAt = c.now().UnixMilli()
	}
	e.lastBroadcastAt = c.now()
	e.mu.Unlock()

	if changed {
		c.emitSnapshot(ctx, namespace, id)
	}
}

// ExpireInactive demotes machines past the liveness window.
func (c *MachineCache) ExpireInactive(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-LivenessWindow).UnixMilli()

	type expired struct{ namespace, id string }
	var demoted []expired

	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.mu.Lock()
		e := c.entries[key]
		c.mu.Unlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.active && e.activeAt < cutoff {
			e.active = false
			e.lastBroadcastAt = now
			ns, id := splitCacheKey(key)
			demoted = append(demoted, expired{ns, id})
		}
		e.mu.Unlock()
	}

	for _, d := range demoted {
		c.emitSnapshot(ctx, d.namespace, d.id)
	}
	return len(demoted)
}

// UpdateMetadata is the version-checked machine metadata write.
func (c *MachineCache) UpdateMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64) (*MachineView, error) {
	updated, err := c.store.UpdateMachineMetadata(ctx, namespace, id, metadata, expectedVersion)
	if updated == nil || (err != nil && !errors.Is(err, store.ErrVersionMismatch)) {
		return nil, err
	}
	v := c.view(updated)
	if err == nil {
		c.pub.Emit(Event{Kind: KindMachineUpdated, Namespace: namespace, MachineID: id, Payload: v})
	}
	return v, err
}

// UpdateRunnerState is the version-checked runner state write.
func (c *MachineCache) UpdateRunnerState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*MachineView, error) {
	updated, err := c.store.UpdateMachineRunnerState(ctx, namespace, id, state, expectedVersion)
	if updated == nil || (err != nil && !errors.Is(err, store.ErrVersionMismatch)) {
		return nil, err
	}
	v := c.view(updated)
	if err == nil {
		c.pub.Emit(Event{Kind: KindMachineUpdated, Namespace: namespace, MachineID: id, Payload: v})
	}
	return v, err
}

func (c *MachineCache) emitSnapshot(ctx context.Context, namespace, id string) {
	m, err := c.store.GetMachine(ctx, namespace, id)
	if err != nil {
		c.logger.Warn("snapshot read failed", "machine_id", id, "error", err)
		return
	}
	if m == nil {
		return
	}
	c.pub.Emit(Event{Kind: KindMachineUpdated, Namespace: namespace, MachineID: id, Payload: c.view(m)})
}
