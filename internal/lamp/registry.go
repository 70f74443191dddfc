package lamp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/database"
)

// Durable location of the lamp list.
const (
	BlobNamespace = "lamps"
	BlobKey       = "lamp_list"
)

// BlobStore is the durable store the registry writes through.
// *database.BlobStore satisfies it.
type BlobStore interface {
	Load(ctx context.Context, namespace, key string) ([]byte, error)
	Store(ctx context.Context, namespace, key string, value []byte) error
}

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the ordered, capacity-bounded collection of lamps.
//
// The in-memory slice is the source of truth for reads; every successful
// mutation rewrites the whole blob exactly once.
//
// All public methods are thread-safe.
type Registry struct {
	store    BlobStore
	capacity int
	policy   DuplicatePolicy

	mu      sync.RWMutex // Protects records and serialises persistence
	records []Record

	logger Logger
}

// NewRegistry creates an empty registry. Call Init to load persisted lamps.
func NewRegistry(store BlobStore, opts Options) *Registry {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	policy := opts.DuplicatePolicy
	if policy == "" {
		policy = DuplicatePolicyReject
	}
	return &Registry{
		store:    store,
		capacity: capacity,
		policy:   policy,
		records:  make([]Record, 0, capacity),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Init loads the persisted lamp list. A missing, unreadable or corrupt
// blob leaves the registry empty; Init never fails startup.
func (r *Registry) Init(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make([]Record, 0, r.capacity)

	data, err := r.store.Load(ctx, BlobNamespace, BlobKey)
	if errors.Is(err, database.ErrBlobNotFound) {
		r.logger.Info("no lamp list stored, starting empty")
		return
	}
	if err != nil {
		r.logger.Warn("loading lamp list failed, starting empty", "error", err)
		return
	}

	records, err := decodeRecords(data, func(index int, reason string) {
		r.logger.Warn("skipping malformed lamp entry", "index", index, "reason", reason)
	})
	if err != nil {
		r.logger.Warn("lamp list is corrupt, starting empty", "error", err)
		return
	}

	if r.policy == DuplicatePolicyReject {
		records = r.dropDuplicates(records)
	}

	if len(records) > r.capacity {
		r.logger.Warn("stored lamp list exceeds capacity, truncating",
			"stored", len(records), "capacity", r.capacity)
		records = records[:r.capacity]
	}

	r.records = append(r.records, records...)
	r.logger.Info("lamp registry loaded", "count", len(r.records))
}

// Add appends a lamp and persists the collection.
//
// Returns ErrInvalidName/ErrInvalidAddress, ErrDuplicateName,
// ErrStorageFull, or an error wrapping ErrPersist.
func (r *Registry) Add(ctx context.Context, rec Record) error {
	if err := Validate(rec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(rec.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, rec.Name)
	}
	if len(r.records) >= r.capacity {
		return fmt.Errorf("%w: %d lamps", ErrStorageFull, r.capacity)
	}

	r.records = append(r.records, rec)
	return r.persistLocked(ctx)
}

// RemoveByName deletes the first lamp with the given name and persists
// the collection.
func (r *Registry) RemoveByName(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	r.records = append(r.records[:i], r.records[i+1:]...)
	return r.persistLocked(ctx)
}

// UpdateByName replaces the lamp called originalName in place. The new
// record may carry a different name; whether that name may collide with
// another lamp is decided by the registry's DuplicatePolicy.
func (r *Registry) UpdateByName(ctx context.Context, originalName string, rec Record) error {
	if err := Validate(rec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(originalName)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, originalName)
	}

	if rec.Name != originalName && r.policy == DuplicatePolicyReject {
		for j := range r.records {
			if j != i && r.records[j].Name == rec.Name {
				return fmt.Errorf("%w: %q", ErrDuplicateName, rec.Name)
			}
		}
	}

	r.records[i] = rec
	return r.persistLocked(ctx)
}

// FindByName returns the first lamp with the given name.
func (r *Registry) FindByName(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(name)
	if i < 0 {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.records[i], nil
}

// FindByAddress returns the first lamp whose address has the given
// numeric value, so "0x0013" and "19" both match 19. Address 0 never
// matches: it is what unparsable addresses decode to.
func (r *Registry) FindByAddress(addr uint16) (Record, error) {
	if addr == 0 {
		return Record{}, fmt.Errorf("%w: address 0", ErrNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if AddressToUint16(rec.Address) == addr {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: address %s", ErrNotFound, FormatAddress(addr))
}

// Snapshot returns a copy of all lamps in insertion order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns the number of registered lamps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Capacity returns the maximum number of lamps.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Policy returns the duplicate-name policy applied by UpdateByName.
func (r *Registry) Policy() DuplicatePolicy {
	return r.policy
}

// dropDuplicates keeps the first record of each name. A blob written
// under DuplicatePolicyAllowShadow may hold repeats.
func (r *Registry) dropDuplicates(records []Record) []Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, rec := range records {
		if _, dup := seen[rec.Name]; dup {
			r.logger.Warn("skipping duplicate lamp name", "name", rec.Name, "address", rec.Address)
			continue
		}
		seen[rec.Name] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// indexOf returns the index of the first record named name, or -1.
// Caller must hold r.mu.
func (r *Registry) indexOf(name string) int {
	for i := range r.records {
		if r.records[i].Name == name {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole collection. Caller must hold r.mu for
// writing.
func (r *Registry) persistLocked(ctx context.Context) error {
	data, err := encodeRecords(r.records)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := r.store.Store(ctx, BlobNamespace, BlobKey, data); err != nil {
		r.logger.Error("persisting lamp list failed, memory and storage now differ",
			"count", len(r.records), "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	r.logger.Debug("lamp list persisted", "count", len(r.records))
	return nil
}
