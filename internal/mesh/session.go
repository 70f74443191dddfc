package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/database"
)

// Durable location of the session tuple.
const (
	SessionNamespace = "ble_mesh"
	SessionKey       = "mesh_info"
)

// BlobStore is the durable store the session writes through.
// *database.BlobStore satisfies it.
type BlobStore interface {
	Load(ctx context.Context, namespace, key string) ([]byte, error)
	Store(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// Logger defines the logging interface used by this package.
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

// sessionRecord is the persisted form of the session.
type sessionRecord struct {
	NetIdx uint16 `cbor:"net_idx"`
	AppIdx uint16 `cbor:"app_idx"`
	TID    uint8  `cbor:"tid"`
}

var sessionEncMode cbor.EncMode

func init() {
	var err error
	sessionEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mesh: CBOR encoder initialization failed: " + err.Error())
	}
}

// Credentials is a point-in-time copy of the session.
type Credentials struct {
	NetIdx uint16 `json:"net_idx"`
	AppIdx uint16 `json:"app_idx"`
	TID    uint8  `json:"tid"`
	Ready  bool   `json:"ready"`
}

// SessionState holds the mesh credentials and the transaction id counter.
//
// All methods are safe for concurrent use.
type SessionState struct {
	store BlobStore

	mu     sync.Mutex
	netIdx uint16
	appIdx uint16
	tid    uint8

	logger Logger
}

// NewSessionState returns a session with both key indices unset.
func NewSessionState(store BlobStore) *SessionState {
	return &SessionState{
		store:  store,
		netIdx: KeyUnused,
		appIdx: KeyUnused,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the session.
func (s *SessionState) SetLogger(logger Logger) {
	s.logger = logger
}

// Restore loads the persisted tuple. A missing or undecodable tuple
// leaves the session unset.
func (s *SessionState) Restore(ctx context.Context) {
	data, err := s.store.Load(ctx, SessionNamespace, SessionKey)
	if errors.Is(err, database.ErrBlobNotFound) {
		s.logger.Info("no mesh session stored, waiting for provisioning")
		return
	}
	if err != nil {
		s.logger.Error("restoring mesh session failed", "error", err)
		return
	}

	var rec sessionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		s.logger.Error("stored mesh session is corrupt, ignoring", "error", err)
		return
	}

	s.mu.Lock()
	s.netIdx, s.appIdx, s.tid = rec.NetIdx, rec.AppIdx, rec.TID
	s.mu.Unlock()

	s.logger.Info("mesh session restored",
		"net_idx", hex16(rec.NetIdx), "app_idx", hex16(rec.AppIdx), "tid", rec.TID)
}

// OnProvisioningComplete records the NetKey index. Nothing is persisted
// until an AppKey is bound, so a half-provisioned session is never saved.
//
// Completing provisioning on a session that was already bound means the
// node has been reprovisioned: the old AppKey binding and transaction id
// no longer apply, so both are reset and the stored tuple is removed.
func (s *SessionState) OnProvisioningComplete(ctx context.Context, netIdx, addr uint16) {
	s.mu.Lock()
	reprovisioned := s.appIdx != KeyUnused
	s.netIdx = netIdx
	if reprovisioned {
		s.appIdx = KeyUnused
		s.tid = 0
	}
	s.mu.Unlock()

	s.logger.Info("provisioning complete",
		"net_idx", hex16(netIdx), "addr", hex16(addr), "reprovisioned", reprovisioned)

	if reprovisioned {
		if err := s.store.Delete(ctx, SessionNamespace, SessionKey); err != nil {
			s.logger.Error("clearing stale mesh session failed", "error", err)
		}
	}
}

// OnAppKeyAdded logs an AppKey add. Only binding makes a key usable.
func (s *SessionState) OnAppKeyAdded(netIdx, appIdx uint16) {
	s.logger.Info("appkey added", "net_idx", hex16(netIdx), "app_idx", hex16(appIdx))
}

// OnModelAppBound handles an AppKey bind to a model on one of the
// bridge's elements. Binds to models other than the on/off and lightness
// clients are logged and ignored.
func (s *SessionState) OnModelAppBound(ctx context.Context, elemAddr, appIdx, modelID uint16) error {
	s.logger.Info("model bound",
		"elem_addr", hex16(elemAddr), "app_idx", hex16(appIdx), "model_id", hex16(modelID))

	if modelID != ModelGenericOnOffClient && modelID != ModelLightLightnessClient {
		return nil
	}
	return s.OnAppKeyBound(ctx, appIdx)
}

// OnAppKeyBound sets the AppKey index and persists the session.
func (s *SessionState) OnAppKeyBound(ctx context.Context, appIdx uint16) error {
	s.mu.Lock()
	s.appIdx = appIdx
	rec := sessionRecord{NetIdx: s.netIdx, AppIdx: s.appIdx, TID: s.tid}
	err := s.persistLocked(ctx, rec)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("persisting mesh session failed", "error", err)
		return err
	}
	return nil
}

// HandleEvent applies provisioning and configuration events. Status
// events are ignored; they belong to the router.
func (s *SessionState) HandleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventProvisioned:
		s.OnProvisioningComplete(ctx, ev.NetIdx, ev.Address)
	case EventAppKeyAdded:
		s.OnAppKeyAdded(ev.NetIdx, ev.AppIdx)
	case EventModelAppBound:
		_ = s.OnModelAppBound(ctx, ev.Address, ev.AppIdx, ev.ModelID) //nolint:errcheck // logged by OnAppKeyBound
	}
}

// NextTransactionID returns the current transaction id and advances it,
// wrapping after 255. The counter is not persisted per call.
func (s *SessionState) NextTransactionID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tid := s.tid
	s.tid++
	return tid
}

// IsReady reports whether an AppKey has been bound.
func (s *SessionState) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appIdx != KeyUnused
}

// Credentials returns a copy of the current session.
func (s *SessionState) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Credentials{
		NetIdx: s.netIdx,
		AppIdx: s.appIdx,
		TID:    s.tid,
		Ready:  s.appIdx != KeyUnused,
	}
}

// persistLocked writes rec. Caller must hold s.mu.
func (s *SessionState) persistLocked(ctx context.Context, rec sessionRecord) error {
	data, err := sessionEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding mesh session: %w", err)
	}
	if err := s.store.Store(ctx, SessionNamespace, SessionKey, data); err != nil {
		return fmt.Errorf("storing mesh session: %w", err)
	}
	return nil
}

func hex16(v uint16) string {
	return fmt.Sprintf("0x%04x", v)
}
