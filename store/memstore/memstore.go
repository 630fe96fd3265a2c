// Package memstore provides an in-memory reference implementation of
// store.Storage, grounded on storage/memory/memory.go in the teacher
// repository: a mutex-guarded map plus a tx(func()) helper. It is suitable
// as the daemon's default backend for tests and for small deployments; a
// persistence format is explicitly not mandated by spec.md §1, so this is
// the only Storage implementation SPEC_FULL.md ships.
package memstore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sailfishos/signond-go/store"
)

var _ store.Storage = (*memStorage)(nil)

type methodData map[string]map[string]store.Value // method -> blob

type memStorage struct {
	mu sync.Mutex

	nextID uint32

	identities  map[uint32]store.Identity
	data        map[uint32]methodData
	secretsOpen bool

	subs    map[int]chan uint32
	nextSub int

	logger logrus.FieldLogger
}

// New returns a fresh in-memory store. secretsOpen models whether the
// underlying secrets database starts unlocked.
func New(logger logrus.FieldLogger, secretsOpen bool) store.Storage {
	return &memStorage{
		nextID:      1,
		identities:  make(map[uint32]store.Identity),
		data:        make(map[uint32]methodData),
		secretsOpen: secretsOpen,
		subs:        make(map[int]chan uint32),
		logger:      logger.WithField("component", "memstore"),
	}
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) publishLocked(id uint32) {
	for _, ch := range s.subs {
		select {
		case ch <- id:
		default:
			// Slow subscriber: drop rather than block the mutation path,
			// matching the teacher's broadcast-is-best-effort convention
			// for non-critical signals.
			s.logger.WithField("identity_id", id).Warn("dropped credentials_updated notification to a slow subscriber")
		}
	}
}

func (s *memStorage) Subscribe() (<-chan uint32, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan uint32, 16)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *memStorage) Credentials(_ context.Context, id uint32, wantSecret bool) (store.Identity, error) {
	var out store.Identity
	var err error
	s.tx(func() {
		ident, ok := s.identities[id]
		if !ok {
			err = store.ErrNotFound
			return
		}
		out = ident.Clone()
		if !wantSecret {
			out.Secret = ""
		}
	})
	return out, err
}

func (s *memStorage) Insert(_ context.Context, identity store.Identity) (uint32, error) {
	var assigned uint32
	s.tx(func() {
		assigned = s.nextID
		s.nextID++
		identity.ID = assigned
		s.identities[assigned] = identity.Clone()
		s.publishLocked(assigned)
	})
	return assigned, nil
}

func (s *memStorage) Update(_ context.Context, identity store.Identity) error {
	var err error
	s.tx(func() {
		if _, ok := s.identities[identity.ID]; !ok {
			err = store.ErrNotFound
			return
		}
		s.identities[identity.ID] = identity.Clone()
		s.publishLocked(identity.ID)
	})
	return err
}

func (s *memStorage) Remove(_ context.Context, id uint32) error {
	var err error
	s.tx(func() {
		if _, ok := s.identities[id]; !ok {
			err = store.ErrNotFound
			return
		}
		delete(s.identities, id)
		delete(s.data, id)
		s.publishLocked(id)
	})
	return err
}

func (s *memStorage) CheckPassword(_ context.Context, id uint32, userName, secret string) (bool, error) {
	var ok bool
	var err error
	s.tx(func() {
		ident, found := s.identities[id]
		if !found {
			err = store.ErrNotFound
			return
		}
		ok = ident.UserName == userName && ident.Secret == secret
	})
	return ok, err
}

func (s *memStorage) LoadData(_ context.Context, id uint32, method string) (map[string]store.Value, error) {
	var out map[string]store.Value
	s.tx(func() {
		blob, ok := s.data[id][method]
		if !ok {
			out = map[string]store.Value{}
			return
		}
		out = make(map[string]store.Value, len(blob))
		for k, v := range blob {
			out[k] = v
		}
	})
	return out, nil
}

func (s *memStorage) StoreData(_ context.Context, id uint32, method string, blob map[string]store.Value) error {
	s.tx(func() {
		if s.data[id] == nil {
			s.data[id] = make(methodData)
		}
		cp := make(map[string]store.Value, len(blob))
		for k, v := range blob {
			cp[k] = v
		}
		s.data[id][method] = cp
		s.publishLocked(id)
	})
	return nil
}

func (s *memStorage) AddReference(_ context.Context, id uint32, ref store.Reference) error {
	var err error
	s.tx(func() {
		ident, ok := s.identities[id]
		if !ok {
			err = store.ErrNotFound
			return
		}
		for _, r := range ident.References {
			if r == ref {
				return // idempotent: already present
			}
		}
		ident.References = append(ident.References, ref)
		s.identities[id] = ident
		s.publishLocked(id)
	})
	return err
}

func (s *memStorage) RemoveReference(_ context.Context, id uint32, ref store.Reference) error {
	var err error
	s.tx(func() {
		ident, ok := s.identities[id]
		if !ok {
			err = store.ErrNotFound
			return
		}
		idx := -1
		for i, r := range ident.References {
			if r == ref {
				idx = i
				break
			}
		}
		if idx < 0 {
			err = store.ErrNotFound
			return
		}
		ident.References = append(ident.References[:idx], ident.References[idx+1:]...)
		s.identities[id] = ident
		s.publishLocked(id)
	})
	return err
}

func matchField(pattern, value string) bool {
	return pattern == "" || pattern == value
}

// QueryIdentities implements exact-match filtering: a non-empty pattern
// must equal the identity's field verbatim, and AuthMethod must name one of
// the identity's configured methods. This is the simplest matching
// semantics that satisfies spec.md §6 ("the semantics of matching are not
// part of the daemon core") for the in-memory reference Store.
func (s *memStorage) QueryIdentities(_ context.Context, filter store.IdentityFilter) ([]store.Identity, error) {
	var out []store.Identity
	s.tx(func() {
		for _, ident := range s.identities {
			if !matchField(filter.Username, ident.UserName) {
				continue
			}
			if !matchField(filter.Caption, ident.Caption) {
				continue
			}
			if filter.Realm != "" {
				found := false
				for _, r := range ident.Realms {
					if r == filter.Realm {
						found = true
						break
					}
				}
				if !found {
					continue
				}
			}
			if filter.AuthMethod != "" {
				if _, ok := ident.Methods[filter.AuthMethod]; !ok {
					continue
				}
			}
			out = append(out, ident.WithoutSecret())
		}
	})
	return out, nil
}

func (s *memStorage) IsSecretsDBOpen(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secretsOpen
}

// SetSecretsDBOpen lets tests simulate lock/unlock.
func (s *memStorage) SetSecretsDBOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretsOpen = open
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	return nil
}
