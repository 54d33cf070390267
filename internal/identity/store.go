package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"livechat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketSession = []byte("session")
	keyIdentity   = []byte("identity")
)

// record is the persisted form of the signed-in identity.
type record struct {
	ID             string `msgpack:"id"`
	Username       string `msgpack:"username"`
	FullName       string `msgpack:"fullName"`
	ProfilePicture string `msgpack:"profilePicture"`
	SavedAt        int64  `msgpack:"savedAt"`
}

func (r *record) MarshalBinary() ([]byte, error) {
	type alias record
	return msgpack.Marshal((*alias)(r))
}

func (r *record) UnmarshalBinary(data []byte) error {
	type alias record
	return msgpack.Unmarshal(data, (*alias)(r))
}

// lockTimeout bounds the wait for another process holding the session file.
const lockTimeout = time.Second

// Store is the session storage: it remembers who is signed in across restarts
// and tells watchers when that changes. A nil identity means signed out.
//
// The database is opened per operation so that several processes can share a
// session file: a logout from one is visible to Current in the others.
type Store struct {
	path string

	mu       sync.Mutex
	nextID   uint64
	watchers map[uint64]func(*models.Identity)
}

func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		watchers: make(map[uint64]func(*models.Identity)),
	}
	err := s.update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return s, nil
}

// Close drops all watchers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.watchers)
	return nil
}

func (s *Store) view(fn func(*bbolt.Tx) error) error {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: lockTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open session db: %w", err)
	}
	defer func() { _ = db.Close() }()
	return db.View(fn)
}

func (s *Store) update(fn func(*bbolt.Tx) error) error {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return fmt.Errorf("failed to open session db: %w", err)
	}
	defer func() { _ = db.Close() }()
	return db.Update(fn)
}

// Current returns the signed-in identity or nil.
func (s *Store) Current() (*models.Identity, error) {
	var current *models.Identity
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keyIdentity)
		if data == nil {
			return nil
		}
		var r record
		if err := r.UnmarshalBinary(data); err != nil {
			return err
		}
		current = &models.Identity{
			ID:             r.ID,
			Username:       r.Username,
			FullName:       r.FullName,
			ProfilePicture: r.ProfilePicture,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return current, nil
}

// Save records a login.
func (s *Store) Save(identity models.Identity) error {
	if identity.ID == "" {
		return errors.New("identity id is required")
	}

	r := &record{
		ID:             identity.ID,
		Username:       identity.Username,
		FullName:       identity.FullName,
		ProfilePicture: identity.ProfilePicture,
		SavedAt:        time.Now().UnixMilli(),
	}
	err := s.update(func(tx *bbolt.Tx) error {
		data, err := r.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSession).Put(keyIdentity, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.notify(&identity)
	return nil
}

// Clear records a logout.
func (s *Store) Clear() error {
	err := s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyIdentity)
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	s.notify(nil)
	return nil
}

// Watch calls fn with the current identity and again after every Save or Clear.
// Wiring it to realtime.Manager.Ensure closes the connection on logout.
func (s *Store) Watch(fn func(*models.Identity)) (func(), error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
		})
	}, nil
}

func (s *Store) notify(identity *models.Identity) {
	s.mu.Lock()
	watchers := make([]func(*models.Identity), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		if identity == nil {
			fn(nil)
			continue
		}
		copied := *identity
		fn(&copied)
	}
}
