// Package directory resolves the contacts and owning users that queue
// entries point at. The directory is read-only from the queue's side.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a contact or user does not exist.
var ErrNotFound = errors.New("directory record not found")

// Contact is a remote peer that entries are delivered to.
type Contact struct {
	ID      int64  `json:"id"`
	UID     int64  `json:"uid"` // owning local user
	Name    string `json:"name"`
	Nick    string `json:"nick,omitempty"`
	URL     string `json:"url"`              // profile URL, used to find the server root
	Notify  string `json:"notify,omitempty"` // inbox / notify endpoint
	Batch   string `json:"batch,omitempty"`  // shared public inbox
	Network string `json:"network"`          // protocol family tag
}

// User is the local account on whose behalf delivery happens.
type User struct {
	UID      int64  `json:"uid"`
	Nickname string `json:"nickname"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
}

// ContactSource looks contacts up by id.
type ContactSource interface {
	Contact(ctx context.Context, id int64) (Contact, error)
}

// UserSource looks users up by uid.
type UserSource interface {
	User(ctx context.Context, uid int64) (User, error)
}

// Directory resolves both contacts and users.
type Directory interface {
	ContactSource
	UserSource
}

// Composite joins separate contact and user sources, e.g. contacts in SQL
// and users in LDAP.
type Composite struct {
	Contacts ContactSource
	Users    UserSource
}

// Contact implements ContactSource
func (c Composite) Contact(ctx context.Context, id int64) (Contact, error) {
	return c.Contacts.Contact(ctx, id)
}

// User implements UserSource
func (c Composite) User(ctx context.Context, uid int64) (User, error) {
	return c.Users.User(ctx, uid)
}

// Static is an in-memory Directory.
type Static struct {
	mu       sync.RWMutex
	contacts map[int64]Contact
	users    map[int64]User
}

// NewStatic creates an empty in-memory directory
func NewStatic() *Static {
	return &Static{
		contacts: make(map[int64]Contact),
		users:    make(map[int64]User),
	}
}

// AddContact inserts or replaces a contact
func (s *Static) AddContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

// RemoveContact deletes a contact
func (s *Static) RemoveContact(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, id)
}

// AddUser inserts or replaces a user
func (s *Static) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UID] = u
}

// Contact implements ContactSource
func (s *Static) Contact(_ context.Context, id int64) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

// User implements UserSource
func (s *Static) User(_ context.Context, uid int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
