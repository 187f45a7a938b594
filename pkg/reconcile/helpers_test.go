package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
	"github.com/StricklySoft/clinic-auth/pkg/provider"
)

var t0 = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// fakeDirectory is an in-memory provider. Users are listed in insertion
// order, pageSize per page.
type fakeDirectory struct {
	mu       sync.Mutex
	users    []provider.User
	pageSize int

	listErr    map[string]error // by page token
	disableErr map[string]error // by user id
	deleteErr  map[string]error // by user id

	disabled []string
	deleted  []string

	// onDisable runs after a user is disabled.
	onDisable func(id string)
}

func newFakeDirectory(users ...provider.User) *fakeDirectory {
	return &fakeDirectory{
		users:      users,
		pageSize:   2,
		listErr:    map[string]error{},
		disableErr: map[string]error{},
		deleteErr:  map[string]error{},
	}
}

func (d *fakeDirectory) ListUsers(_ context.Context, pageToken string) (*provider.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.listErr[pageToken]; err != nil {
		return nil, err
	}
	start := 0
	if pageToken != "" {
		start, _ = strconv.Atoi(pageToken)
	}
	end := min(start+d.pageSize, len(d.users))
	page := &provider.Page{Users: append([]provider.User(nil), d.users[start:end]...)}
	if end < len(d.users) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (d *fakeDirectory) DisableUser(_ context.Context, id string) error {
	d.mu.Lock()
	if err := d.disableErr[id]; err != nil {
		d.mu.Unlock()
		return err
	}
	found := false
	for i := range d.users {
		if d.users[i].ID == id {
			d.users[i].Disabled = true
			found = true
		}
	}
	d.disabled = append(d.disabled, id)
	hook := d.onDisable
	d.mu.Unlock()
	if !found {
		return sserr.New(sserr.CodeNotFoundProviderIdentity, "no such user")
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

func (d *fakeDirectory) DeleteUser(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deleteErr[id]; err != nil {
		return err
	}
	for i := range d.users {
		if d.users[i].ID == id {
			if !d.users[i].Disabled {
				panic("deleting a provider user that was never disabled: " + id)
			}
			d.users = append(d.users[:i], d.users[i+1:]...)
			d.deleted = append(d.deleted, id)
			return nil
		}
	}
	return sserr.New(sserr.CodeNotFoundProviderIdentity, "no such user")
}

func (d *fakeDirectory) remaining() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.users))
	for _, u := range d.users {
		ids = append(ids, u.ID)
	}
	return ids
}

// memIdentities is an in-memory identity.IdentityStore.
type memIdentities struct {
	mu       sync.Mutex
	byID     map[string]identity.LocalIdentity
	findErr  map[string]error // by external id or email
	listErr  error
	mutation int
}

func newMemIdentities(seed ...identity.LocalIdentity) *memIdentities {
	m := &memIdentities{byID: map[string]identity.LocalIdentity{}, findErr: map[string]error{}}
	for _, li := range seed {
		m.byID[li.ID] = li
	}
	return m
}

func (m *memIdentities) add(li identity.LocalIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[li.ID] = li
}

func (m *memIdentities) find(match func(identity.LocalIdentity) bool) (*identity.LocalIdentity, error) {
	for _, li := range m.byID {
		if match(li) {
			return &li, nil
		}
	}
	return nil, sserr.New(sserr.CodeNotFoundIdentity, "identity not found")
}

func (m *memIdentities) FindByExternalID(_ context.Context, ext string) (*identity.LocalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.findErr[ext]; err != nil {
		return nil, err
	}
	return m.find(func(li identity.LocalIdentity) bool { return li.ExternalIDValue() == ext })
}

func (m *memIdentities) FindByEmail(_ context.Context, email string) (*identity.LocalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.findErr[email]; err != nil {
		return nil, err
	}
	return m.find(func(li identity.LocalIdentity) bool { return li.EmailValue() == email })
}

func (m *memIdentities) FindByID(_ context.Context, id string) (*identity.LocalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(li identity.LocalIdentity) bool { return li.ID == id })
}

func (m *memIdentities) LinkExternalID(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutation++
	return nil
}

func (m *memIdentities) CreateIfAbsent(context.Context, identity.LocalIdentity) (*identity.LocalIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutation++
	return nil, false, sserr.New(sserr.CodeInternal, "not used")
}

func (m *memIdentities) TouchLastAuthenticated(context.Context, string, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutation++
	return nil
}

func (m *memIdentities) ListLinked(_ context.Context, afterID string, limit int) ([]identity.LocalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var linked []identity.LocalIdentity
	for _, li := range m.byID {
		if li.ExternalID != nil && li.ID > afterID {
			linked = append(linked, li)
		}
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i].ID < linked[j].ID })
	if len(linked) > limit {
		linked = linked[:limit]
	}
	return linked, nil
}

// memCreds is an in-memory identity.CredentialStore.
type memCreds struct {
	mu        sync.Mutex
	byToken   map[string]identity.Credential
	listErr   map[string]error // by owner
	ownersErr error
}

func newMemCreds(seed ...identity.Credential) *memCreds {
	m := &memCreds{byToken: map[string]identity.Credential{}, listErr: map[string]error{}}
	for _, c := range seed {
		m.byToken[c.Token] = c
	}
	return m
}

func (m *memCreds) InsertCredential(_ context.Context, c identity.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[c.Token] = c
	return nil
}

func (m *memCreds) FindCredential(_ context.Context, token string) (*identity.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byToken[token]
	if !ok {
		return nil, sserr.New(sserr.CodeNotFoundCredential, "credential not found")
	}
	return &c, nil
}

func (m *memCreds) ListOwnersWithDuplicateActive(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownersErr != nil {
		return nil, m.ownersErr
	}
	counts := map[string]int{}
	for _, c := range m.byToken {
		if c.IsActive(now) {
			counts[c.OwnerID]++
		}
	}
	var owners []string
	for owner, n := range counts {
		if n > 1 {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// ListActiveCredentials deliberately returns oldest first; the job must
// not depend on the store's ordering.
func (m *memCreds) ListActiveCredentials(_ context.Context, owner string, now time.Time) ([]identity.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[owner]; err != nil {
		return nil, err
	}
	var active []identity.Credential
	for _, c := range m.byToken {
		if c.OwnerID == owner && c.IsActive(now) {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].IssuedAt.Before(active[j].IssuedAt) })
	return active, nil
}

func (m *memCreds) RevokeCredentials(_ context.Context, tokens []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, tok := range tokens {
		c, ok := m.byToken[tok]
		if !ok || c.Revoked {
			continue
		}
		c.Revoked = true
		c.RevokedAt = &at
		m.byToken[tok] = c
		n++
	}
	return n, nil
}

func (m *memCreds) activeTokens(owner string, now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var toks []string
	for _, c := range m.byToken {
		if c.OwnerID == owner && c.IsActive(now) {
			toks = append(toks, c.Token)
		}
	}
	sort.Strings(toks)
	return toks
}

type fakeRecorder struct {
	mu        sync.Mutex
	actions   map[string]int
	durations map[string]int
	failures  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{actions: map[string]int{}, durations: map[string]int{}, failures: map[string]int{}}
}

func (r *fakeRecorder) Action(job, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[job+"/"+action]++
}

func (r *fakeRecorder) RunDuration(job string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[job]++
	if err != nil {
		r.failures[job]++
	}
}

func (r *fakeRecorder) action(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actions[key]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
