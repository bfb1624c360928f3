package security

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/counselbridge/case-chat-service/internal/model"
	"github.com/counselbridge/case-chat-service/internal/registry/cache"
	"github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAccountStore implements the account lookup half of store.ChatStore.
type fakeAccountStore struct {
	store.ChatStore
	client       *model.ClientAccount
	professional *model.ProfessionalAccount
	lookups      atomic.Int32
}

func (f *fakeAccountStore) GetClientAccountByIdentity(ctx context.Context, identityToken string) (*model.ClientAccount, error) {
	f.lookups.Add(1)
	return f.client, nil
}

func (f *fakeAccountStore) GetProfessionalAccountByIdentity(ctx context.Context, identityToken string) (*model.ProfessionalAccount, error) {
	f.lookups.Add(1)
	return f.professional, nil
}

func TestViewerResolver_ClientWinsWithoutHint(t *testing.T) {
	st := &fakeAccountStore{
		client:       &model.ClientAccount{ID: 7},
		professional: &model.ProfessionalAccount{ID: 9},
	}
	r := NewViewerResolver(st, nil, 0)

	viewer, err := r.Resolve(context.Background(), "dual-role-token", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleClient, viewer.Role)
	assert.Equal(t, int64(7), viewer.AccountID)
}

func TestViewerResolver_ProfessionalHintWins(t *testing.T) {
	st := &fakeAccountStore{
		client:       &model.ClientAccount{ID: 7},
		professional: &model.ProfessionalAccount{ID: 9},
	}
	r := NewViewerResolver(st, nil, 0)

	viewer, err := r.Resolve(context.Background(), "dual-role-token", model.RoleProfessional)
	require.NoError(t, err)
	assert.Equal(t, model.RoleProfessional, viewer.Role)
	assert.Equal(t, int64(9), viewer.AccountID)
}

func TestViewerResolver_HintForMissingAccountFallsThrough(t *testing.T) {
	st := &fakeAccountStore{professional: &model.ProfessionalAccount{ID: 9}}
	r := NewViewerResolver(st, nil, 0)

	// Client hint with no client account falls back to the professional.
	viewer, err := r.Resolve(context.Background(), "pro-only-token", model.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, model.RoleProfessional, viewer.Role)
	assert.Equal(t, int64(9), viewer.AccountID)
}

func TestViewerResolver_UnknownHintIgnored(t *testing.T) {
	st := &fakeAccountStore{client: &model.ClientAccount{ID: 7}}
	r := NewViewerResolver(st, nil, 0)

	viewer, err := r.Resolve(context.Background(), "client-token", model.ParseRole("paralegal"))
	require.NoError(t, err)
	assert.Equal(t, model.RoleClient, viewer.Role)
}

func TestViewerResolver_NoProfileIsNotFound(t *testing.T) {
	r := NewViewerResolver(&fakeAccountStore{}, nil, 0)

	_, err := r.Resolve(context.Background(), "stranger-token", "")
	require.Error(t, err)
	var notFound *store.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// memoryViewerCache is an in-process ViewerCache for tests.
type memoryViewerCache struct {
	entries map[string]cache.CachedAccounts
}

func (m *memoryViewerCache) Available() bool { return true }

func (m *memoryViewerCache) Get(ctx context.Context, identityToken string) (*cache.CachedAccounts, error) {
	if entry, ok := m.entries[identityToken]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (m *memoryViewerCache) Set(ctx context.Context, identityToken string, accounts cache.CachedAccounts, ttl time.Duration) error {
	m.entries[identityToken] = accounts
	return nil
}

func (m *memoryViewerCache) Remove(ctx context.Context, identityToken string) error {
	delete(m.entries, identityToken)
	return nil
}

func TestViewerResolver_CacheSkipsStoreOnRepeat(t *testing.T) {
	st := &fakeAccountStore{client: &model.ClientAccount{ID: 7}}
	vc := &memoryViewerCache{entries: map[string]cache.CachedAccounts{}}
	r := NewViewerResolver(st, vc, time.Minute)

	first, err := r.Resolve(context.Background(), "client-token", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), st.lookups.Load())

	second, err := r.Resolve(context.Background(), "client-token", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), st.lookups.Load(), "second resolution should be served from cache")
	assert.Equal(t, first, second)
}
