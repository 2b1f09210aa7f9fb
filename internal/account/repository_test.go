package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

func newTestRepo(t *testing.T) *Repository {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return NewRepository(s, cipher, zap.NewNop())
}

func testEnvelope() domain.OAuthEnvelope {
	return domain.OAuthEnvelope{
		AccessToken:  "access-token-1",
		RefreshToken: "refresh-token-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	acct, err := repo.Create(ctx, CreateInput{
		Name:     "main",
		Provider: domain.ProviderClaudeOAuth,
		Envelope: testEnvelope(),
		Priority: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, acct.ID)

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, domain.ProviderClaudeOAuth, got.Provider)
	assert.Equal(t, domain.AccountStateActive, got.State)
	assert.False(t, got.TokenExpiresAt.IsZero(), "projection must carry token expiry")
}

func TestGetMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	env := testEnvelope()
	acct, err := repo.Create(ctx, CreateInput{
		Name: "a", Provider: domain.ProviderClaudeOAuth, Envelope: env,
	})
	require.NoError(t, err)

	loaded, err := repo.LoadEnvelope(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, env.AccessToken, loaded.AccessToken)
	assert.Equal(t, env.RefreshToken, loaded.RefreshToken)
	assert.True(t, env.ExpiresAt.Equal(loaded.ExpiresAt))

	// 元数据投影不包含凭证明文
	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.LastError, "access-token")
}

func TestSaveEnvelopeUpdatesProjection(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	acct, err := repo.Create(ctx, CreateInput{
		Name: "a", Provider: domain.ProviderClaudeOAuth, Envelope: testEnvelope(),
	})
	require.NoError(t, err)

	rotated := testEnvelope()
	rotated.AccessToken = "rotated"
	rotated.ExpiresAt = time.Now().Add(8 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.SaveEnvelope(ctx, acct.ID, &rotated))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, rotated.ExpiresAt.Equal(got.TokenExpiresAt))

	loaded, err := repo.LoadEnvelope(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", loaded.AccessToken)
}

func TestSetState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	acct, err := repo.Create(ctx, CreateInput{
		Name: "a", Provider: domain.ProviderClaudeOAuth, Envelope: testEnvelope(),
	})
	require.NoError(t, err)

	until := time.Now().Add(2 * time.Minute)
	require.NoError(t, repo.SetState(ctx, acct.ID, domain.AccountStateRateLimited, until, "upstream 429"))

	got, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStateRateLimited, got.State)
	assert.Equal(t, "upstream 429", got.LastError)
	assert.False(t, got.Usable(time.Now()))
	assert.True(t, got.Usable(until.Add(time.Second)), "usable again after cooldown")
}

func TestListCachesAndInvalidates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, CreateInput{Name: "a", Provider: domain.ProviderClaudeOAuth, Envelope: testEnvelope()})
	require.NoError(t, err)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.Create(ctx, CreateInput{Name: "b", Provider: domain.ProviderGemini, Envelope: testEnvelope()})
	require.NoError(t, err)

	list, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "creation must invalidate the snapshot")

	byProvider, err := repo.ListByProvider(ctx, domain.ProviderGemini)
	require.NoError(t, err)
	assert.Len(t, byProvider, 1)
	assert.Equal(t, "b", byProvider[0].Name)
}

func TestGroups(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	group := &domain.AccountGroup{Name: "pool-a", Members: []string{"1", "2"}}
	require.NoError(t, repo.SaveGroup(ctx, group))
	require.NotEmpty(t, group.ID)
	assert.Equal(t, domain.PolicyPriority, group.Policy, "default policy applied")

	got, err := repo.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got.Members)

	groups, err := repo.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, repo.DeleteGroup(ctx, group.ID))
	_, err = repo.GetGroup(ctx, group.ID)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	acct, err := repo.Create(ctx, CreateInput{Name: "a", Provider: domain.ProviderClaudeOAuth, Envelope: testEnvelope()})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, acct.ID))
	_, err = repo.Get(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = repo.LoadEnvelope(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
