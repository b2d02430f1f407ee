package batch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CertMailer/internal/models"
	"CertMailer/internal/queue"
	"CertMailer/internal/vault"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v, err := vault.NewRandom()
	require.NoError(t, err)
	q := queue.New(rdb, zap.NewNop(), 3, time.Second, 24*time.Hour)
	return NewCoordinator(rdb, q, v, 24*time.Hour, zap.NewNop()), mr
}

func testBundle() models.CredentialBundle {
	return models.CredentialBundle{
		Provider:     models.ProviderGmail,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestCreateBatchStatusHasOneEntryPerRecipient(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	recipients := []models.Recipient{
		{"email": "a@x.com", "name": "Ada"},
		{"email": "b@x.com", "name": "Bob"},
		{"name": "no address"},
	}
	tpl := &models.Template{Objects: []models.Element{}}

	batchID, count, err := c.CreateBatch(ctx, tpl, recipients, "Subj", "Body", testBundle())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NotEmpty(t, batchID)

	views, err := c.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, views, 3)
	for _, v := range views {
		assert.Equal(t, models.StateQueued, v.Status)
	}
}

func TestCreateBatchRejectsEmptyRecipients(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, _, err := c.CreateBatch(context.Background(), &models.Template{}, nil, "S", "B", testBundle())
	assert.Error(t, err)
}

func TestBatchMembershipExpires(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	batchID, _, err := c.CreateBatch(ctx, &models.Template{}, []models.Recipient{{"email": "a@x.com"}}, "S", "B", testBundle())
	require.NoError(t, err)

	ttl := mr.TTL(batchKey(batchID))
	assert.Equal(t, 24*time.Hour, ttl)

	mr.FastForward(25 * time.Hour)

	views, err := c.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestGetBatchStatusSkipsEvictedJobs(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	batchID, _, err := c.CreateBatch(ctx, &models.Template{},
		[]models.Recipient{{"email": "a@x.com"}, {"email": "b@x.com"}},
		"S", "B", testBundle())
	require.NoError(t, err)

	// Evict one job hash; its id still sits in the batch set.
	ids, err := c.rdb.SMembers(ctx, batchKey(batchID)).Result()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	mr.Del("job:" + ids[0])

	views, err := c.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestGetBatchStatusSkipsMalformedJobs(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	batchID, _, err := c.CreateBatch(ctx, &models.Template{},
		[]models.Recipient{{"email": "a@x.com"}, {"email": "b@x.com"}},
		"S", "B", testBundle())
	require.NoError(t, err)

	// Corrupt one job's payload in place; the rest of the batch must still
	// report rather than the whole query erroring out.
	ids, err := c.rdb.SMembers(ctx, batchKey(batchID)).Result()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	mr.HSet("job:"+ids[0], "payload", "{not json")

	views, err := c.GetBatchStatus(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ids[1], views[0].ID)
}

func TestGetBatchStatusUnknownBatch(t *testing.T) {
	c, _ := newTestCoordinator(t)

	views, err := c.GetBatchStatus(context.Background(), "no-such-batch")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestCreateBatchEncryptsCredentialsOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	batchID, _, err := c.CreateBatch(ctx, &models.Template{},
		[]models.Recipient{{"email": "a@x.com"}, {"email": "b@x.com"}},
		"S", "B", testBundle())
	require.NoError(t, err)

	ids, err := c.rdb.SMembers(ctx, batchKey(batchID)).Result()
	require.NoError(t, err)

	// Every job carries the same encrypted bundle, and never the plaintext.
	var bundles []string
	for _, id := range ids {
		payload, err := c.rdb.HGet(ctx, "job:"+id, "payload").Result()
		require.NoError(t, err)
		assert.NotContains(t, payload, `"access_token":"at"`)

		var spec models.JobSpec
		require.NoError(t, json.Unmarshal([]byte(payload), &spec))
		bundles = append(bundles, spec.EncryptedCredentials)
	}
	require.Len(t, bundles, 2)
	assert.Equal(t, bundles[0], bundles[1])
}
