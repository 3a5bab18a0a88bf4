package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cytovae/artifact"
)

// mockDDBClient is an in-memory DynamoDB mock with conditional put support.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue // base_uri:version -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := params.Item["version"].(*types.AttributeValueMemberN).Value
	key := baseURI + ":" + version

	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == baseURI {
			items = append(items, item)
		}
	}

	// Sort descending by numeric version, as ScanIndexForward=false would.
	for i := 0; i < len(items)-1; i++ {
		for j := i + 1; j < len(items); j++ {
			vi, _ := strconv.Atoi(items[i]["version"].(*types.AttributeValueMemberN).Value)
			vj, _ := strconv.Atoi(items[j]["version"].(*types.AttributeValueMemberN).Value)
			if vi < vj {
				items[i], items[j] = items[j], items[i]
			}
		}
	}

	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}

	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestCommitStore(ddb *mockDDBClient, baseURI string) *CommitStore {
	s3Store := &Store{
		client: &MockS3Client{},
		bucket: "test-bucket",
		prefix: "ckpt/",
	}
	return NewCommitStore(s3Store, ddb, "cytovae-commits", baseURI)
}

func TestCommitStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCommitStore(ddb, "s3://test-bucket/ckpt/")

	err := store.Put(ctx, artifact.LatestPointer, []byte("supp-t0/epoch-0001"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, artifact.LatestPointer)
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, "supp-t0/epoch-0001", string(buf[:n]))
}

func TestCommitStore_MultipleCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCommitStore(ddb, "s3://test-bucket/ckpt/")

	for i := 1; i <= 3; i++ {
		err := artifact.SetLatest(ctx, store, fmt.Sprintf("supp-t0/epoch-%04d", i))
		require.NoError(t, err)
	}

	key, err := artifact.Latest(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "supp-t0/epoch-0003", key)
}

func TestCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCommitStore(ddb, "s3://test-bucket/ckpt/")

	require.NoError(t, artifact.SetLatest(ctx, store, "supp-t0/epoch-0001"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	conflicts := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := artifact.SetLatest(ctx, store, fmt.Sprintf("supp-t0/epoch-%04d", id+2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrConcurrentCommit):
				conflicts++
			case err == nil:
				successes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	assert.Greater(t, successes, 0, "at least one writer should succeed")
	t.Logf("successes: %d, conflicts: %d", successes, conflicts)
}

func TestCommitStore_NotFoundBeforeCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := newTestCommitStore(ddb, "s3://test-bucket/ckpt/")

	_, err := store.Open(ctx, artifact.LatestPointer)
	require.ErrorIs(t, err, artifact.ErrNotFound)

	_, err = artifact.Latest(ctx, store)
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	store1 := newTestCommitStore(ddb, "s3://bucket-a/ckpt/")
	store2 := newTestCommitStore(ddb, "s3://bucket-b/ckpt/")

	require.NoError(t, artifact.SetLatest(ctx, store1, "run-a/epoch-0001"))
	require.NoError(t, artifact.SetLatest(ctx, store2, "run-b/epoch-0001"))

	key1, err := artifact.Latest(ctx, store1)
	require.NoError(t, err)
	assert.Equal(t, "run-a/epoch-0001", key1)

	key2, err := artifact.Latest(ctx, store2)
	require.NoError(t, err)
	assert.Equal(t, "run-b/epoch-0001", key2)
}

func TestCommitStore_PassThrough(t *testing.T) {
	ctx := context.Background()
	mockClient := new(MockS3Client)
	s3Store := NewStore(mockClient, "test-bucket", "ckpt")
	store := NewCommitStore(s3Store, newMockDDBClient(), "cytovae-commits", "s3://test-bucket/ckpt/")

	mockClient.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Key == "ckpt/old.bin"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, store.Delete(ctx, "old.bin"))
	mockClient.AssertExpectations(t)
}
