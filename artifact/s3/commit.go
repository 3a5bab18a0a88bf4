package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/cytovae/artifact"
)

// ErrConcurrentCommit is returned when another writer committed a checkpoint
// pointer update first.
var ErrConcurrentCommit = errors.New("concurrent checkpoint commit detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore implements artifact.Store backed by S3 with DynamoDB for atomic
// LATEST pointer commits, enabling safe concurrent training jobs writing to
// one checkpoint prefix.
//
// S3 offers no compare-and-swap, so the pointer to the newest checkpoint is
// versioned in DynamoDB instead: every commit writes a new monotonically
// increasing version row with a conditional put, and readers resolve LATEST
// from the highest committed row. All other artifacts pass through to S3
// unchanged.
//
// Table schema:
//   - Partition key: base_uri (string) - the s3://bucket/prefix of this store
//   - Sort key: version (number) - monotonically increasing commit version
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name cytovae-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	store     *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore wraps an S3 store with DynamoDB-committed LATEST updates.
// baseURI should be the "s3://bucket/prefix" of the wrapped store; it is used
// as the partition key.
func NewCommitStore(store *Store, ddbClient DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		store:     store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens an artifact for reading. The LATEST pointer is resolved from
// DynamoDB instead of S3.
func (s *CommitStore) Open(ctx context.Context, name string) (artifact.Blob, error) {
	if name == artifact.LatestPointer {
		version, key, err := s.latestVersion(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, artifact.ErrNotFound
		}
		return &pointerBlob{content: []byte(key)}, nil
	}
	return s.store.Open(ctx, name)
}

// Create creates an artifact for streaming writes.
func (s *CommitStore) Create(ctx context.Context, name string) (artifact.WritableBlob, error) {
	return s.store.Create(ctx, name)
}

// Put writes an artifact. Updates to the LATEST pointer become conditional
// DynamoDB writes.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == artifact.LatestPointer {
		return s.commit(ctx, string(data))
	}
	return s.store.Put(ctx, name, data)
}

// Delete removes an artifact.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

// List returns the names of all artifacts with the given prefix, sorted.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}

// latestVersion queries DynamoDB for the highest committed version.
func (s *CommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: failed to query commit table: %w", err)
	}

	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: invalid version attribute in commit table")
	}
	keyAttr, ok := item["checkpoint_key"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: invalid checkpoint_key attribute in commit table")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("s3: failed to parse commit version: %w", err)
	}
	return version, keyAttr.Value, nil
}

// commit writes the next version row with a conditional put.
func (s *CommitStore) commit(ctx context.Context, checkpointKey string) error {
	currentVersion, _, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	newVersion := currentVersion + 1

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":       &types.AttributeValueMemberS{Value: s.baseURI},
			"version":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newVersion)},
			"checkpoint_key": &types.AttributeValueMemberS{Value: checkpointKey},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("s3: failed to commit checkpoint pointer: %w", err)
	}
	return nil
}

// pointerBlob serves the resolved LATEST pointer content from memory.
type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) Close() error {
	return nil
}

func (b *pointerBlob) Size() int64 {
	return int64(len(b.content))
}

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *pointerBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.content)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := off + length
	if end > int64(len(b.content)) {
		end = int64(len(b.content))
	}
	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
