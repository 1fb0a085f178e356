package dramanotify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// StorageOption configures the SeenState store backend.
type StorageOption struct {
	Type       string `help:"storage type" default:"file" enum:"file,dynamodb" env:"DRAMANOTIFY_STORAGE_TYPE"`
	TableName  string `help:"dynamodb table name" default:"dramanotify" env:"DRAMANOTIFY_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"DRAMANOTIFY_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file storage data file" default:"dramanotify.dat" env:"DRAMANOTIFY_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"dramanotify.lock" env:"DRAMANOTIFY_FILE_STORAGE_LOCK_FILE"`
}

// SeenState is the durable record of episode keys already observed for one
// user. It only grows; the reset command is the single deletion path.
type SeenState struct {
	UserKey   string
	Seen      map[string]time.Time // episode key -> first observed at
	UpdatedAt time.Time
}

// NewSeenState returns an empty state for the given user key.
func NewSeenState(userKey string) *SeenState {
	return &SeenState{
		UserKey: userKey,
		Seen:    make(map[string]time.Time),
	}
}

// Has reports whether the episode key was observed in a previous run.
func (s *SeenState) Has(key string) bool {
	if s == nil || s.Seen == nil {
		return false
	}
	_, ok := s.Seen[key]
	return ok
}

// Union records every key of records, keeping existing first-seen times.
// Returns the number of keys added.
func (s *SeenState) Union(records []EpisodeRecord) int {
	if s.Seen == nil {
		s.Seen = make(map[string]time.Time, len(records))
	}
	now := flextime.Now()
	added := 0
	for _, r := range records {
		key := r.Key()
		if _, ok := s.Seen[key]; ok {
			continue
		}
		s.Seen[key] = now
		added++
	}
	s.UpdatedAt = now
	return added
}

// Len returns the number of seen episode keys.
func (s *SeenState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Seen)
}

// Keys returns the seen episode keys in lexical order.
func (s *SeenState) Keys() []string {
	keys := make([]string, 0, s.Len())
	for key := range s.Seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Storage persists SeenState per user key across runs.
type Storage interface {
	// Load returns the persisted state, or an empty state on first run.
	Load(ctx context.Context, userKey string) (*SeenState, error)
	Save(ctx context.Context, state *SeenState) error
	FindAll(ctx context.Context) ([]*SeenState, error)
	Delete(ctx context.Context, userKey string) error
}

// NewStorage creates a Storage implementation based on the configured type.
func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(ctx, cfg)
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

// NewSeenStateWithDynamoDBAttributeValues builds a SeenState from a raw item.
func NewSeenStateWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *SeenState {
	state := NewSeenState("")
	if userKeyValue, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("UserKey", values); ok {
		state.UserKey = userKeyValue.Value
	}
	if seenValue, ok := GetAttributeValueAs[*types.AttributeValueMemberM]("Seen", values); ok {
		for key, value := range seenValue.Value {
			seenAtValue, ok := value.(*types.AttributeValueMemberN)
			if !ok {
				continue
			}
			if seenAt, err := strconv.ParseFloat(seenAtValue.Value, 64); err == nil {
				state.Seen[key] = time.UnixMilli(int64(seenAt))
			}
		}
	}
	if updatedAtValue, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("UpdatedAt", values); ok {
		if updatedAt, err := strconv.ParseFloat(updatedAtValue.Value, 64); err == nil {
			state.UpdatedAt = time.UnixMilli(int64(updatedAt))
		}
	}
	return state
}

// ToDynamoDBAttributeValues converts the state into a DynamoDB item.
func (s *SeenState) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	seen := make(map[string]types.AttributeValue, len(s.Seen))
	for key, seenAt := range s.Seen {
		seen[key] = &types.AttributeValueMemberN{
			Value: strconv.FormatInt(seenAt.UnixMilli(), 10),
		}
	}
	return map[string]types.AttributeValue{
		"UserKey": &types.AttributeValueMemberS{
			Value: s.UserKey,
		},
		"Seen": &types.AttributeValueMemberM{
			Value: seen,
		},
		"UpdatedAt": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(s.UpdatedAt.UnixMilli(), 10),
		},
	}
}

// DynamoDBStorage keeps one item per user key in a DynamoDB table.
type DynamoDBStorage struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	s := &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !cfg.AutoCreate {
			return nil, fmt.Errorf("dynamodb table `%s` not found (enable --storage-auto-create to create it)", s.tableName)
		}
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceNotFoundException" {
				return false, nil
			}
		}
		slog.DebugContext(ctx, "DescribeTable failed", "table_name", s.tableName, "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "table exists", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return fmt.Errorf("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("UserKey"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("UserKey"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceInUseException" {
				// another invocation is creating it, wait for active
				return s.waitTableActive(ctx)
			}
		}
		return err
	}
	slog.InfoContext(ctx, "created dynamodb table", "table_arn", *output.TableDescription.TableArn)
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) Load(ctx context.Context, userKey string) (*SeenState, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"UserKey": &types.AttributeValueMemberS{
				Value: userKey,
			},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get item", "user_key", userKey, "table_name", s.tableName, "error", err)
		return nil, err
	}
	if len(output.Item) == 0 {
		slog.DebugContext(ctx, "no item for user, first run", "user_key", userKey, "table_name", s.tableName)
		return NewSeenState(userKey), nil
	}
	return NewSeenStateWithDynamoDBAttributeValues(output.Item), nil
}

func (s *DynamoDBStorage) Save(ctx context.Context, state *SeenState) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      state.ToDynamoDBAttributeValues(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed put item", "user_key", state.UserKey, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "saved seen state", "user_key", state.UserKey, "seen", state.Len(), "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) FindAll(ctx context.Context) ([]*SeenState, error) {
	states := make([]*SeenState, 0)
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			Select:            types.SelectAllAttributes,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			slog.DebugContext(ctx, "scan dynamodb table failed", "table_name", s.tableName, "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, "scan dynamodb table", "table_name", s.tableName, "item_count", output.Count)
		for _, item := range output.Items {
			states = append(states, NewSeenStateWithDynamoDBAttributeValues(item))
		}
		if output.LastEvaluatedKey == nil {
			return states, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func (s *DynamoDBStorage) Delete(ctx context.Context, userKey string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"UserKey": &types.AttributeValueMemberS{
				Value: userKey,
			},
		},
		ConditionExpression: aws.String("attribute_exists(UserKey)"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ConditionalCheckFailedException" {
				return &StateNotFound{UserKey: userKey}
			}
		}
		return err
	}
	slog.InfoContext(ctx, "deleted seen state", "user_key", userKey, "table_name", s.tableName)
	return nil
}

// FileStorage keeps all states in a single gob file guarded by a lock file.
// Exported fields are the gob payload.
type FileStorage struct {
	States map[string]*SeenState

	LockFile string
	FilePath string
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	return &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}, nil
}

func (s *FileStorage) Load(ctx context.Context, userKey string) (*SeenState, error) {
	var ret *SeenState
	if err := s.transactional(ctx, func(context.Context) error {
		if state, ok := s.States[userKey]; ok {
			ret = state
			return nil
		}
		ret = NewSeenState(userKey)
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) Save(ctx context.Context, state *SeenState) error {
	return s.transactional(ctx, func(context.Context) error {
		s.States[state.UserKey] = state
		return nil
	})
}

func (s *FileStorage) FindAll(ctx context.Context) ([]*SeenState, error) {
	var ret []*SeenState
	if err := s.transactional(ctx, func(context.Context) error {
		keys := make([]string, 0, len(s.States))
		for key := range s.States {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		ret = make([]*SeenState, 0, len(keys))
		for _, key := range keys {
			ret = append(ret, s.States[key])
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) Delete(ctx context.Context, userKey string) error {
	return s.transactional(ctx, func(context.Context) error {
		if _, ok := s.States[userKey]; !ok {
			return &StateNotFound{UserKey: userKey}
		}
		delete(s.States, userKey)
		return nil
	})
}

// transactional restores the data file, runs fn, and stores the result, all
// under the file lock. Lock acquisition is retried; this is resource
// acquisition, not operation retry.
func (s *FileStorage) transactional(ctx context.Context, fn func(context.Context) error) error {
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "file storage lock failed", "lock_file", s.LockFile, "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "lock_file", s.LockFile, "error", err)
		}
	}()
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return s.store(ctx)
}

func (s *FileStorage) restore(ctx context.Context) error {
	s.States = make(map[string]*SeenState)
	fp, err := os.Open(s.FilePath)
	if err != nil {
		// first run, nothing persisted yet
		slog.DebugContext(ctx, "no data file to restore", "data_file", s.FilePath, "error", err)
		return nil
	}
	defer fp.Close()
	decoder := gob.NewDecoder(fp)
	if err := decoder.Decode(s); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file storage", "data_file", s.FilePath, "error", err)
		return err
	}
	if s.States == nil {
		s.States = make(map[string]*SeenState)
	}
	return nil
}

// store writes to a temp file in the same directory and renames it over the
// data file, so a crash never leaves a partial write behind.
func (s *FileStorage) store(ctx context.Context) error {
	dir := filepath.Dir(s.FilePath)
	fp, err := os.CreateTemp(dir, filepath.Base(s.FilePath)+".tmp-*")
	if err != nil {
		slog.ErrorContext(ctx, "failed store to file storage", "data_file", s.FilePath, "error", err)
		return err
	}
	tmpName := fp.Name()
	encoder := gob.NewEncoder(fp)
	if err := encoder.Encode(s); err != nil {
		fp.Close()
		os.Remove(tmpName)
		slog.ErrorContext(ctx, "failed encode file storage", "data_file", s.FilePath, "error", err)
		return err
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := fp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.FilePath); err != nil {
		os.Remove(tmpName)
		return err
	}
	slog.DebugContext(ctx, "file storage stored", "data_file", s.FilePath)
	return nil
}
