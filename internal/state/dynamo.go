/*
Mailmirror - one-way IMAP mailbox replication tool.
Copyright © 2024 Max Mazurov <fox.cpp@disroot.org>, Mailmirror contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skWatermark = "WATERMARK"

	statusPending = "PENDING"
	statusDone    = "DONE"

	maxLastError = 1024
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table with a
// PK (string) / SK (string) key schema and TTL enabled on the "ttl"
// attribute.
type DynamoStore struct {
	table string
	api   DynamoAPI

	// PENDING records older than this are treated as abandoned by a
	// crashed run and may be reclaimed by ClaimUID. See the stale-claim
	// discussion in DESIGN.md.
	pendingClaimTTL time.Duration

	now func() time.Time
}

// NewDynamoStore builds the production store with a default AWS client
// configuration for the given region.
func NewDynamoStore(ctx context.Context, region, table string, pendingClaimTTL time.Duration) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("state: cannot load AWS config: %w", err)
	}
	return NewDynamoStoreWithClient(dynamodb.NewFromConfig(awsCfg), table, pendingClaimTTL), nil
}

// NewDynamoStoreWithClient builds the store around an existing client.
// Tests pass a fake DynamoAPI here.
func NewDynamoStoreWithClient(api DynamoAPI, table string, pendingClaimTTL time.Duration) *DynamoStore {
	return &DynamoStore{
		table:           table,
		api:             api,
		pendingClaimTTL: pendingClaimTTL,
		now:             time.Now,
	}
}

func uidSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("UID#%d#%d", uidValidity, uid)
}

func failSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("FAIL#%d#%d", uidValidity, uid)
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoStore) CheckAvailable(ctx context.Context) error {
	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return &UnavailableError{Table: s.table, Err: err}
	}
	if out.Table == nil || out.Table.TableStatus == "" {
		return &UnavailableError{Table: s.table, Err: errors.New("describe returned no table status")}
	}
	return nil
}

func (s *DynamoStore) Watermark(ctx context.Context, pk string) (Watermark, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(pk, skWatermark),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Watermark{}, fmt.Errorf("state: get watermark: %w", err)
	}
	if len(out.Item) == 0 {
		return Watermark{}, nil
	}

	wm := Watermark{}
	if v, ok := itemN(out.Item, "uidvalidity"); ok {
		wm.UIDValidity = uint32(v)
		wm.KnownValidity = true
	}
	if v, ok := itemN(out.Item, "last_uid"); ok {
		wm.LastUID = uint32(v)
	}
	return wm, nil
}

func (s *DynamoStore) SetWatermark(ctx context.Context, pk string, uidValidity, lastUID uint32) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: pk},
			"SK":          &types.AttributeValueMemberS{Value: skWatermark},
			"uidvalidity": numberAttr(int64(uidValidity)),
			"last_uid":    numberAttr(int64(lastUID)),
			"updated_at":  numberAttr(s.now().Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("state: set watermark: %w", err)
	}
	return nil
}

func (s *DynamoStore) ClaimUID(ctx context.Context, pk string, uidValidity, uid uint32) (bool, error) {
	now := s.now().Unix()
	stale := s.now().Add(-s.pendingClaimTTL).Unix()

	// The claim succeeds when the slot is free, or when it holds a
	// PENDING record abandoned by a crashed run long enough ago. A DONE
	// record always wins.
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: pk},
			"SK":         &types.AttributeValueMemberS{Value: uidSK(uidValidity, uid)},
			"status":     &types.AttributeValueMemberS{Value: statusPending},
			"created_at": numberAttr(now),
			"updated_at": numberAttr(now),
		},
		ConditionExpression: aws.String(
			"attribute_not_exists(PK) OR (#st = :pending AND #ua < :stale)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
			"#ua": "updated_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: statusPending},
			":stale":   numberAttr(stale),
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return false, nil
		}
		return false, fmt.Errorf("state: claim uid: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) FinalizeUID(ctx context.Context, pk string, uidValidity, uid uint32, messageID, contentHash string, ttlDays int) error {
	now := s.now().Unix()
	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: pk},
		"SK":            &types.AttributeValueMemberS{Value: uidSK(uidValidity, uid)},
		"status":        &types.AttributeValueMemberS{Value: statusDone},
		"created_at":    numberAttr(now),
		"updated_at":    numberAttr(now),
		"copied_at":     numberAttr(now),
		"rfc822_sha256": &types.AttributeValueMemberS{Value: contentHash},
		"ttl":           numberAttr(s.expiry(ttlDays)),
	}
	if messageID != "" {
		item["message_id_header"] = &types.AttributeValueMemberS{Value: messageID}
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("state: finalize uid: %w", err)
	}
	return nil
}

func (s *DynamoStore) AbandonPending(ctx context.Context, pk string, uidValidity, uid uint32) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(pk, uidSK(uidValidity, uid)),
	})
	if err != nil {
		return fmt.Errorf("state: abandon pending: %w", err)
	}
	return nil
}

func (s *DynamoStore) UIDRecordExists(ctx context.Context, pk string, uidValidity, uid uint32) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(pk, uidSK(uidValidity, uid)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("state: uid record lookup: %w", err)
	}
	return len(out.Item) != 0, nil
}

// RecordFailure is a read-then-write pair, not an atomic increment.
// Concurrent failures for the same UID may undercount retry_count; the
// record is diagnostic only so this is acceptable.
func (s *DynamoStore) RecordFailure(ctx context.Context, pk string, uidValidity, uid uint32, cause error, ttlDays int) error {
	sk := failSK(uidValidity, uid)

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("state: read failure record: %w", err)
	}
	retries := int64(0)
	if v, ok := itemN(out.Item, "retry_count"); ok {
		retries = v
	}

	lastError := cause.Error()
	if len(lastError) > maxLastError {
		lastError = lastError[:maxLastError]
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: pk},
			"SK":          &types.AttributeValueMemberS{Value: sk},
			"retry_count": numberAttr(retries + 1),
			"last_error":  &types.AttributeValueMemberS{Value: lastError},
			"updated_at":  numberAttr(s.now().Unix()),
			"ttl":         numberAttr(s.expiry(ttlDays)),
		},
	})
	if err != nil {
		return fmt.Errorf("state: write failure record: %w", err)
	}
	return nil
}

func (s *DynamoStore) PayloadAlreadyCopied(ctx context.Context, pk, messageID, contentHash string) (bool, error) {
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: "UID#"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return false, fmt.Errorf("state: duplicate scan: %w", err)
		}

		for _, item := range out.Items {
			if v, ok := itemS(item, "status"); !ok || v != statusDone {
				continue
			}
			if v, ok := itemS(item, "rfc822_sha256"); ok && v == contentHash {
				return true, nil
			}
			if messageID == "" {
				continue
			}
			if v, ok := itemS(item, "message_id_header"); ok && v == messageID {
				return true, nil
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return false, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) expiry(ttlDays int) int64 {
	return s.now().Add(time.Duration(ttlDays) * 24 * time.Hour).Unix()
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemN(item map[string]types.AttributeValue, name string) (int64, bool) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func itemS(item map[string]types.AttributeValue, name string) (string, bool) {
	attr, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return attr.Value, true
}
