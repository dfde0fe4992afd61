package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/rootstore/internal/retry"
	"github.com/jacentio/rootstore/store"
)

var (
	// errConflict is a transaction cancelled by a concurrent one.
	errConflict = errors.New("transaction conflict")

	// errHeadConflict is a history head that moved since it was read.
	errHeadConflict = errors.New("history head changed")

	// errRootChanged is a root written between being read and deleted.
	errRootChanged = errors.New("root changed")
)

// failure is what a failed condition on one transaction item means.
// A nil err marks an item without a condition.
type failure struct {
	op        string
	stateType string
	id        uuid.UUID
	err       error
}

// txn collects the items of one TransactWriteItems call. fails[i] maps a
// cancellation reason at index i back to an error.
type txn struct {
	items []types.TransactWriteItem
	fails []failure
}

func (t *txn) add(item types.TransactWriteItem, f failure) {
	t.items = append(t.items, item)
	t.fails = append(t.fails, f)
}

func (t *txn) put(table string, item map[string]types.AttributeValue, cond condition, f failure) {
	p := &types.Put{TableName: aws.String(table), Item: item}
	if cond.expr != "" {
		p.ConditionExpression = aws.String(cond.expr)
		p.ExpressionAttributeNames = cond.names
		p.ExpressionAttributeValues = cond.values
	}
	t.add(types.TransactWriteItem{Put: p}, f)
}

func (t *txn) delete(table string, key PK, cond condition, f failure) {
	d := &types.Delete{TableName: aws.String(table), Key: key}
	if cond.expr != "" {
		d.ConditionExpression = aws.String(cond.expr)
		d.ExpressionAttributeNames = cond.names
		d.ExpressionAttributeValues = cond.values
	}
	t.add(types.TransactWriteItem{Delete: d}, f)
}

func (t *txn) check(table string, key PK, cond condition, f failure) {
	t.add(types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                 aws.String(table),
		Key:                       key,
		ConditionExpression:       aws.String(cond.expr),
		ExpressionAttributeNames:  cond.names,
		ExpressionAttributeValues: cond.values,
	}}, f)
}

// update adds an Update item. The condition's names and values are merged
// into those of the update expression.
func (t *txn) update(table string, key PK, expr string, names map[string]string, values map[string]types.AttributeValue, cond condition, f failure) {
	for k, v := range cond.names {
		names[k] = v
	}
	for k, v := range cond.values {
		values[k] = v
	}
	t.add(types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond.expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}, f)
}

// condition is a condition expression with its placeholders. The zero
// value is no condition.
type condition struct {
	expr   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// notExists holds when the keyed item is absent.
func notExists() condition {
	return condition{
		expr:  "attribute_not_exists(#id)",
		names: map[string]string{"#id": attrID},
	}
}

// ownedBy holds when the keyed item exists and belongs to rootID.
func ownedBy(rootID uuid.UUID) condition {
	return condition{
		expr:   "attribute_exists(#id) AND #root = :root",
		names:  map[string]string{"#id": attrID, "#root": attrRootID},
		values: map[string]types.AttributeValue{":root": str(rootID.String())},
	}
}

// atVersion holds when the keyed item exists at the given version.
func atVersion(version int64) condition {
	return condition{
		expr:   "attribute_exists(#id) AND #ver = :ver",
		names:  map[string]string{"#id": attrID, "#ver": attrVersion},
		values: map[string]types.AttributeValue{":ver": num(version)},
	}
}

// commit sends the transaction and maps a cancellation back to the failing item.
func (s *Store) commit(ctx context.Context, op string, t *txn) error {
	if len(t.items) == 0 {
		return nil
	}
	if len(t.items) > MaxTransactItems {
		return store.Errorf(op, "", uuid.Nil, fmt.Errorf("%w: %d actions, limit %d", store.ErrBatchTooLarge, len(t.items), MaxTransactItems))
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: t.items,
	})
	if err != nil {
		return t.mapError(err)
	}
	return nil
}

func (t *txn) mapError(err error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return err
	}
	conflict := false
	for i, reason := range tce.CancellationReasons {
		switch aws.ToString(reason.Code) {
		case "ConditionalCheckFailed":
			if i < len(t.fails) && t.fails[i].err != nil {
				f := t.fails[i]
				return store.Errorf(f.op, f.stateType, f.id, f.err)
			}
		case "TransactionConflict":
			conflict = true
		}
	}
	if conflict {
		return fmt.Errorf("%w: %w", errConflict, err)
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, errConflict) || errors.Is(err, errHeadConflict) || errors.Is(err, errRootChanged)
}

// transact runs fn, retrying conflicts. Failures that are not store errors
// surface as ErrTransactionFailure.
func (s *Store) transact(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.retry, fn)
	if err == nil || isStoreError(err) {
		return err
	}
	return store.TransactionError(err)
}

func isStoreError(err error) bool {
	for _, target := range []error{
		store.ErrDuplicateID,
		store.ErrNotFound,
		store.ErrRootDeletionForbidden,
		store.ErrTypeMapping,
		store.ErrBatchTooLarge,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
