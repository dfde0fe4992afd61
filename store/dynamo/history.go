package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/store"
)

// DefaultReadLimit is the page size of ReadHistory when limit <= 0.
const DefaultReadLimit = 100

// appendHistory adds the next record of rec.StateType to t and returns its
// sequence. The head item is written conditioned on the last_seq that was
// read, so two writers racing for one sequence cannot both commit.
func (s *Store) appendHistory(ctx context.Context, t *txn, op string, rec history.Record, prov aggregate.Provenance) (int64, error) {
	table, err := s.HistoryTable(rec.StateType)
	if err != nil {
		return 0, store.Errorf(op, rec.StateType, rec.RootID, err)
	}
	last, found, err := s.readHead(ctx, table, rec.StateType)
	if err != nil {
		return 0, err
	}
	rec.Seq = last + 1

	head := map[string]types.AttributeValue{
		attrStateType: str(rec.StateType),
		attrSeq:       num(headSeq),
		attrLastSeq:   num(rec.Seq),
	}
	cond := condition{
		expr:  "attribute_not_exists(#seq)",
		names: map[string]string{"#seq": attrSeq},
	}
	if found {
		cond = condition{
			expr:   "#last = :last",
			names:  map[string]string{"#last": attrLastSeq},
			values: map[string]types.AttributeValue{":last": num(last)},
		}
	}
	t.put(table, head, cond, failure{op, rec.StateType, rec.RootID, errHeadConflict})

	item, err := historyItem(rec, prov)
	if err != nil {
		return 0, store.Errorf(op, rec.StateType, rec.RootID, err)
	}
	t.put(table, item, condition{}, failure{})
	return rec.Seq, nil
}

// readHead returns the last assigned sequence of a history table.
func (s *Store) readHead(ctx context.Context, table, stateType string) (int64, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            historyKey(stateType, headSeq),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, err
	}
	if len(out.Item) == 0 {
		return 0, false, nil
	}
	last, err := getNumberAttr(out.Item, attrLastSeq)
	if err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// MaxSequence returns the last sequence of stateType's history, or
// history.NoSequence when nothing was recorded.
func (s *Store) MaxSequence(ctx context.Context, stateType string) (int64, error) {
	table, err := s.HistoryTable(stateType)
	if err != nil {
		return history.NoSequence, store.Errorf("max sequence", stateType, uuid.Nil, err)
	}
	last, found, err := s.readHead(ctx, table, stateType)
	if err != nil {
		return history.NoSequence, store.Errorf("max sequence", stateType, uuid.Nil, err)
	}
	if !found {
		return history.NoSequence, nil
	}
	return last, nil
}

// ReadHistory returns up to limit records of stateType after the given
// sequence, in ascending order, using consistent reads.
func (s *Store) ReadHistory(ctx context.Context, stateType string, after int64, limit int) ([]history.Record, error) {
	table, err := s.HistoryTable(stateType)
	if err != nil {
		return nil, store.Errorf("read history", stateType, uuid.Nil, err)
	}
	if after < headSeq {
		after = headSeq
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("#st = :st AND #seq > :after"),
		ExpressionAttributeNames: map[string]string{
			"#st":  attrStateType,
			"#seq": attrSeq,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":    str(stateType),
			":after": num(after),
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}

	var records []history.Record
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, store.Errorf("read history", stateType, uuid.Nil, err)
		}
		for _, item := range page.Items {
			rec, err := s.decodeHistory(item)
			if err != nil {
				return nil, store.Errorf("read history", stateType, uuid.Nil, err)
			}
			records = append(records, rec)
		}
		if len(records) >= limit || len(page.LastEvaluatedKey) == 0 {
			return records, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
		input.Limit = aws.Int32(int32(limit - len(records)))
	}
}

// LastSourceEventNumber returns the SourceEventNumber of the newest record of
// stateType, or history.NoSequence when there is none. A projection writing
// stateType resumes its source subscription from here.
func (s *Store) LastSourceEventNumber(ctx context.Context, stateType string) (int64, error) {
	table, err := s.HistoryTable(stateType)
	if err != nil {
		return history.NoSequence, store.Errorf("last source event", stateType, uuid.Nil, err)
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("#st = :st AND #seq > :head"),
		ExpressionAttributeNames: map[string]string{
			"#st":  attrStateType,
			"#seq": attrSeq,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":   str(stateType),
			":head": num(headSeq),
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return history.NoSequence, store.Errorf("last source event", stateType, uuid.Nil, err)
	}
	if len(out.Items) == 0 {
		return history.NoSequence, nil
	}
	if _, ok := out.Items[0][attrSourceEvent]; !ok {
		return history.NoSequence, nil
	}
	n, err := getNumberAttr(out.Items[0], attrSourceEvent)
	if err != nil {
		return history.NoSequence, store.Errorf("last source event", stateType, uuid.Nil, err)
	}
	return n, nil
}
