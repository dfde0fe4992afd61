package dynamo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/internal/shard"
	"github.com/jacentio/rootstore/store"
)

// Attribute names.
const (
	attrID        = "id"
	attrRootID    = "root_id"
	attrParentID  = "parent_id"
	attrStateType = "state_type"
	attrState     = "state"
	attrVersion   = "version"
	attrUpdatedAt = "updated_at"

	attrPK        = "pk"
	attrChildRef  = "child_ref"
	attrChildType = "child_type"
	attrChildID   = "child_id"

	attrSeq           = "seq"
	attrLastSeq       = "last_seq"
	attrKind          = "kind"
	attrSourceEvent   = "source_event_number"
	attrRecordedAt    = "recorded_at"
	attrCorrelationID = "correlation_id"
	attrInitiatorID   = "initiator_id"
)

// headSeq is the sort key of the item holding a history table's last sequence.
const headSeq = 0

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// ChildRef is a child listed in the relationship table.
type ChildRef struct {
	// Ref is the child's type-qualified reference (e.g., "LineState#<id>").
	Ref string

	// Type is the child's state type.
	Type string

	// ID is the child's id.
	ID uuid.UUID

	// ShardPK is the relationship record's partition key.
	ShardPK string
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func idKey(id uuid.UUID) PK {
	return PK{attrID: str(id.String())}
}

func historyKey(stateType string, seq int64) PK {
	return PK{attrStateType: str(stateType), attrSeq: num(seq)}
}

func relationshipKey(shardPK, childRef string) PK {
	return PK{attrPK: str(shardPK), attrChildRef: str(childRef)}
}

// marshalState encodes a state as a map attribute.
func marshalState(state aggregate.State) (types.AttributeValue, error) {
	var in any = state
	if raw, ok := state.(store.Raw); ok {
		in = raw.Fields
	}
	m, err := attributevalue.MarshalMap(in)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %w", store.ErrTypeMapping, state.StateName(), err)
	}
	return &types.AttributeValueMemberM{Value: m}, nil
}

// dataItem builds the stored item of one record.
func dataItem(rec aggregate.Record, now time.Time) (map[string]types.AttributeValue, error) {
	state, err := marshalState(rec.State)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		attrID:        str(rec.ID.String()),
		attrRootID:    str(rec.RootID.String()),
		attrStateType: str(rec.State.StateName()),
		attrState:     state,
		attrVersion:   num(1),
		attrUpdatedAt: str(now.UTC().Format(time.RFC3339Nano)),
	}
	if rec.ParentID.Valid {
		item[attrParentID] = str(rec.ParentID.UUID.String())
	}
	return item, nil
}

// relationshipItem builds the relationship record of a child.
func (s *Store) relationshipItem(rootType string, rec aggregate.Record) map[string]types.AttributeValue {
	childRef := shard.Ref(rec.State.StateName(), rec.ID.String())
	item := map[string]types.AttributeValue{
		attrPK:        str(s.relationshipPK(rootType, rec.RootID, childRef)),
		attrChildRef:  str(childRef),
		attrChildType: str(rec.State.StateName()),
		attrChildID:   str(rec.ID.String()),
		attrRootID:    str(rec.RootID.String()),
	}
	if rec.ParentID.Valid {
		item[attrParentID] = str(rec.ParentID.UUID.String())
	}
	return item
}

// decodeRecord rebuilds a record from a stored data item.
func (s *Store) decodeRecord(item map[string]types.AttributeValue) (aggregate.Record, error) {
	var rec aggregate.Record
	var err error

	if rec.ID, err = uuidAttr(item, attrID); err != nil {
		return rec, err
	}
	if rec.RootID, err = uuidAttr(item, attrRootID); err != nil {
		return rec, err
	}
	if _, ok := item[attrParentID]; ok {
		parent, err := uuidAttr(item, attrParentID)
		if err != nil {
			return rec, err
		}
		rec.ParentID = uuid.NullUUID{UUID: parent, Valid: true}
	}
	rec.State, err = s.decodeState(getStringAttr(item, attrStateType), item[attrState])
	return rec, err
}

func (s *Store) decodeState(stateType string, av types.AttributeValue) (aggregate.State, error) {
	info, err := s.reg.Lookup(stateType)
	if err != nil {
		return nil, err
	}
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("%w: %s item has no state map", store.ErrTypeMapping, stateType)
	}
	return info.Decode(func(target any) error {
		return attributevalue.UnmarshalMap(m.Value, target)
	})
}

// historyItem builds a history record item.
func historyItem(rec history.Record, prov aggregate.Provenance) (map[string]types.AttributeValue, error) {
	state, err := marshalState(rec.State)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		attrStateType:     str(rec.StateType),
		attrSeq:           num(rec.Seq),
		attrKind:          str(string(rec.Kind)),
		attrRootID:        str(rec.RootID.String()),
		attrState:         state,
		attrRecordedAt:    str(rec.RecordedAt.UTC().Format(time.RFC3339Nano)),
		attrCorrelationID: str(prov.CorrelationID.String()),
		attrInitiatorID:   str(prov.InitiatorID.String()),
	}
	if rec.SourceEventNumber != nil {
		item[attrSourceEvent] = num(*rec.SourceEventNumber)
	}
	return item, nil
}

// decodeHistory rebuilds a history record from a stored item.
func (s *Store) decodeHistory(item map[string]types.AttributeValue) (history.Record, error) {
	rec := history.Record{
		StateType: getStringAttr(item, attrStateType),
		Kind:      history.Kind(getStringAttr(item, attrKind)),
	}
	var err error
	if rec.Seq, err = getNumberAttr(item, attrSeq); err != nil {
		return rec, err
	}
	if rec.RootID, err = uuidAttr(item, attrRootID); err != nil {
		return rec, err
	}
	if _, ok := item[attrSourceEvent]; ok {
		n, err := getNumberAttr(item, attrSourceEvent)
		if err != nil {
			return rec, err
		}
		rec.SourceEventNumber = &n
	}
	if ts := getStringAttr(item, attrRecordedAt); ts != "" {
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return rec, err
		}
	}
	rec.State, err = s.decodeState(rec.StateType, item[attrState])
	return rec, err
}

func decodeChildRef(item map[string]types.AttributeValue) (ChildRef, error) {
	id, err := uuidAttr(item, attrChildID)
	if err != nil {
		return ChildRef{}, err
	}
	return ChildRef{
		Ref:     getStringAttr(item, attrChildRef),
		Type:    getStringAttr(item, attrChildType),
		ID:      id,
		ShardPK: getStringAttr(item, attrPK),
	}, nil
}

func getStringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNumberAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: attribute %s is not a number", store.ErrTypeMapping, key)
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

func uuidAttr(item map[string]types.AttributeValue, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(getStringAttr(item, key))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: attribute %s: %w", store.ErrTypeMapping, key, err)
	}
	return id, nil
}
