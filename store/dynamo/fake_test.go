package dynamo_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// fakeDB is an in-memory DynamoDB that understands the key schemas and the
// handful of expressions the store sends.
type fakeDB struct {
	mu       sync.Mutex
	relTable string
	tables   map[string]map[string]item

	// beforeTransact runs before each TransactWriteItems call, outside the lock.
	beforeTransact func()

	// failTransact, when set, is returned by every TransactWriteItems call.
	failTransact error

	transacts int

	// relQueries counts Query calls on the relationship table.
	relQueries int
}

func newFakeDB(relTable string) *fakeDB {
	return &fakeDB{relTable: relTable, tables: map[string]map[string]item{}}
}

func (f *fakeDB) keyAttrs(table string) []string {
	switch {
	case table == f.relTable:
		return []string{"pk", "child_ref"}
	case strings.HasSuffix(table, "_history"):
		return []string{"state_type", "seq"}
	default:
		return []string{"id"}
	}
}

func (f *fakeDB) keyOf(table string, it item) string {
	attrs := f.keyAttrs(table)
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = avString(it[a])
	}
	return strings.Join(parts, "|")
}

func (f *fakeDB) get(table string, key item) item {
	return f.tables[table][f.keyOf(table, key)]
}

func (f *fakeDB) set(table string, it item) {
	if f.tables[table] == nil {
		f.tables[table] = map[string]item{}
	}
	f.tables[table][f.keyOf(table, it)] = it
}

// items returns a copy of every item of a table.
func (f *fakeDB) items(table string) []item {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []item
	for _, it := range f.tables[table] {
		out = append(out, copyItem(it))
	}
	return out
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.get(aws.ToString(in.TableName), in.Key)
	if it == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeDB) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		for _, key := range ka.Keys {
			if it := f.get(table, key); it != nil {
				out.Responses[table] = append(out.Responses[table], copyItem(it))
			}
		}
	}
	return out, nil
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	if table == f.relTable {
		f.relQueries++
	}
	type keyCond struct {
		attr, op string
		value    types.AttributeValue
	}
	var conds []keyCond
	for _, clause := range strings.Split(aws.ToString(in.KeyConditionExpression), " AND ") {
		fields := strings.Fields(clause)
		if len(fields) != 3 {
			return nil, fmt.Errorf("fake: unsupported key condition %q", clause)
		}
		conds = append(conds, keyCond{
			attr:  in.ExpressionAttributeNames[fields[0]],
			op:    fields[1],
			value: in.ExpressionAttributeValues[fields[2]],
		})
	}

	var matched []item
	for _, it := range f.tables[table] {
		ok := true
		for _, c := range conds {
			v, present := it[c.attr]
			if !present {
				ok = false
				break
			}
			cmp := compareAV(v, c.value)
			switch c.op {
			case "=":
				ok = ok && cmp == 0
			case ">":
				ok = ok && cmp > 0
			default:
				return nil, fmt.Errorf("fake: unsupported operator %q", c.op)
			}
		}
		if ok {
			matched = append(matched, copyItem(it))
		}
	}

	sortKey := f.keyAttrs(table)[len(f.keyAttrs(table))-1]
	sort.Slice(matched, func(i, j int) bool {
		return compareAV(matched[i][sortKey], matched[j][sortKey]) < 0
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if hook := f.beforeTransact; hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts++

	if f.failTransact != nil {
		return nil, f.failTransact
	}
	if len(in.TransactItems) > 100 {
		return nil, errors.New("fake: ValidationException: too many items")
	}

	seen := map[string]bool{}
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		table, key, cond, names, values := describe(f, ti)
		id := table + "/" + f.keyOf(table, key)
		if seen[id] {
			return nil, fmt.Errorf("fake: ValidationException: multiple operations on %s", id)
		}
		seen[id] = true

		reasons[i].Code = aws.String("None")
		if cond != "" {
			ok, err := evalCondition(cond, f.get(table, key), names, values)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i].Code = aws.String("ConditionalCheckFailed")
				failed = true
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.set(aws.ToString(ti.Put.TableName), copyItem(ti.Put.Item))
		case ti.Delete != nil:
			table := aws.ToString(ti.Delete.TableName)
			delete(f.tables[table], f.keyOf(table, ti.Delete.Key))
		case ti.Update != nil:
			table := aws.ToString(ti.Update.TableName)
			it := copyItem(f.get(table, ti.Update.Key))
			if it == nil {
				it = copyItem(ti.Update.Key)
			}
			if err := applyUpdate(it, aws.ToString(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
			f.set(table, it)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func describe(f *fakeDB, ti types.TransactWriteItem) (string, item, string, map[string]string, map[string]types.AttributeValue) {
	switch {
	case ti.Put != nil:
		table := aws.ToString(ti.Put.TableName)
		key := item{}
		for _, a := range f.keyAttrs(table) {
			key[a] = ti.Put.Item[a]
		}
		return table, key, aws.ToString(ti.Put.ConditionExpression), ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
	case ti.Delete != nil:
		return aws.ToString(ti.Delete.TableName), ti.Delete.Key, aws.ToString(ti.Delete.ConditionExpression), ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
	case ti.Update != nil:
		return aws.ToString(ti.Update.TableName), ti.Update.Key, aws.ToString(ti.Update.ConditionExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
	case ti.ConditionCheck != nil:
		return aws.ToString(ti.ConditionCheck.TableName), ti.ConditionCheck.Key, aws.ToString(ti.ConditionCheck.ConditionExpression), ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
	}
	return "", nil, "", nil, nil
}

// evalCondition supports attribute_exists(#a), attribute_not_exists(#a) and
// #a = :v joined with AND.
func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists("):
			name := names[strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")")]
			if _, ok := it[name]; !ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists("):
			name := names[strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")")]
			if _, ok := it[name]; ok {
				return false, nil
			}
		default:
			fields := strings.Fields(clause)
			if len(fields) != 3 || fields[1] != "=" {
				return false, fmt.Errorf("fake: unsupported condition %q", clause)
			}
			v, ok := it[names[fields[0]]]
			if !ok || compareAV(v, values[fields[2]]) != 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

// applyUpdate supports "SET #a = :v, #b = #b + :n".
func applyUpdate(it item, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("fake: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		fields := strings.Fields(assign)
		switch {
		case len(fields) == 3 && fields[1] == "=":
			it[names[fields[0]]] = values[fields[2]]
		case len(fields) == 5 && fields[1] == "=" && fields[3] == "+":
			cur, err := avInt(it[names[fields[2]]])
			if err != nil {
				return err
			}
			inc, err := avInt(values[fields[4]])
			if err != nil {
				return err
			}
			it[names[fields[0]]] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+inc, 10)}
		default:
			return fmt.Errorf("fake: unsupported assignment %q", assign)
		}
	}
	return nil
}

func avInt(av types.AttributeValue) (int64, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("fake: %T is not a number", av)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func avString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	default:
		return fmt.Sprintf("%T", av)
	}
}

func compareAV(a, b types.AttributeValue) int {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if aok && bok {
		x, _ := strconv.ParseFloat(an.Value, 64)
		y, _ := strconv.ParseFloat(bn.Value, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(avString(a), avString(b))
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
