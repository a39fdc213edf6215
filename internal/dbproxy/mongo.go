package dbproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// Mongo proxies document operations. Collection reads are capped,
// whole-collection destructive calls are flagged critical, and schema
// or administrative operations are gated by the sandbox profile.
type Mongo struct {
	ctx     context.Context
	client  *mongo.Client
	db      *mongo.Database
	events  domain.EventLogger
	limits  Limits
	profile domain.Profile
	logger  *slog.Logger
}

// OpenMongo connects a single client for one worker.
func OpenMongo(ctx context.Context, conn domain.ConnectionInfo, dbName string, profile domain.Profile, events domain.EventLogger, limits Limits, logger *slog.Logger) (*Mongo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(MongoURI(conn)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", conn.Redacted(), err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging %s: %w", conn.Redacted(), err)
	}

	logger.Debug("document proxy connected",
		slog.String("target", conn.Redacted()),
		slog.String("database", dbName),
		slog.String("profile", string(profile)),
	)
	return &Mongo{
		ctx:     ctx,
		client:  client,
		db:      client.Database(dbName),
		events:  events,
		limits:  limits,
		profile: profile,
		logger:  logger,
	}, nil
}

// MongoURI builds the connection string without ever logging it.
func MongoURI(conn domain.ConnectionInfo) string {
	if conn.URI != "" {
		return conn.URI
	}
	host := conn.Host
	if conn.Port > 0 {
		host += ":" + strconv.Itoa(conn.Port)
	} else {
		host += ":27017"
	}
	u := url.URL{Scheme: "mongodb", Host: host}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Password)
	}
	return u.String()
}

func (m *Mongo) Name() string      { return "db" }
func (m *Mongo) Aliases() []string { return []string{"mongo"} }

// Close disconnects the client. Safe to call more than once.
func (m *Mongo) Close(ctx context.Context) error {
	err := m.client.Disconnect(ctx)
	if err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}

// Attach exposes collection access plus the database-level admin
// surface to the script.
func (m *Mongo) Attach(vm *goja.Runtime) (goja.Value, error) {
	obj := vm.NewObject()
	if err := obj.Set("collection", func(name string) *goja.Object {
		return m.collectionObject(vm, name)
	}); err != nil {
		return nil, err
	}
	if err := obj.Set("dropDatabase", m.dropDatabase); err != nil {
		return nil, err
	}
	return obj, nil
}

// findState accumulates cursor modifiers until toArray executes.
type findState struct {
	filter     map[string]any
	projection map[string]any
	limit      int64
	skip       int64
	sort       map[string]any
}

// collectionObject builds the per-collection proxy surface.
func (m *Mongo) collectionObject(vm *goja.Runtime, coll string) *goja.Object {
	obj := vm.NewObject()

	set := func(name string, fn any) {
		_ = obj.Set(name, fn)
	}

	set("find", func(args ...map[string]any) *goja.Object {
		state := &findState{}
		if len(args) > 0 {
			state.filter = args[0]
		}
		if len(args) > 1 {
			state.projection = args[1]
		}
		return m.findCursor(vm, coll, state)
	})
	set("findOne", func(args ...map[string]any) (any, error) {
		var filter, projection map[string]any
		if len(args) > 0 {
			filter = args[0]
		}
		if len(args) > 1 {
			projection = args[1]
		}
		return m.runFindOne(coll, filter, projection)
	})
	set("countDocuments", func(args ...map[string]any) (int64, error) {
		var filter map[string]any
		if len(args) > 0 {
			filter = args[0]
		}
		return m.runCount(coll, filter)
	})
	set("distinct", func(field string, args ...map[string]any) (any, error) {
		var filter map[string]any
		if len(args) > 0 {
			filter = args[0]
		}
		return m.runDistinct(coll, field, filter)
	})
	set("aggregate", func(pipeline []any) *goja.Object {
		return m.aggregateCursor(vm, coll, pipeline)
	})

	set("insertOne", func(doc map[string]any) (any, error) {
		return m.runInsertOne(coll, doc)
	})
	set("insertMany", func(docs []any) (any, error) {
		return m.runInsertMany(coll, docs)
	})
	set("updateOne", func(filter, update map[string]any) (any, error) {
		return m.runUpdate(coll, "updateOne", filter, update)
	})
	set("updateMany", func(filter, update map[string]any) (any, error) {
		return m.runUpdate(coll, "updateMany", filter, update)
	})
	set("deleteOne", func(args ...map[string]any) (any, error) {
		var filter map[string]any
		if len(args) > 0 {
			filter = args[0]
		}
		return m.runDelete(coll, "deleteOne", filter)
	})
	set("deleteMany", func(args ...map[string]any) (any, error) {
		var filter map[string]any
		if len(args) > 0 {
			filter = args[0]
		}
		return m.runDelete(coll, "deleteMany", filter)
	})

	set("drop", func() (bool, error) {
		return m.runDrop(coll)
	})
	set("createIndex", func(keys map[string]any) (string, error) {
		return m.runCreateIndex(coll, keys)
	})
	set("dropIndex", func(name string) (bool, error) {
		return m.runDropIndex(coll, name)
	})

	return obj
}

// findCursor returns the chainable bounded cursor for find.
func (m *Mongo) findCursor(vm *goja.Runtime, coll string, state *findState) *goja.Object {
	cursor := vm.NewObject()
	_ = cursor.Set("limit", func(n int64) *goja.Object {
		state.limit = n
		return cursor
	})
	_ = cursor.Set("skip", func(n int64) *goja.Object {
		state.skip = n
		return cursor
	})
	_ = cursor.Set("sort", func(spec map[string]any) *goja.Object {
		state.sort = spec
		return cursor
	})
	_ = cursor.Set("toArray", func() (any, error) {
		return m.runFind(coll, state)
	})
	return cursor
}

// aggregateCursor defers pipeline execution until toArray, matching the
// shape scripts expect from driver cursors.
func (m *Mongo) aggregateCursor(vm *goja.Runtime, coll string, pipeline []any) *goja.Object {
	cursor := vm.NewObject()
	_ = cursor.Set("toArray", func() (any, error) {
		return m.runAggregate(coll, pipeline)
	})
	return cursor
}

func (m *Mongo) runFind(coll string, state *findState) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	cap64 := int64(m.limits.maxRows())
	fetch := cap64 + 1
	if state.limit > 0 && state.limit < cap64 {
		fetch = state.limit
	}
	opts := options.Find().SetLimit(fetch)
	if state.skip > 0 {
		opts.SetSkip(state.skip)
	}
	if state.sort != nil {
		opts.SetSort(toBsonD(state.sort))
	}
	if state.projection != nil {
		opts.SetProjection(state.projection)
	}

	cur, err := m.db.Collection(coll).Find(m.ctx, orEmptyFilter(state.filter), opts)
	if err != nil {
		m.failOp(n, coll, "find", start, err)
		return nil, err
	}
	docs, truncated, err := m.drainCursor(cur, int(cap64))
	if err != nil {
		m.failOp(n, coll, "find", start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.find() returned %d documents in %dms", n, coll, len(docs), elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  "find",
		DurationMS: elapsed.Milliseconds(),
		RowCount:   domain.Count(int64(len(docs))),
		Preview:    preview(docs, m.limits.previewRows()),
		Truncated:  truncated,
	})
	return docs, nil
}

func (m *Mongo) runFindOne(coll string, filter, projection map[string]any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	var doc map[string]any
	err := m.db.Collection(coll).FindOne(m.ctx, orEmptyFilter(filter), opts).Decode(&doc)
	elapsed := time.Since(start)

	found := int64(1)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = nil
		doc = nil
		found = 0
	}
	if err != nil {
		m.failOp(n, coll, "findOne", start, err)
		return nil, err
	}

	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.findOne() returned %d document in %dms", n, coll, found, elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  "findOne",
		DurationMS: elapsed.Milliseconds(),
		RowCount:   domain.Count(found),
	})
	if doc == nil {
		return nil, nil
	}
	return normalizeMongoValue(doc), nil
}

func (m *Mongo) runCount(coll string, filter map[string]any) (int64, error) {
	n := m.events.NextOp()
	start := time.Now()

	count, err := m.db.Collection(coll).CountDocuments(m.ctx, orEmptyFilter(filter))
	if err != nil {
		m.failOp(n, coll, "countDocuments", start, err)
		return 0, err
	}
	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.countDocuments() = %d in %dms", n, coll, count, elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  "countDocuments",
		DurationMS: elapsed.Milliseconds(),
	})
	return count, nil
}

func (m *Mongo) runDistinct(coll string, field string, filter map[string]any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	values, err := m.db.Collection(coll).Distinct(m.ctx, field, orEmptyFilter(filter))
	if err != nil {
		m.failOp(n, coll, "distinct", start, err)
		return nil, err
	}
	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.distinct(%q) = %d values in %dms", n, coll, field, len(values), elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  "distinct",
		DurationMS: elapsed.Milliseconds(),
	})
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalizeMongoValue(v)
	}
	return out, nil
}

func (m *Mongo) runAggregate(coll string, pipeline []any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	cap64 := int64(m.limits.maxRows())
	bounded := boundPipeline(pipeline, cap64+1)

	cur, err := m.db.Collection(coll).Aggregate(m.ctx, bounded)
	if err != nil {
		m.failOp(n, coll, "aggregate", start, err)
		return nil, err
	}
	docs, truncated, err := m.drainCursor(cur, int(cap64))
	if err != nil {
		m.failOp(n, coll, "aggregate", start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.aggregate() returned %d documents in %dms", n, coll, len(docs), elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  "aggregate",
		DurationMS: elapsed.Milliseconds(),
		RowCount:   domain.Count(int64(len(docs))),
		Preview:    preview(docs, m.limits.previewRows()),
		Truncated:  truncated,
	})
	return docs, nil
}

func (m *Mongo) runInsertOne(coll string, doc map[string]any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	res, err := m.db.Collection(coll).InsertOne(m.ctx, doc)
	if err != nil {
		m.failOp(n, coll, "insertOne", start, err)
		return nil, err
	}
	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:          domain.EventOperation,
		Message:       fmt.Sprintf("Op %d: %s.insertOne() in %dms", n, coll, elapsed.Milliseconds()),
		OpNumber:      n,
		Collection:    coll,
		Operation:     "insertOne",
		DurationMS:    elapsed.Milliseconds(),
		InsertedCount: domain.Count(1),
	})
	return map[string]any{"insertedId": normalizeMongoValue(res.InsertedID)}, nil
}

func (m *Mongo) runInsertMany(coll string, docs []any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	res, err := m.db.Collection(coll).InsertMany(m.ctx, docs)
	if err != nil {
		m.failOp(n, coll, "insertMany", start, err)
		return nil, err
	}
	elapsed := time.Since(start)
	inserted := int64(len(res.InsertedIDs))
	m.events.Append(domain.OutputEvent{
		Kind:          domain.EventOperation,
		Message:       fmt.Sprintf("Op %d: %s.insertMany() inserted %d documents in %dms", n, coll, inserted, elapsed.Milliseconds()),
		OpNumber:      n,
		Collection:    coll,
		Operation:     "insertMany",
		DurationMS:    elapsed.Milliseconds(),
		InsertedCount: domain.Count(inserted),
	})
	ids := make([]any, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		ids[i] = normalizeMongoValue(id)
	}
	return map[string]any{"insertedCount": inserted, "insertedIds": ids}, nil
}

func (m *Mongo) runUpdate(coll, op string, filter, update map[string]any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	c := m.db.Collection(coll)
	var res *mongo.UpdateResult
	var err error
	if op == "updateMany" {
		res, err = c.UpdateMany(m.ctx, orEmptyFilter(filter), update)
	} else {
		res, err = c.UpdateOne(m.ctx, orEmptyFilter(filter), update)
	}
	if err != nil {
		m.failOp(n, coll, op, start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	ev := domain.OutputEvent{
		Kind:          domain.EventOperation,
		Message:       fmt.Sprintf("Op %d: %s.%s() matched %d, modified %d in %dms", n, coll, op, res.MatchedCount, res.ModifiedCount, elapsed.Milliseconds()),
		OpNumber:      n,
		Collection:    coll,
		Operation:     op,
		DurationMS:    elapsed.Milliseconds(),
		MatchedCount:  domain.Count(res.MatchedCount),
		ModifiedCount: domain.Count(res.ModifiedCount),
	}
	if op == "updateMany" && len(filter) == 0 {
		ev.RiskLevel = domain.RiskCritical.String()
	}
	m.events.Append(ev)
	return map[string]any{"matchedCount": res.MatchedCount, "modifiedCount": res.ModifiedCount}, nil
}

func (m *Mongo) runDelete(coll, op string, filter map[string]any) (any, error) {
	n := m.events.NextOp()
	start := time.Now()

	c := m.db.Collection(coll)
	var res *mongo.DeleteResult
	var err error
	if op == "deleteMany" {
		res, err = c.DeleteMany(m.ctx, orEmptyFilter(filter))
	} else {
		res, err = c.DeleteOne(m.ctx, orEmptyFilter(filter))
	}
	if err != nil {
		m.failOp(n, coll, op, start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	ev := domain.OutputEvent{
		Kind:         domain.EventOperation,
		Message:      fmt.Sprintf("Op %d: %s.%s() deleted %d documents in %dms", n, coll, op, res.DeletedCount, elapsed.Milliseconds()),
		OpNumber:     n,
		Collection:   coll,
		Operation:    op,
		DurationMS:   elapsed.Milliseconds(),
		DeletedCount: domain.Count(res.DeletedCount),
	}
	if op == "deleteMany" && len(filter) == 0 {
		ev.RiskLevel = domain.RiskCritical.String()
	}
	m.events.Append(ev)
	return map[string]any{"deletedCount": res.DeletedCount}, nil
}

func (m *Mongo) runDrop(coll string) (bool, error) {
	n := m.events.NextOp()
	if err := m.gate(n, coll, "drop"); err != nil {
		return false, err
	}
	start := time.Now()
	if err := m.db.Collection(coll).Drop(m.ctx); err != nil {
		m.failOp(n, coll, "drop", start, err)
		return false, err
	}
	m.adminEvent(n, coll, "drop", start, domain.RiskCritical)
	return true, nil
}

func (m *Mongo) dropDatabase() (bool, error) {
	n := m.events.NextOp()
	if err := m.gate(n, m.db.Name(), "dropDatabase"); err != nil {
		return false, err
	}
	start := time.Now()
	if err := m.db.Drop(m.ctx); err != nil {
		m.failOp(n, m.db.Name(), "dropDatabase", start, err)
		return false, err
	}
	m.adminEvent(n, m.db.Name(), "dropDatabase", start, domain.RiskCritical)
	return true, nil
}

func (m *Mongo) runCreateIndex(coll string, keys map[string]any) (string, error) {
	n := m.events.NextOp()
	if err := m.gate(n, coll, "createIndex"); err != nil {
		return "", err
	}
	start := time.Now()
	name, err := m.db.Collection(coll).Indexes().CreateOne(m.ctx, mongo.IndexModel{Keys: toBsonD(keys)})
	if err != nil {
		m.failOp(n, coll, "createIndex", start, err)
		return "", err
	}
	m.adminEvent(n, coll, "createIndex", start, domain.RiskHigh)
	return name, nil
}

func (m *Mongo) runDropIndex(coll string, name string) (bool, error) {
	n := m.events.NextOp()
	if err := m.gate(n, coll, "dropIndex"); err != nil {
		return false, err
	}
	start := time.Now()
	if _, err := m.db.Collection(coll).Indexes().DropOne(m.ctx, name); err != nil {
		m.failOp(n, coll, "dropIndex", start, err)
		return false, err
	}
	m.adminEvent(n, coll, "dropIndex", start, domain.RiskHigh)
	return true, nil
}

// gate rejects schema/admin operations in the strict profile. The
// rejection is recorded and surfaces in the script as a thrown error.
func (m *Mongo) gate(n int, coll, op string) error {
	if m.profile == domain.ProfileMaintenance {
		return nil
	}
	err := notAllowed(op)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventError,
		Message:    fmt.Sprintf("Op %d: %s.%s() rejected: %v", n, coll, op, err),
		OpNumber:   n,
		Collection: coll,
		Operation:  op,
		Error:      err.Error(),
	})
	return err
}

// adminEvent records a permitted schema/admin operation with its flag.
func (m *Mongo) adminEvent(n int, coll, op string, start time.Time, risk domain.RiskLevel) {
	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventOperation,
		Message:    fmt.Sprintf("Op %d: %s.%s() in %dms", n, coll, op, elapsed.Milliseconds()),
		OpNumber:   n,
		Collection: coll,
		Operation:  op,
		DurationMS: elapsed.Milliseconds(),
		RiskLevel:  risk.String(),
	})
}

// failOp records a failed operation before it surfaces in the script.
func (m *Mongo) failOp(n int, coll, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	m.events.Append(domain.OutputEvent{
		Kind:       domain.EventError,
		Message:    fmt.Sprintf("Op %d: %s.%s() failed: %v", n, coll, op, err),
		OpNumber:   n,
		Collection: coll,
		Operation:  op,
		DurationMS: elapsed.Milliseconds(),
		Error:      err.Error(),
	})
	m.logger.Warn("operation failed",
		slog.Int("op_number", n),
		slog.String("operation", op),
		slog.Duration("elapsed", elapsed),
	)
}

// drainCursor reads up to maxDocs documents, reporting truncation.
func (m *Mongo) drainCursor(cur *mongo.Cursor, maxDocs int) ([]map[string]any, bool, error) {
	defer cur.Close(m.ctx)

	var docs []map[string]any
	truncated := false
	for cur.Next(m.ctx) {
		if len(docs) >= maxDocs {
			truncated = true
			break
		}
		var doc map[string]any
		if err := cur.Decode(&doc); err != nil {
			return nil, false, fmt.Errorf("decoding document %d: %w", len(docs), err)
		}
		docs = append(docs, NormalizeDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating cursor: %w", err)
	}
	return docs, truncated, nil
}

// boundPipeline appends an implicit limit stage unless the pipeline
// terminates in $out or $merge, which produce no client-side rows.
func boundPipeline(pipeline []any, limit int64) []any {
	if len(pipeline) > 0 {
		if last, ok := pipeline[len(pipeline)-1].(map[string]any); ok {
			if _, out := last["$out"]; out {
				return pipeline
			}
			if _, merge := last["$merge"]; merge {
				return pipeline
			}
		}
	}
	bounded := make([]any, len(pipeline), len(pipeline)+1)
	copy(bounded, pipeline)
	return append(bounded, map[string]any{"$limit": limit})
}

// orEmptyFilter keeps nil filters valid for the driver.
func orEmptyFilter(filter map[string]any) any {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

// toBsonD converts a script object to an ordered document. Script
// objects carry no key order, so multi-key sorts and indexes should be
// expressed one key at a time.
func toBsonD(m map[string]any) bson.D {
	d := make(bson.D, 0, len(m))
	for k, v := range m {
		d = append(d, bson.E{Key: k, Value: v})
	}
	return d
}

// NormalizeDocument converts driver-decoded values to JSON-safe forms.
func NormalizeDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeMongoValue(v)
	}
	return out
}

func normalizeMongoValue(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return fmt.Sprintf("binary(%d bytes)", len(val.Data))
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeMongoValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeMongoValue(item)
		}
		return out
	case primitive.M:
		return NormalizeDocument(val)
	case map[string]any:
		return NormalizeDocument(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}
