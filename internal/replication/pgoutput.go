package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
)

const outputPlugin = "pgoutput"

// relationInfo is what pgoutputDecoder remembers about a relation
// between its Relation message and the row events that reference it,
// enough to synthesize the key/value schema text the Table Mapper
// registers.
type relationInfo struct {
	namespace string
	name      string
	columns   []pglogrepl.RelationMessageColumn
}

// pgoutputDecoder is the concrete Decoder: it drives a physical
// replication connection with the pgoutput plugin and translates its
// binary stream into Handler callbacks.
type pgoutputDecoder struct {
	connString  string
	publication string

	conn          *pgconn.PgConn
	slotName      string
	sysident      pglogrepl.IdentifySystemResult
	clientXLogPos pglogrepl.LSN
	relations     map[uint32]*relationInfo
	// currentXid is the transaction currently open between a Begin and
	// its Commit. The pgoutput Commit message carries no xid of its
	// own (a connection streams one transaction at a time), so the
	// decoder remembers it from the matching Begin.
	currentXid uint32
}

// NewDecoder creates a Decoder bound to connString, streaming the
// named publication. The publication must already exist; Postgres-side
// objects are provisioned out of band rather than having the bridge
// itself run DDL.
func NewDecoder(connString, publication string) Decoder {
	return &pgoutputDecoder{
		connString:  connString,
		publication: publication,
		relations:   make(map[uint32]*relationInfo),
	}
}

func (d *pgoutputDecoder) Start(ctx context.Context, slot string, skipSnapshot bool) (bool, error) {
	conn, err := pgconn.Connect(ctx, d.connString)
	if err != nil {
		return false, errors.Wrap(err, "connecting replication stream")
	}
	d.conn = conn

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return false, errors.Wrap(err, "IDENTIFY_SYSTEM")
	}
	d.sysident = sysident
	d.clientXLogPos = sysident.XLogPos
	d.slotName = slot

	created, startLSN, err := d.createOrFindSlot(ctx, slot)
	if err != nil {
		return false, err
	}
	// startLSN is 0 for an existing slot: START_REPLICATION then resumes
	// from the slot's confirmed position rather than the current WAL end.
	d.clientXLogPos = startLSN

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", d.publication),
		"messages 'true'",
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, d.clientXLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return false, errors.Wrap(err, "START_REPLICATION")
	}

	if created && !skipSnapshot {
		return true, nil
	}
	if created && skipSnapshot {
		return true, ErrNoSnapshot
	}
	return false, nil
}

// createOrFindSlot returns (true, consistentPoint, nil) when a new slot
// had to be created, or (false, 0, nil) when the slot already existed,
// so that replication resumes from the slot's last confirmed position.
func (d *pgoutputDecoder) createOrFindSlot(ctx context.Context, slot string) (bool, pglogrepl.LSN, error) {
	result, err := pglogrepl.CreateReplicationSlot(ctx, d.conn, slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false, SnapshotAction: "export"})
	if err != nil {
		// Slot already exists: a restart, not a first run.
		return false, 0, nil
	}
	startLSN, lsnErr := pglogrepl.ParseLSN(result.ConsistentPoint)
	if lsnErr != nil {
		return true, 0, errors.Wrap(lsnErr, "parsing replication slot consistent point")
	}
	return true, startLSN, nil
}

func (d *pgoutputDecoder) Process(ctx context.Context, h Handler) (bool, error) {
	rawMsg, err := d.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "receiving replication message")
	}

	errMsg, ok := rawMsg.(*pgproto3.ErrorResponse)
	if ok {
		return true, h.OnError(int(errMsg.Code[0]), errMsg.Message)
	}

	copyData, ok := rawMsg.(*pgproto3.CopyData)
	if !ok {
		// Unrecognized frame; nothing to dispatch.
		return true, nil
	}

	switch copyData.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
		if err != nil {
			return true, errors.Wrap(err, "parsing primary keepalive")
		}
		ackLSN, disposition, err := h.OnKeepalive(uint64(keepalive.ServerWALEnd))
		if err != nil {
			return true, err
		}
		if keepalive.ReplyRequested && disposition == AckAdvance {
			return true, d.SendKeepalive(ctx, ackLSN)
		}
		return true, nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
		if err != nil {
			return true, errors.Wrap(err, "parsing XLogData")
		}
		if xld.WALStart > d.clientXLogPos {
			d.clientXLogPos = xld.WALStart
		}
		msg, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return true, errors.Wrap(err, "parsing pgoutput message")
		}
		return true, d.dispatch(msg, uint64(xld.WALStart), h)

	default:
		return true, nil
	}
}

func (d *pgoutputDecoder) dispatch(msg pglogrepl.Message, walPos uint64, h Handler) error {
	switch v := msg.(type) {
	case *pglogrepl.BeginMessage:
		d.currentXid = v.Xid
		return h.OnBegin(v.Xid, uint64(v.FinalLSN))

	case *pglogrepl.CommitMessage:
		return h.OnCommit(d.currentXid, uint64(v.CommitLSN))

	case *pglogrepl.RelationMessage:
		d.relations[v.RelationID] = &relationInfo{
			namespace: v.Namespace,
			name:      v.RelationName,
			columns:   v.Columns,
		}
		keySchema, valueSchema := schemaText(v)
		namespace := mapper.GeneratedSchemaNamespace + "." + v.Namespace
		return h.OnRelation(v.RelationID, namespace, v.RelationName, keySchema, valueSchema, walPos)

	case *pglogrepl.InsertMessage:
		rel, ok := d.relations[v.RelationID]
		if !ok {
			return h.OnError(1, "insert references unknown relation")
		}
		key, value := encodeTuple(rel, v.Tuple, nil)
		return h.OnInsert(v.RelationID, key, value, walPos)

	case *pglogrepl.UpdateMessage:
		rel, ok := d.relations[v.RelationID]
		if !ok {
			return h.OnError(1, "update references unknown relation")
		}
		old := v.OldTuple
		key, value := encodeTuple(rel, v.NewTuple, old)
		_, oldValue := encodeTuple(rel, old, nil)
		return h.OnUpdate(v.RelationID, key, oldValue, value, walPos)

	case *pglogrepl.DeleteMessage:
		rel, ok := d.relations[v.RelationID]
		if !ok {
			return h.OnError(1, "delete references unknown relation")
		}
		key, old := encodeTuple(rel, v.OldTuple, nil)
		return h.OnDelete(v.RelationID, key, old, walPos)

	default:
		log.WithField("type", fmt.Sprintf("%T", msg)).Debug("ignoring unrecognised pgoutput message")
		return nil
	}
}

// schemaText renders the minimal JSON schema text the mapper registers
// for the relation: a JSON object describing column names is
// sufficient for both the binary and text encoders this package
// supports.
func schemaText(rel *pglogrepl.RelationMessage) (key, value string) {
	type column struct {
		Name string `json:"name"`
		Key  bool   `json:"key"`
	}
	cols := make([]column, 0, len(rel.Columns))
	keyCols := make([]column, 0)
	for _, c := range rel.Columns {
		isKey := c.Flags&1 != 0
		col := column{Name: c.Name, Key: isKey}
		cols = append(cols, col)
		if isKey {
			keyCols = append(keyCols, col)
		}
	}
	valueBytes, _ := json.Marshal(struct {
		Table   string   `json:"table"`
		Columns []column `json:"columns"`
	}{Table: rel.Namespace + "." + rel.RelationName, Columns: cols})
	keyBytes, _ := json.Marshal(struct {
		Table   string   `json:"table"`
		Columns []column `json:"columns"`
	}{Table: rel.Namespace + "." + rel.RelationName, Columns: keyCols})
	return string(keyBytes), string(valueBytes)
}

// encodeTuple renders a tuple's columns as JSON objects for the key
// (key columns only) and value (all columns, nil for a delete's
// missing new-tuple). unused is accepted to keep the call sites
// symmetric across insert/update/delete without a separate signature
// per operation.
func encodeTuple(rel *relationInfo, tuple *pglogrepl.TupleData, unused *pglogrepl.TupleData) (key, value []byte) {
	if tuple == nil {
		return nil, nil
	}
	valueFields := make(map[string]interface{}, len(rel.columns))
	keyFields := make(map[string]interface{})
	for i, col := range rel.columns {
		if i >= len(tuple.Columns) {
			break
		}
		data := tuple.Columns[i]
		var v interface{}
		if data.DataType == uint8('t') {
			v = string(data.Data)
		}
		valueFields[col.Name] = v
		if col.Flags&1 != 0 {
			keyFields[col.Name] = v
		}
	}
	value, _ = json.Marshal(valueFields)
	if len(keyFields) == 0 {
		return nil, value
	}
	key, _ = json.Marshal(keyFields)
	return key, value
}

func (d *pgoutputDecoder) SendKeepalive(ctx context.Context, ackLSN uint64) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(ackLSN),
		WALFlushPosition: pglogrepl.LSN(ackLSN),
		WALApplyPosition: pglogrepl.LSN(ackLSN),
		ClientTime:       time.Now(),
	})
}

func (d *pgoutputDecoder) Close(ctx context.Context, dropSlot bool) error {
	if d.conn == nil {
		return nil
	}
	defer func() {
		_ = d.conn.Close(ctx)
	}()
	if dropSlot {
		log.WithField("slot", d.slotName).Warn("dropping replication slot after unclean shutdown during snapshot")
		if err := d.dropSlot(ctx); err != nil {
			return errors.Wrap(err, "dropping replication slot")
		}
	}
	return nil
}

// dropSlot issues DROP_REPLICATION_SLOT over a fresh connection: the
// slot cannot be dropped over the same connection still streaming from
// it, so this reconnects using the same DSN for the one administrative
// statement.
func (d *pgoutputDecoder) dropSlot(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, d.connString)
	if err != nil {
		return errors.Wrap(err, "connecting to drop replication slot")
	}
	defer func() { _ = conn.Close(ctx) }()

	return pglogrepl.DropReplicationSlot(ctx, conn, d.slotName, pglogrepl.DropReplicationSlotOptions{})
}
