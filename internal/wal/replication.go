package wal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const defaultStandbyTimeout = 10 * time.Second

// ReplicationSource reads wal2json output directly from a logical
// replication slot.
type ReplicationSource struct {
	// ConnString is a Postgres connection string; replication=database is
	// added when missing.
	ConnString string
	Slot       string
	// CreateSlot creates a temporary slot for the lifetime of the
	// connection instead of attaching to an existing one.
	CreateSlot     bool
	PluginArgs     []string
	StandbyTimeout time.Duration
	Log            *zap.Logger
}

func (r *ReplicationSource) Name() string { return "replication slot " + r.Slot }

func (r *ReplicationSource) connString() string {
	cs := r.ConnString
	if strings.Contains(cs, "replication=") {
		return cs
	}
	if strings.Contains(cs, "://") {
		sep := "?"
		if strings.Contains(cs, "?") {
			sep = "&"
		}
		return cs + sep + "replication=database"
	}
	return cs + " replication=database"
}

func (r *ReplicationSource) Stream(ctx context.Context, h Handler) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := r.StandbyTimeout
	if timeout <= 0 {
		timeout = defaultStandbyTimeout
	}
	args := r.PluginArgs
	if args == nil {
		args = []string{`"include-timestamp" 'true'`}
	}

	conn, err := pgconn.Connect(ctx, r.connString())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	log.Info("replication connected",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.Stringer("xlogpos", sys.XLogPos),
		zap.String("db", sys.DBName))

	if r.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.Slot, "wal2json",
			pglogrepl.CreateReplicationSlotOptions{Temporary: true})
		if err != nil {
			return fmt.Errorf("create replication slot %s: %w", r.Slot, err)
		}
	}

	err = pglogrepl.StartReplication(ctx, conn, r.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: args})
	if err != nil {
		return fmt.Errorf("start replication on %s: %w", r.Slot, err)
	}
	log.Info("logical replication started", zap.String("slot", r.Slot))
	if h.Ready != nil {
		h.Ready()
	}

	lastLSN := sys.XLogPos
	nextStandby := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextStandby) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN})
			if err != nil {
				return fmt.Errorf("send standby status: %w", err)
			}
			log.Debug("sent standby status", zap.Stringer("lsn", lastLSN))
			nextStandby = time.Now().Add(timeout)
		}

		rctx, cancel := context.WithDeadline(ctx, nextStandby)
		raw, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		if e, ok := raw.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication error: %s", e.Message)
		}
		msg, ok := raw.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			log.Debug("unexpected replication message", zap.String("type", fmt.Sprintf("%T", raw)))
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				log.Warn("bad keepalive message", zap.Error(err))
				continue
			}
			if pkm.ServerWALEnd > lastLSN {
				lastLSN = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				log.Warn("bad xlog data", zap.Error(err))
				continue
			}
			if h.Payload != nil {
				h.Payload(xld.WALData)
			}
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > lastLSN {
				lastLSN = end
			}
		}
	}
}
