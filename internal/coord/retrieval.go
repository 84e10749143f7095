package coord

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/pkg/proto"
)

// DownloadResult is a file fetched from one of its replicas.
type DownloadResult struct {
	FileID   string
	Name     string
	Data     []byte
	Checksum string
	Peer     string // replica that served the data
}

// SubmitDownload fetches fileID from the first replica, in catalog order,
// that is connected and returns data matching the recorded checksum.
// Disconnected replicas are skipped without being contacted.
func (c *Coordinator) SubmitDownload(ctx context.Context, fileID string) (DownloadResult, error) {
	return call(ctx, c, func(reply func(DownloadResult, error)) {
		rec, ok := c.catalog.get(fileID)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrNotFound, fileID)
			c.metrics.Downloads.WithLabelValues(resultLabel(err)).Inc()
			reply(DownloadResult{}, err)
			return
		}
		op := &retrieveOp{c: c, rec: rec, reply: reply}
		op.next()
	})
}

// retrieveOp walks the replica list of one record. Each attempt is pending
// under its own correlation id so a late reply to an abandoned attempt never
// matches the current one.
type retrieveOp struct {
	c       *Coordinator
	rec     FileRecord
	idx     int    // next replica to try
	attempt string // correlation id of the attempt in flight
	peer    string // peer of the attempt in flight
	tried   int
	done    bool
	reply   func(DownloadResult, error)
}

// next starts the following attempt or reports exhaustion.
func (op *retrieveOp) next() {
	c := op.c
	op.attempt, op.peer = "", ""

	for op.idx < len(op.rec.Replicas) {
		peerID := op.rec.Replicas[op.idx]
		op.idx++

		ch, ok := c.registry.liveChannel(peerID)
		if !ok {
			c.metrics.RetrieveAttempts.WithLabelValues("skipped").Inc()
			c.logger.Debug().Str("file_id", op.rec.ID).Str("peer", peerID).Msg("skipping disconnected replica")
			continue
		}

		id := uuid.NewString()
		msg, err := proto.NewMessage(proto.TypeRetrieve, id, proto.RetrievePayload{
			FileID: op.rec.ID,
			Name:   op.rec.Name,
		})
		if err != nil {
			op.finish(DownloadResult{}, fmt.Errorf("build retrieve: %w", err))
			return
		}

		op.attempt, op.peer = id, peerID
		op.tried++
		c.addPending(id, op, c.cfg.RetrieveTimeout)
		if err := ch.Send(msg); err != nil {
			c.removePending(id)
			op.attempt, op.peer = "", ""
			c.metrics.RetrieveAttempts.WithLabelValues("send_failed").Inc()
			c.logger.Debug().Err(err).Str("peer", peerID).Msg("retrieve not sent")
			continue
		}
		return
	}

	op.finish(DownloadResult{}, fmt.Errorf("%w: %s (%d of %d replicas tried)",
		ErrUnavailable, op.rec.ID, op.tried, len(op.rec.Replicas)))
}

// advance abandons the current attempt and moves on.
func (op *retrieveOp) advance(outcome string, reason string) {
	op.c.metrics.RetrieveAttempts.WithLabelValues(outcome).Inc()
	op.c.logger.Debug().
		Str("file_id", op.rec.ID).
		Str("peer", op.peer).
		Str("outcome", outcome).
		Str("reason", reason).
		Msg("retrieve attempt failed")
	op.c.removePending(op.attempt)
	op.next()
}

func (op *retrieveOp) onReply(peerID string, msg *proto.Message) {
	if op.done || msg.ID != op.attempt {
		return
	}
	if peerID != op.peer {
		op.c.logger.Warn().Str("peer", peerID).Str("expected", op.peer).Msg("ignoring retrieve reply from wrong peer")
		return
	}

	var ack proto.RetrieveAckPayload
	if err := msg.Decode(proto.TypeRetrieveAck, &ack); err != nil {
		op.advance("error", err.Error())
		return
	}
	if ack.Error != nil {
		op.advance("error", ack.Error.Error())
		return
	}
	if !strings.EqualFold(ack.Checksum, op.rec.Checksum) {
		op.advance("checksum_mismatch", fmt.Sprintf("peer reported %s, catalog has %s", ack.Checksum, op.rec.Checksum))
		return
	}
	if !checksum.Verify(ack.Data, ack.Checksum) {
		op.advance("checksum_mismatch", "data does not hash to reported checksum")
		return
	}

	op.c.removePending(op.attempt)
	op.c.metrics.RetrieveAttempts.WithLabelValues("ok").Inc()
	op.finish(DownloadResult{
		FileID:   op.rec.ID,
		Name:     op.rec.Name,
		Data:     ack.Data,
		Checksum: op.rec.Checksum,
		Peer:     peerID,
	}, nil)
}

func (op *retrieveOp) onPeerDown(peerID string) {
	if op.done || peerID != op.peer {
		return
	}
	op.advance("disconnected", "peer disconnected")
}

func (op *retrieveOp) onTimeout() {
	if op.done {
		return
	}
	op.c.metrics.RetrieveAttempts.WithLabelValues("timeout").Inc()
	op.c.logger.Debug().Str("file_id", op.rec.ID).Str("peer", op.peer).Msg("retrieve attempt timed out")
	op.next()
}

func (op *retrieveOp) abort(err error) {
	op.finish(DownloadResult{}, err)
}

func (op *retrieveOp) finish(res DownloadResult, err error) {
	if op.done {
		return
	}
	op.done = true
	op.c.metrics.Downloads.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		op.c.logger.Warn().Err(err).Str("file_id", op.rec.ID).Msg("download failed")
	} else {
		op.c.logger.Debug().Str("file_id", res.FileID).Str("peer", res.Peer).Msg("download served")
	}
	op.reply(res, err)
}
