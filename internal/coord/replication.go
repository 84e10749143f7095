package coord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/pkg/proto"
)

// UploadRequest is a file submitted by a client.
type UploadRequest struct {
	Name     string
	Size     int64 // 0 means len(Data)
	Date     time.Time
	Checksum string // advisory; empty means compute from Data
	Data     []byte
}

// UploadResult identifies a confirmed upload.
type UploadResult struct {
	FileID   string
	Checksum string
}

// tombstone remembers a failed upload so stray acks can be rolled back.
type tombstone struct {
	fileID  string
	peers   map[string]bool // chosen peers that never acked
	expires time.Time
}

// SubmitUpload replicates req to up to ReplicationFactor live peers and
// waits until every chosen peer acknowledged. It fails with
// ErrInsufficientReplicas when fewer than MinReplicas peers are live and with
// ErrReplicationFailed when any chosen peer fails, disconnects or times out;
// peers that did store the file then receive a rollback DELETE.
func (c *Coordinator) SubmitUpload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if err := c.validateUpload(&req); err != nil {
		c.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
		return UploadResult{}, err
	}
	return call(ctx, c, func(reply func(UploadResult, error)) {
		c.startUpload(req, reply)
	})
}

// validateUpload normalises req. It runs on the caller's goroutine so hashing
// large payloads never stalls the loop.
func (c *Coordinator) validateUpload(req *UploadRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	if int64(len(req.Data)) > c.cfg.MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrInvalidRequest, len(req.Data), c.cfg.MaxPayload)
	}
	switch {
	case req.Size == 0:
		req.Size = int64(len(req.Data))
	case req.Size != int64(len(req.Data)):
		return fmt.Errorf("%w: declared size %d but payload has %d bytes", ErrInvalidRequest, req.Size, len(req.Data))
	}
	// A declared checksum is recorded as given; replicas are checked against
	// it on retrieval.
	if req.Checksum == "" {
		req.Checksum = checksum.Sum(req.Data)
	}
	if req.Date.IsZero() {
		req.Date = c.now().UTC()
	}
	return nil
}

type uploadOp struct {
	c       *Coordinator
	id      string // operation id
	req     UploadRequest
	fileID  string
	chosen  []string
	acked   map[string]bool
	started time.Time
	reply   func(UploadResult, error)
	done    bool
}

func (c *Coordinator) startUpload(req UploadRequest, reply func(UploadResult, error)) {
	live := c.registry.listLive()
	if len(live) < c.cfg.MinReplicas {
		err := fmt.Errorf("%w: %d live, %d required", ErrInsufficientReplicas, len(live), c.cfg.MinReplicas)
		c.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
		reply(UploadResult{}, err)
		return
	}
	chosen := live[:min(len(live), c.cfg.ReplicationFactor)]

	fileID, err := c.allocateFileID()
	if err != nil {
		c.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
		reply(UploadResult{}, err)
		return
	}

	op := &uploadOp{
		c:       c,
		id:      uuid.NewString(),
		req:     req,
		fileID:  fileID,
		chosen:  append([]string(nil), chosen...),
		acked:   make(map[string]bool, len(chosen)),
		started: c.now(),
		reply:   reply,
	}
	c.reserved[fileID] = struct{}{}
	c.addPending(op.id, op, c.cfg.OperationTimeout)

	c.logger.Debug().
		Str("op", op.id).
		Str("file_id", fileID).
		Str("name", req.Name).
		Int64("size", req.Size).
		Strs("peers", op.chosen).
		Msg("replicating upload")

	msg, err := proto.NewMessage(proto.TypeStore, op.id, proto.StorePayload{
		FileID: fileID,
		Name:   req.Name,
		Data:   req.Data,
	})
	if err != nil {
		op.fail(fmt.Errorf("build store: %w", err))
		return
	}
	for _, peerID := range op.chosen {
		if err := c.sendTo(peerID, msg); err != nil {
			op.fail(fmt.Errorf("%w: send to %s: %v", ErrReplicationFailed, peerID, err))
			return
		}
	}
}

// allocateFileID returns an id unused by the catalog and by in-flight uploads.
func (c *Coordinator) allocateFileID() (string, error) {
	for range fileIDAttempts {
		id := c.newFileID()
		if id == "" || c.catalog.has(id) {
			continue
		}
		if _, held := c.reserved[id]; held {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("no unused file id after %d attempts", fileIDAttempts)
}

func (op *uploadOp) isChosen(peerID string) bool {
	for _, p := range op.chosen {
		if p == peerID {
			return true
		}
	}
	return false
}

func (op *uploadOp) onReply(peerID string, msg *proto.Message) {
	if op.done {
		return
	}
	log := op.c.logger.With().Str("op", op.id).Str("peer", peerID).Logger()
	if msg.Type != proto.TypeStoreAck {
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring non-ack reply to upload")
		return
	}
	if !op.isChosen(peerID) {
		log.Warn().Msg("ignoring store ack from peer outside the replica set")
		return
	}
	if op.acked[peerID] {
		log.Debug().Msg("ignoring duplicate store ack")
		return
	}

	var ack proto.StoreAckPayload
	if err := msg.Decode(proto.TypeStoreAck, &ack); err != nil {
		op.fail(fmt.Errorf("%w: malformed ack from %s: %v", ErrReplicationFailed, peerID, err))
		return
	}
	if ack.Error != nil {
		op.fail(fmt.Errorf("%w: peer %s: %s", ErrReplicationFailed, peerID, ack.Error.Error()))
		return
	}
	if ack.FileID != op.fileID {
		log.Warn().Str("file_id", ack.FileID).Msg("ignoring store ack for a different file")
		return
	}

	op.acked[peerID] = true
	if len(op.acked) == len(op.chosen) {
		op.confirm()
	}
}

func (op *uploadOp) onPeerDown(peerID string) {
	if op.done || !op.isChosen(peerID) || op.acked[peerID] {
		return
	}
	op.fail(fmt.Errorf("%w: peer %s disconnected", ErrReplicationFailed, peerID))
}

func (op *uploadOp) onTimeout() {
	if op.done {
		return
	}
	missing := make([]string, 0, len(op.chosen))
	for _, p := range op.chosen {
		if !op.acked[p] {
			missing = append(missing, p)
		}
	}
	op.fail(fmt.Errorf("%w: timed out after %s waiting for %s",
		ErrReplicationFailed, op.c.cfg.OperationTimeout, strings.Join(missing, ", ")))
}

func (op *uploadOp) abort(err error) {
	op.fail(err)
}

func (op *uploadOp) confirm() {
	c := op.c
	op.done = true
	c.removePending(op.id)
	delete(c.reserved, op.fileID)

	rec := FileRecord{
		ID:        op.fileID,
		Name:      op.req.Name,
		Size:      op.req.Size,
		Date:      op.req.Date,
		Checksum:  op.req.Checksum,
		Replicas:  op.chosen,
		CreatedAt: c.now(),
	}
	c.catalog.add(rec)
	c.updateGauges()

	c.metrics.Uploads.WithLabelValues("ok").Inc()
	c.metrics.BytesStored.Add(float64(rec.Size))
	c.metrics.ReplicationDuration.Observe(c.now().Sub(op.started).Seconds())
	c.logger.Info().
		Str("file_id", rec.ID).
		Str("name", rec.Name).
		Int64("size", rec.Size).
		Strs("replicas", rec.Replicas).
		Msg("upload confirmed")

	op.reply(UploadResult{FileID: rec.ID, Checksum: rec.Checksum}, nil)
}

// fail rolls back every replica that acked and remembers the operation so
// late acks can be rolled back too.
func (op *uploadOp) fail(err error) {
	if op.done {
		return
	}
	c := op.c
	op.done = true
	c.removePending(op.id)
	delete(c.reserved, op.fileID)

	stray := make(map[string]bool)
	for _, peerID := range op.chosen {
		if op.acked[peerID] {
			c.sendDelete(peerID, op.fileID)
		} else {
			stray[peerID] = true
		}
	}
	if len(stray) > 0 {
		c.tombstones.Add(op.id, &tombstone{
			fileID:  op.fileID,
			peers:   stray,
			expires: c.now().Add(2 * c.cfg.OperationTimeout),
		})
	}

	c.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
	c.metrics.ReplicationDuration.Observe(c.now().Sub(op.started).Seconds())
	c.logger.Warn().Err(err).Str("file_id", op.fileID).Str("op", op.id).Msg("upload failed")

	op.reply(UploadResult{}, err)
}

// rollbackLateAck deletes a replica stored after its upload already failed.
func (c *Coordinator) rollbackLateAck(peerID string, msg *proto.Message) {
	ts, ok := c.tombstones.Get(msg.ID)
	if ok && c.now().After(ts.expires) {
		c.tombstones.Remove(msg.ID)
		ok = false
	}
	if !ok || !ts.peers[peerID] {
		c.logger.Debug().Str("peer", peerID).Str("id", msg.ID).Msg("ignoring store ack for unknown operation")
		return
	}
	delete(ts.peers, peerID)
	if len(ts.peers) == 0 {
		c.tombstones.Remove(msg.ID)
	}

	var ack proto.StoreAckPayload
	if err := msg.Decode(proto.TypeStoreAck, &ack); err != nil || ack.Error != nil {
		return
	}
	c.logger.Info().Str("peer", peerID).Str("file_id", ts.fileID).Msg("rolling back late replica")
	c.sendDelete(peerID, ts.fileID)
}
