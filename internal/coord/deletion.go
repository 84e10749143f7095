package coord

import (
	"context"
	"fmt"
)

// SubmitDelete removes fileID from the catalog and sends one DELETE to each
// connected replica. It returns without waiting for peer acks; replicas on
// disconnected peers are left behind.
func (c *Coordinator) SubmitDelete(ctx context.Context, fileID string) error {
	_, err := call(ctx, c, func(reply func(struct{}, error)) {
		reply(struct{}{}, c.deleteFile(fileID))
	})
	return err
}

func (c *Coordinator) deleteFile(fileID string) error {
	rec, ok := c.catalog.remove(fileID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNotFound, fileID)
		c.metrics.Deletes.WithLabelValues(resultLabel(err)).Inc()
		return err
	}
	c.updateGauges()

	seen := make(map[string]bool, len(rec.Replicas))
	var sent, skipped int
	for _, peerID := range rec.Replicas {
		if seen[peerID] {
			continue
		}
		seen[peerID] = true
		if !c.registry.isLive(peerID) {
			skipped++
			continue
		}
		c.sendDelete(peerID, fileID)
		sent++
	}

	c.metrics.Deletes.WithLabelValues("ok").Inc()
	c.logger.Info().
		Str("file_id", fileID).
		Str("name", rec.Name).
		Int("sent", sent).
		Int("skipped", skipped).
		Msg("file deleted")
	return nil
}
