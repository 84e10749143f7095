package coord

import (
	"slices"
	"time"

	"github.com/peervault/peervault/pkg/proto"
)

// FileRecord is the catalog entry of a confirmed upload. Records are
// immutable once added.
type FileRecord struct {
	ID        string
	Name      string
	Size      int64
	Date      time.Time
	Checksum  string
	Replicas  []string
	CreatedAt time.Time
}

// Info converts the record to its wire form.
func (f FileRecord) Info() proto.FileInfo {
	return proto.FileInfo{
		ID:       f.ID,
		Name:     f.Name,
		Size:     f.Size,
		Date:     f.Date,
		Checksum: f.Checksum,
		Replicas: slices.Clone(f.Replicas),
	}
}

// catalog holds confirmed files in confirmation order.
type catalog struct {
	order []string
	files map[string]FileRecord
}

func newCatalog() *catalog {
	return &catalog{files: make(map[string]FileRecord)}
}

func (c *catalog) add(rec FileRecord) {
	if _, exists := c.files[rec.ID]; !exists {
		c.order = append(c.order, rec.ID)
	}
	c.files[rec.ID] = rec
}

func (c *catalog) get(id string) (FileRecord, bool) {
	rec, ok := c.files[id]
	return rec, ok
}

func (c *catalog) has(id string) bool {
	_, ok := c.files[id]
	return ok
}

// remove deletes the record and returns it.
func (c *catalog) remove(id string) (FileRecord, bool) {
	rec, ok := c.files[id]
	if !ok {
		return FileRecord{}, false
	}
	delete(c.files, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return rec, true
}

func (c *catalog) list() []FileRecord {
	out := make([]FileRecord, 0, len(c.order))
	for _, id := range c.order {
		rec := c.files[id]
		rec.Replicas = slices.Clone(rec.Replicas)
		out = append(out, rec)
	}
	return out
}

func (c *catalog) len() int {
	return len(c.files)
}
