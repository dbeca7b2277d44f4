/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package replsync is the replication log: HLC-stamped change recording,
// LWW conflict resolution, a per-origin sequence counter and version
// vector, and the apply path that turns an inbound changeset into rows
// in the backend table. Named replsync, not sync, to keep every file
// free to import the standard library's sync package too.
package replsync

import "github.com/nabbar/geoproxy/model"

// logRow is one durable entry in the replication log (__replication_log),
// keyed by the originating Change's ID so re-applying the same change is
// a no-op.
type logRow struct {
	ID          uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	ChangeID    uint64 `gorm:"column:change_id;uniqueIndex"`
	TableName   string `gorm:"column:table_name;index"`
	PK          string `gorm:"column:pk"`
	Kind        uint8  `gorm:"column:kind"`
	Data        string `gorm:"column:data"`
	WallMicros  uint64 `gorm:"column:timestamp_wall"`
	Counter     uint32 `gorm:"column:timestamp_counter"`
	NodeHash    uint32 `gorm:"column:timestamp_node"`
	Origin      string `gorm:"column:origin_node;index"`
	AppliedAt   int64  `gorm:"column:applied_at"`
	// BatchChecksum records the checksum of the changeset this row was
	// applied as part of, so a replay of the full log can be verified in
	// batches rather than row by row.
	BatchChecksum uint32 `gorm:"column:batch_checksum"`
}

func (logRow) TableName() string { return "__replication_log" }

func newLogRow(c model.Change, batchChecksum uint32) logRow {
	return logRow{
		ChangeID:      c.ID,
		TableName:     c.Table,
		PK:            c.PK,
		Kind:          uint8(c.Kind),
		Data:          c.Data,
		WallMicros:    c.Timestamp.WallMicros,
		Counter:       c.Timestamp.Counter,
		NodeHash:      c.Timestamp.NodeHash,
		Origin:        c.Origin,
		AppliedAt:     int64(c.Timestamp.WallMicros),
		BatchChecksum: batchChecksum,
	}
}

func (r logRow) change() model.Change {
	return model.Change{
		ID:    r.ChangeID,
		Table: r.TableName,
		PK:    r.PK,
		Kind:  model.ChangeKind(r.Kind),
		Data:  r.Data,
		Timestamp: model.HLC{
			WallMicros: r.WallMicros,
			Counter:    r.Counter,
			NodeHash:   r.NodeHash,
		},
		Origin: r.Origin,
	}
}

// versionRow persists the last-seen sequence number per origin node
// (__replication_versions), reloaded into the in-memory VersionVector on
// startup.
type versionRow struct {
	NodeID   string `gorm:"column:node_id;primaryKey"`
	Sequence uint64 `gorm:"column:sequence"`
}

func (versionRow) TableName() string { return "__replication_versions" }

// lwwRow persists the winning HLC for each replicated row
// (__replication_lww), keyed by "table:pk", so the LWW check in
// Service.applyOne survives a restart without replaying the whole log.
type lwwRow struct {
	TablePK    string `gorm:"column:table_pk;primaryKey"`
	WallMicros uint64 `gorm:"column:timestamp_wall"`
	Counter    uint32 `gorm:"column:timestamp_counter"`
	NodeHash   uint32 `gorm:"column:timestamp_node"`
}

func (lwwRow) TableName() string { return "__replication_lww" }

func (r lwwRow) hlc() model.HLC {
	return model.HLC{WallMicros: r.WallMicros, Counter: r.Counter, NodeHash: r.NodeHash}
}

// Schema lists every model this package needs auto-migrated alongside
// model.Backend; pass to database.Open together.
var Schema = []interface{}{&logRow{}, &versionRow{}, &lwwRow{}}
