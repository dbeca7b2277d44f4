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

package replsync

import (
	"encoding/json"
	"sync"

	"gorm.io/gorm"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

const (
	ErrorInit errors.CodeError = iota + errors.MinPkgSync
	ErrorPersistVersion
	ErrorApply
	ErrorUnknownTable
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorInit:           "failed to initialize replication log",
		ErrorPersistVersion: "failed to persist version vector entry",
		ErrorApply:          "failed to apply replicated change",
		ErrorUnknownTable:   "replicated change targets an unknown table",
	})
}

// Service is the replication log for one node: it records local changes,
// batches them into checksummed changesets on Flush, and applies inbound
// changesets under last-write-wins, deduplicated by version vector.
type Service struct {
	nodeID string
	db     *gorm.DB
	log    logging.Logger

	sequence uint64
	seqMu    sync.Mutex

	vv *VersionVector

	pendMu  sync.Mutex
	pending []model.Change

	lwwMu sync.Mutex
	lww   map[string]model.HLC
}

// New builds a Service over db, which must already have Schema and
// model.Backend migrated (package database's Open does this).
func New(nodeID string, db *gorm.DB, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{
		nodeID: nodeID,
		db:     db,
		log:    log.With("replsync"),
		vv:     NewVersionVector(),
		lww:    make(map[string]model.HLC),
	}
}

// Init loads the persisted version vector and this node's own sequence
// counter, so a restart doesn't re-broadcast or re-apply old changes.
func (s *Service) Init() errors.Error {
	var rows []versionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return errors.CodeError(ErrorInit).Error(err)
	}
	for _, r := range rows {
		s.vv.Update(r.NodeID, r.Sequence)
	}

	s.seqMu.Lock()
	s.sequence = s.vv.Get(s.nodeID)
	s.seqMu.Unlock()

	s.log.Info("replication log initialized", logging.Fields{"node_id": s.nodeID, "sequence": s.vv.Get(s.nodeID)})
	return nil
}

// Sequence returns this node's current sequence counter.
func (s *Service) Sequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.sequence
}

// VersionVector returns the service's version vector.
func (s *Service) VersionVector() *VersionVector {
	return s.vv
}

// RecordChange stamps a fresh HLC for a local mutation and queues it for
// the next Flush.
func (s *Service) RecordChange(table, pk string, kind model.ChangeKind, data string) model.Change {
	c := model.NewChange(table, pk, kind, data, s.nodeID)
	s.pendMu.Lock()
	s.pending = append(s.pending, c)
	s.pendMu.Unlock()
	return c
}

// Flush drains pending changes into a single checksummed changeset under
// the next sequence number. The ok result is false when there was
// nothing pending.
func (s *Service) Flush() (cs model.ChangeSet, ok bool) {
	s.pendMu.Lock()
	changes := s.pending
	s.pending = nil
	s.pendMu.Unlock()

	if len(changes) == 0 {
		return model.ChangeSet{}, false
	}

	s.seqMu.Lock()
	s.sequence++
	seq := s.sequence
	s.seqMu.Unlock()

	cs = model.NewChangeSet(s.nodeID, seq, changes)

	s.vv.Update(s.nodeID, seq)
	if err := s.persistVersion(s.nodeID, seq); err != nil {
		s.log.Warn("failed to persist own version after flush", logging.Fields{"error": err.Error()})
	}

	s.log.Debug("flushed pending changes", logging.Fields{"count": len(changes), "seq": seq})
	return cs, true
}

// ApplyChangeSet verifies cs, skips it if already seen, and applies every
// change under last-write-wins, returning the count actually applied.
func (s *Service) ApplyChangeSet(cs model.ChangeSet) (int, errors.Error) {
	if !cs.Verify() {
		return 0, errors.CodeError(ErrorApply).Error()
	}

	if s.vv.HasSeen(cs.Origin, cs.Seq) {
		s.log.Debug("skipping already-seen changeset", logging.Fields{"origin": cs.Origin, "seq": cs.Seq})
		return 0, nil
	}

	applied := 0
	for _, c := range cs.Changes {
		did, err := s.applyOne(c, cs.Checksum)
		if err != nil {
			return applied, err
		}
		if did {
			applied++
		}
	}

	s.vv.Update(cs.Origin, cs.Seq)
	if err := s.persistVersion(cs.Origin, cs.Seq); err != nil {
		s.log.Warn("failed to persist peer version after apply", logging.Fields{"error": err.Error()})
	}

	return applied, nil
}

func (s *Service) applyOne(c model.Change, batchChecksum uint32) (bool, errors.Error) {
	key := c.LWWKey()

	s.lwwMu.Lock()
	if cur, ok := s.lww[key]; ok && !c.Timestamp.Greater(cur) {
		s.lwwMu.Unlock()
		return false, nil
	}
	s.lwwMu.Unlock()

	if cur, ok, err := s.loadLWW(key); err != nil {
		return false, err
	} else if ok && !c.Timestamp.Greater(cur) {
		s.lwwMu.Lock()
		s.lww[key] = cur
		s.lwwMu.Unlock()
		return false, nil
	}

	if err := s.applyToTable(c); err != nil {
		return false, err
	}

	if err := s.storeLWW(key, c.Timestamp); err != nil {
		return false, err
	}

	s.lwwMu.Lock()
	s.lww[key] = c.Timestamp
	s.lwwMu.Unlock()

	row := newLogRow(c, batchChecksum)
	if err := s.db.Where("change_id = ?", c.ID).FirstOrCreate(&row).Error; err != nil {
		return false, errors.CodeError(ErrorApply).Error(err)
	}

	return true, nil
}

func (s *Service) loadLWW(key string) (model.HLC, bool, errors.Error) {
	var row lwwRow
	err := s.db.Where("table_pk = ?", key).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return model.HLC{}, false, nil
	}
	if err != nil {
		return model.HLC{}, false, errors.CodeError(ErrorApply).Error(err)
	}
	return row.hlc(), true, nil
}

func (s *Service) storeLWW(key string, hlc model.HLC) errors.Error {
	row := lwwRow{TablePK: key, WallMicros: hlc.WallMicros, Counter: hlc.Counter, NodeHash: hlc.NodeHash}
	if err := s.db.Save(&row).Error; err != nil {
		return errors.CodeError(ErrorApply).Error(err)
	}
	return nil
}

// backendChange mirrors the JSON shape a Change.Data carries for the
// backends table. Fields absent from the payload decode to their Go zero
// value; applyBackendChange then replaces an absent healthy with true and
// a zero weight, soft limit or hard limit with 2, 100 or 150.
type backendChange struct {
	App       string `json:"app"`
	Region    string `json:"region"`
	Country   string `json:"country"`
	IP        string `json:"ip"`
	Port      uint16 `json:"port"`
	Healthy   *bool  `json:"healthy"`
	Weight    uint32 `json:"weight"`
	SoftLimit uint32 `json:"soft_limit"`
	HardLimit uint32 `json:"hard_limit"`
}

func (s *Service) applyToTable(c model.Change) errors.Error {
	switch c.Table {
	case "backends":
		return s.applyBackendChange(c)
	default:
		return errors.CodeError(ErrorUnknownTable).Error()
	}
}

func (s *Service) applyBackendChange(c model.Change) errors.Error {
	if c.Kind == model.ChangeDelete {
		if err := s.db.Table("backends").Where("id = ?", c.PK).Update("deleted", true).Error; err != nil {
			return errors.CodeError(ErrorApply).Error(err)
		}
		return nil
	}

	var bc backendChange
	if err := json.Unmarshal([]byte(c.Data), &bc); err != nil {
		return errors.CodeError(ErrorApply).Error(err)
	}

	healthy := true
	if bc.Healthy != nil {
		healthy = *bc.Healthy
	}
	weight := bc.Weight
	if weight == 0 {
		weight = 2
	}
	soft := bc.SoftLimit
	if soft == 0 {
		soft = 100
	}
	hard := bc.HardLimit
	if hard == 0 {
		hard = 150
	}

	b := model.Backend{
		ID:        c.PK,
		App:       bc.App,
		Region:    model.RegionCode(bc.Region),
		Country:   bc.Country,
		RawIP:     bc.IP,
		Port:      bc.Port,
		Healthy:   healthy,
		Weight:    weight,
		SoftLimit: soft,
		HardLimit: hard,
	}

	if err := s.db.Table("backends").Save(&b).Error; err != nil {
		return errors.CodeError(ErrorApply).Error(err)
	}
	return nil
}

func (s *Service) persistVersion(nodeID string, seq uint64) errors.Error {
	row := versionRow{NodeID: nodeID, Sequence: seq}
	if err := s.db.Save(&row).Error; err != nil {
		return errors.CodeError(ErrorPersistVersion).Error(err)
	}
	return nil
}
