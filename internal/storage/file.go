package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "dutybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outbox.snapshot.json (periodic snapshot of all records)
//   - <prefix>.outbox.journal.jsonl (append-only put/del journal)
//   - <prefix>.delivery.jsonl       (append-only delivery log, rewritten on compact)
//
// The journal is periodically compacted into the snapshot. Unreadable files
// are treated as empty: this driver favors availability over durability.
type fileStore struct {
	log logx.Logger
	cap int

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	journalPath  string
	msgs         map[string]Message

	deliveryPath string
	deliveryFile *os.File
	deliveries   []DeliveryEntry

	writes int
}

type journalRecord struct {
	Op  string   `json:"op"` // "put" | "del"
	ID  string   `json:"id,omitempty"`
	Msg *Message `json:"msg,omitempty"`
}

const fileCompactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		cap:          cfg.deliveryCap(),
		snapshotPath: prefix + ".outbox.snapshot.json",
		journalPath:  prefix + ".outbox.journal.jsonl",
		deliveryPath: prefix + ".delivery.jsonl",
		msgs:         map[string]Message{},
	}

	// Load state; corruption degrades to empty, never fatal.
	if err := loadSnapshot(s.snapshotPath, s.msgs); err != nil && !os.IsNotExist(err) {
		log.Warn("outbox snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := replayJournal(s.journalPath, s.msgs); err != nil && !os.IsNotExist(err) {
		log.Warn("outbox journal replay incomplete", logx.Err(err))
	}
	s.deliveries = loadDeliveries(s.deliveryPath, s.cap)

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf

	df, err := os.OpenFile(s.deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.deliveryFile = df

	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.deliveryFile != nil {
		err2 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) ListMessages(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *fileStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, false, nil
	}
	return cloneMessage(m), true, nil
}

func (s *fileStore) AddMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[m.ID]; exists {
		return errors.New("duplicate message id: " + m.ID)
	}
	return s.putLocked(m)
}

func (s *fileStore) UpdateMessage(ctx context.Context, m Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[m.ID]; !exists {
		return false, nil
	}
	return true, s.putLocked(m)
}

func (s *fileStore) RemoveMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[id]; !exists {
		return false, nil
	}
	if s.journalFile == nil {
		return false, errors.New("outbox journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "del", ID: id}); err != nil {
		return false, err
	}
	delete(s.msgs, id)
	s.afterWriteLocked()
	return true, nil
}

func (s *fileStore) ReplaceMessages(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		next[m.ID] = cloneMessage(m)
	}
	s.msgs = next
	return s.compactLocked()
}

func (s *fileStore) putLocked(m Message) error {
	if s.journalFile == nil {
		return errors.New("outbox journal closed")
	}
	cp := cloneMessage(m)
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "put", Msg: &cp}); err != nil {
		return err
	}
	s.msgs[m.ID] = cp
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) afterWriteLocked() {
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("outbox compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery log closed")
	}
	if err := json.NewEncoder(s.deliveryFile).Encode(e); err != nil {
		return err
	}
	s.deliveries = append(s.deliveries, e)
	if len(s.deliveries) > s.cap {
		s.deliveries = s.deliveries[len(s.deliveries)-s.cap:]
		// Rewrite the file once it holds several caps worth of stale lines.
		if s.writes%fileCompactEvery == 0 {
			if err := s.rewriteDeliveriesLocked(); err != nil {
				s.log.Debug("delivery log compact failed", logx.Err(err))
			}
		}
	}
	s.writes++
	return nil
}

func (s *fileStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.deliveries) {
		n = len(s.deliveries)
	}
	out := make([]DeliveryEntry, 0, n)
	for i := len(s.deliveries) - 1; i >= len(s.deliveries)-n; i-- {
		out = append(out, s.deliveries[i])
	}
	return out, nil
}

// compactLocked writes the snapshot atomically (tmp + rename) and truncates
// the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.msgs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journalFile == nil {
		return nil
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) rewriteDeliveriesLocked() error {
	tmp := s.deliveryPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range s.deliveries {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.deliveryFile != nil {
		_ = s.deliveryFile.Close()
	}
	if err := os.Rename(tmp, s.deliveryPath); err != nil {
		return err
	}
	df, err := os.OpenFile(s.deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.deliveryFile = df
	return nil
}

func loadSnapshot(path string, out map[string]Message) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Message
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Message) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Msg != nil && r.Msg.ID != "" {
				out[r.Msg.ID] = *r.Msg
			}
		case "del":
			if r.ID != "" {
				delete(out, r.ID)
			}
		}
	}
	return sc.Err()
}

func loadDeliveries(path string, cap int) []DeliveryEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []DeliveryEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e DeliveryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if len(out) > cap {
		out = out[len(out)-cap:]
	}
	return out
}
