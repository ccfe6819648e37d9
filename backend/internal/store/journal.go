package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"causalText/backend/internal/crdt"
)

// Journal 基于 bbolt 的本地操作日志：每个文档一个 bucket，
// key 是大端序的整合序号，value 是 JSON 编码的操作
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Append 一批操作在同一个事务里写入
func (j *Journal) Append(docID string, ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		for _, op := range ops {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			v, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := b.Put(itob(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load 按写入顺序返回文档的全部操作；文档不存在时返回空
func (j *Journal) Load(docID string) ([]crdt.Op, error) {
	var ops []crdt.Op
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var op crdt.Op
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode op at %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (j *Journal) Documents() ([]string, error) {
	var docs []string
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			docs = append(docs, string(name))
			return nil
		})
	})
	return docs, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
