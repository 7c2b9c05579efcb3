package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKeys = []byte("api_keys")

// Bolt is a durable Store in a single bbolt file.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

// Seed inserts seeds whose keys are not yet present.
func (b *Bolt) Seed(seeds []Seed) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketKeys)
		for _, s := range seeds {
			fp := []byte(Fingerprint(s.Key))
			if bk.Get(fp) != nil {
				continue
			}
			if err := putRecord(bk, fp, s.Record); err != nil {
				return err
			}
		}
		return nil
	})
}

func putRecord(bk *bolt.Bucket, fp []byte, rec Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bk.Put(fp, v)
}

func (b *Bolt) Lookup(_ context.Context, apiKey string) (*Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(Fingerprint(apiKey)))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Bolt) update(apiKey string, fn func(*Record)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketKeys)
		fp := []byte(Fingerprint(apiKey))
		v := bk.Get(fp)
		if v == nil {
			return ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		fn(&rec)
		return putRecord(bk, fp, rec)
	})
}

func (b *Bolt) TouchLastUsed(_ context.Context, apiKey string, t time.Time) error {
	t = t.UTC()
	return b.update(apiKey, func(r *Record) { r.LastUsedAt = &t })
}

func (b *Bolt) Revoke(_ context.Context, apiKey string) error {
	return b.update(apiKey, func(r *Record) { r.IsRevoked = true })
}

func (b *Bolt) Create(_ context.Context, nk NewKey) (string, *Record, error) {
	key, rec, err := mint(nk, b.now())
	if err != nil {
		return "", nil, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(bucketKeys), []byte(Fingerprint(key)), rec)
	})
	if err != nil {
		return "", nil, err
	}
	return key, &rec, nil
}

func (b *Bolt) List(_ context.Context, userID string) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if userID == "" || rec.UserID == userID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}
