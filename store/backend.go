package store

// Backend is the persistence layer under Store. Implementations must apply a
// Batch atomically: either every op lands or none does.
type Backend interface {
	// Get returns mg.ErrNotFound for a missing key.
	Get(key []byte) ([]byte, error)
	// Commit applies b. It fails with mg.ErrExists, writing nothing, when an
	// Insert targets a key that is already present.
	Commit(b *Batch) error
	// Scan calls fn for every key starting with prefix, in key order.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// Sync makes every committed batch durable.
	Sync() error
	Close() error
}

type opKind uint8

const (
	opSet opKind = iota
	opInsert
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// Batch is an ordered set of writes committed together.
type Batch struct {
	ops []op
}

// Insert writes key only if it does not exist yet.
func (b *Batch) Insert(key, value []byte) {
	b.ops = append(b.ops, op{kind: opInsert, key: key, value: value})
}

func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, op{kind: opSet, key: key, value: value})
}

// Delete tolerates missing keys.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: key})
}

func (b *Batch) Len() int { return len(b.ops) }

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
