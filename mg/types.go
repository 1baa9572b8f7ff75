package mg

//go:generate msgp -io=false

// Lock is the persisted marker behind a held claim key.
type Lock struct {
	Key       string `json:"k" msg:"k"`
	CreatedAt int64  `json:"t" msg:"t"` // unix millis
}

// Audit is the annotation stored next to a Lock. Losing it never releases
// the lock.
type Audit struct {
	At   int64             `json:"t" msg:"t"`
	Meta map[string]string `json:"m" msg:"m"`
}
