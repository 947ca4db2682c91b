package memory

import "github.com/swarmguard/cis-core/internal/vectorclock"

// Domain partitions memory into what is replicated and what stays local.
type Domain string

const (
	DomainPublic  Domain = "public"
	DomainPrivate Domain = "private"
)

// Category classifies why an entry exists.
type Category string

const (
	CategoryExecution Category = "execution"
	CategoryResult    Category = "result"
	CategoryError     Category = "error"
	CategoryContext   Category = "context"
	CategorySkill     Category = "skill"
)

// Entry is one memory record. Value is always the plaintext view at the API
// boundary — encryption is an at-rest concern the Store hides.
type Entry struct {
	Key       string
	Value     []byte
	Domain    Domain
	Category  Category
	CreatedAt int64
	UpdatedAt int64
	Tombstone bool

	// Clock is the writer's vector clock at the time of the write. Put
	// sets it for entries of every domain, private ones included.
	Clock *vectorclock.Clock

	// Origin is the NodeId that authored this value. Equal to the local
	// node for locally-written entries; a remote NodeId for shadow copies.
	Origin string
}

// ConflictVersion is produced when an incoming write's clock is Concurrent
// with the local version; it sits in a per-key queue until resolved.
type ConflictVersion struct {
	NodeID    string
	Clock     *vectorclock.Clock
	Value     []byte
	Timestamp int64
}

// record is the on-disk encoding stored in the backing KvStore. Value may
// be ciphertext (private domain) or plaintext (public domain).
type record struct {
	Value      []byte             `json:"value"`
	Domain     Domain             `json:"domain"`
	Category   Category           `json:"category"`
	CreatedAt  int64              `json:"created_at"`
	UpdatedAt  int64              `json:"updated_at"`
	Tombstone  bool               `json:"tombstone"`
	ClockEntry []vectorclock.Entry `json:"clock,omitempty"`
	Origin     string             `json:"origin,omitempty"`
}
