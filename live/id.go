package live

import (
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// local ids are assigned to optimistic records until the server id is known
const localIdPrefix = "local-"

// server assigned ids are opaque strings (comparable)
type Id string

var localIdLock sync.Mutex
var localIdEntropy = ulid.Monotonic(ulid.DefaultEntropy(), 0)

// ulids from the same client are ordered by create time
func NewLocalId() Id {
	localIdLock.Lock()
	defer localIdLock.Unlock()
	return Id(localIdPrefix + ulid.MustNew(ulid.Now(), localIdEntropy).String())
}

func (self Id) IsLocal() bool {
	return strings.HasPrefix(string(self), localIdPrefix)
}

func (self Id) IsEmpty() bool {
	return self == ""
}

func (self Id) String() string {
	return string(self)
}

// orders local ids by create time. Server ids compare lexically.
func (self Id) LessThan(b Id) bool {
	return self < b
}
