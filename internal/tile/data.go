package tile

import (
	"sync/atomic"
	"time"
)

// Payload is the resource carried by a loaded tile. The cache entry that holds
// a tile owns its payload and calls Release exactly once when the entry is
// evicted, replaced or cleared.
type Payload interface {
	Bytes() []byte
	Release()
}

// Data is a loaded tile.
type Data struct {
	Key      Key
	Payload  Payload
	Size     int64
	LoadedAt time.Time
}

// NewData wraps raw bytes into a Data sized by len(b).
func NewData(key Key, b []byte) *Data {
	return &Data{
		Key:      key,
		Payload:  NewBytes(b),
		Size:     int64(len(b)),
		LoadedAt: time.Now().UTC(),
	}
}

// Bytes returns the payload bytes, or nil once the payload is released.
func (d *Data) Bytes() []byte {
	if d == nil || d.Payload == nil {
		return nil
	}
	return d.Payload.Bytes()
}

// BytesPayload is a Payload backed by an in-memory byte slice.
type BytesPayload struct {
	data     atomic.Pointer[[]byte]
	released atomic.Bool
}

func NewBytes(b []byte) *BytesPayload {
	p := &BytesPayload{}
	p.data.Store(&b)
	return p
}

func (p *BytesPayload) Bytes() []byte {
	b := p.data.Load()
	if b == nil {
		return nil
	}
	return *b
}

// Release drops the reference to the underlying slice. Calling it again is a no-op.
func (p *BytesPayload) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.data.Store(nil)
	}
}

func (p *BytesPayload) Released() bool {
	return p.released.Load()
}

// View returns a non-owning copy of d that keeps the current bytes reachable
// after the owner releases its payload. Releasing a view does not affect d.
func (d *Data) View() *Data {
	if d == nil {
		return nil
	}
	return &Data{
		Key:      d.Key,
		Payload:  NewBytes(d.Bytes()),
		Size:     d.Size,
		LoadedAt: d.LoadedAt,
	}
}
