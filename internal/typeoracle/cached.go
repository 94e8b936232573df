package typeoracle

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type layoutResult struct {
	info TypeInfo
	ok   bool
}

type offsetResult struct {
	off uint64
	ok  bool
}

// Cached memoizes Layout and FieldOffset by type name, negative answers
// included. Symbol and string lookups pass straight through.
type Cached struct {
	Oracle
	layouts *lru.Cache[string, layoutResult]
	offsets *lru.Cache[string, offsetResult]
}

func NewCached(inner Oracle, size int) (*Cached, error) {
	layouts, err := lru.New[string, layoutResult](size)
	if err != nil {
		return nil, fmt.Errorf("typeoracle: layout cache: %w", err)
	}
	offsets, err := lru.New[string, offsetResult](size)
	if err != nil {
		return nil, fmt.Errorf("typeoracle: offset cache: %w", err)
	}
	return &Cached{Oracle: inner, layouts: layouts, offsets: offsets}, nil
}

func (c *Cached) Layout(typeName string) (TypeInfo, bool) {
	if r, ok := c.layouts.Get(typeName); ok {
		return r.info, r.ok
	}
	info, ok := c.Oracle.Layout(typeName)
	c.layouts.Add(typeName, layoutResult{info: info, ok: ok})
	return info, ok
}

func (c *Cached) FieldOffset(typeName, fieldPath string) (uint64, bool) {
	key := typeName + "." + fieldPath
	if r, ok := c.offsets.Get(key); ok {
		return r.off, r.ok
	}
	off, ok := c.Oracle.FieldOffset(typeName, fieldPath)
	c.offsets.Add(key, offsetResult{off: off, ok: ok})
	return off, ok
}

func (c *Cached) Sizeof(typeName string) (uint64, bool) {
	info, ok := c.Layout(typeName)
	if ok && info.Size > 0 {
		return info.Size, true
	}
	return c.Oracle.Sizeof(typeName)
}
