package cache

import (
	"sync"
	"time"
)

// MemCache is an in-memory TTL cache backed by sync.Map. A background cleanup
// goroutine runs when NewMemCache is given a positive cleanupInterval.
type MemCache[V any] struct {
	items sync.Map
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

type item[V any] struct {
	value      V
	expiration int64 // unix nano; 0 means no expiration
}

func NewMemCache[V any](ttl, cleanupInterval time.Duration) *MemCache[V] {
	m := &MemCache[V]{
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			defer m.wg.Done()
			for {
				select {
				case <-ticker.C:
					m.cleanup()
				case <-m.stop:
					return
				}
			}
		}()
	}
	return m
}

func (m *MemCache[V]) Set(key string, value V) {
	var exp int64
	if m.ttl > 0 {
		exp = m.now().Add(m.ttl).UnixNano()
	}
	m.items.Store(key, &item[V]{
		value:      value,
		expiration: exp,
	})
}

func (m *MemCache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := m.items.Load(key)
	if !ok {
		return zero, false
	}
	it := v.(*item[V])
	if it.expired(m.now().UnixNano()) {
		m.items.CompareAndDelete(key, it)
		return zero, false
	}
	return it.value, true
}

func (m *MemCache[V]) Delete(key string) {
	m.items.Delete(key)
}

func (m *MemCache[V]) Len() int {
	n := 0
	now := m.now().UnixNano()
	m.items.Range(func(_, v any) bool {
		if !v.(*item[V]).expired(now) {
			n++
		}
		return true
	})
	return n
}

func (m *MemCache[V]) Close() {
	m.once.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

func (it *item[V]) expired(now int64) bool {
	return it.expiration != 0 && now > it.expiration
}

func (m *MemCache[V]) cleanup() {
	now := m.now().UnixNano()
	m.items.Range(func(k, v any) bool {
		if v.(*item[V]).expired(now) {
			m.items.CompareAndDelete(k, v)
		}
		return true
	})
}
