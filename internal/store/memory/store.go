package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daymade/claude-relay-service/internal/store"
)

// Store 进程内键值存储
//
// 开发环境的独立后端，同时也是 Redis 不可达时的降级实现。
// 语义对齐 Redis：TTL 过期、哈希表、有序集合、发布订阅。
type Store struct {
	mu      sync.RWMutex
	strings map[string]*entry
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64

	subMu sync.RWMutex
	subs  map[string][]chan string

	closeOnce sync.Once
	done      chan struct{}
}

type entry struct {
	value     string
	expiresAt time.Time // 零值表示永不过期
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewStore 创建内存存储并启动过期清理
func NewStore() *Store {
	s := &Store{
		strings: make(map[string]*entry),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]chan string),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for k, e := range s.strings {
				if e.expired(now) {
					delete(s.strings, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.strings[key]
	if !ok || e.expired(time.Now()) {
		return "", store.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = newEntry(value, ttl)
	return nil
}

func newEntry(value string, ttl time.Duration) *entry {
	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.strings[key] = newEntry(value, ttl)
	return true, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.zsets, key)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.strings[key]; ok && !e.expired(time.Now()) {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", store.ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += delta
	h[field] = formatInt(cur)
	return cur, nil
}

func (s *Store) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := parseFloat(h[field])
	cur += delta
	h[field] = formatFloat(cur)
	return cur, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := int64(0)
	if e, ok := s.strings[key]; ok && !e.expired(time.Now()) {
		cur = parseInt(e.value)
	}
	cur += delta
	s.strings[key] = newEntry(formatInt(cur), 0)
	return cur, nil
}

func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.IncrBy(ctx, key, -delta)
}

func (s *Store) DecrFloatClamp(_ context.Context, key string, delta float64) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := float64(0)
	if e, ok := s.strings[key]; ok && !e.expired(time.Now()) {
		cur = parseFloat(e.value)
	}
	cur -= delta
	clamped := false
	if cur < 0 {
		cur = 0
		clamped = true
	}
	s.strings[key] = newEntry(formatFloat(cur), 0)
	return cur, clamped, nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, score := range z {
		if score >= min && score <= max {
			pairs = append(pairs, pair{m, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for m, score := range z {
		if score >= min && score <= max {
			delete(z, m)
		}
	}
	return nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.zsets[key])), nil
}

// ScanKeys 按模式匹配键，模式只支持尾部 "*" 通配（与使用方的键布局匹配）
func (s *Store) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := strings.TrimSuffix(pattern, "*")
	now := time.Now()
	var keys []string
	for k, e := range s.strings {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range s.zsets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, err := s.Get(ctx, key); err == nil {
			out[key] = v
		}
	}
	return out, nil
}

func (s *Store) Publish(_ context.Context, channel, message string) error {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- message:
		default: // 订阅者处理不过来时丢弃，与 Redis pub/sub 的尽力投递一致
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[channel]
		for i, c := range list {
			if c == ch {
				s.subs[channel] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
