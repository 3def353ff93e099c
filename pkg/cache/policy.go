package cache

import "container/list"

// policy tracks which key to evict first under one of {LRU, LFU, FIFO} and
// the running byte total of tracked entries.
type policy interface {
	add(key string, size int64)
	touch(key string)
	remove(key string)
	evictionCandidate() (string, bool)
	totalBytes() int64
}

func newPolicy(p EvictionPolicy) policy {
	switch p {
	case PolicyLFU:
		return newLFUPolicy()
	case PolicyFIFO:
		return newFIFOPolicy()
	default:
		return newLRUPolicy()
	}
}

// lruPolicy evicts the least recently touched key.
type lruPolicy struct {
	ll    *list.List
	index map[string]*list.Element
	sizes map[string]int64
	total int64
}

type lruEntry struct {
	key  string
	size int64
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{ll: list.New(), index: make(map[string]*list.Element), sizes: make(map[string]int64)}
}

func (p *lruPolicy) add(key string, size int64) {
	if el, ok := p.index[key]; ok {
		p.total -= p.sizes[key]
		p.ll.Remove(el)
	}
	el := p.ll.PushFront(&lruEntry{key: key, size: size})
	p.index[key] = el
	p.sizes[key] = size
	p.total += size
}

func (p *lruPolicy) touch(key string) {
	if el, ok := p.index[key]; ok {
		p.ll.MoveToFront(el)
	}
}

func (p *lruPolicy) remove(key string) {
	if el, ok := p.index[key]; ok {
		p.ll.Remove(el)
		delete(p.index, key)
		p.total -= p.sizes[key]
		delete(p.sizes, key)
	}
}

func (p *lruPolicy) evictionCandidate() (string, bool) {
	el := p.ll.Back()
	if el == nil {
		return "", false
	}
	return el.Value.(*lruEntry).key, true
}

func (p *lruPolicy) totalBytes() int64 { return p.total }

// fifoPolicy evicts in strict insertion order, ignoring touch.
type fifoPolicy struct {
	order []string
	sizes map[string]int64
	total int64
}

func newFIFOPolicy() *fifoPolicy {
	return &fifoPolicy{sizes: make(map[string]int64)}
}

func (p *fifoPolicy) add(key string, size int64) {
	if _, ok := p.sizes[key]; !ok {
		p.order = append(p.order, key)
	} else {
		p.total -= p.sizes[key]
	}
	p.sizes[key] = size
	p.total += size
}

func (p *fifoPolicy) touch(string) {}

func (p *fifoPolicy) remove(key string) {
	if _, ok := p.sizes[key]; !ok {
		return
	}
	p.total -= p.sizes[key]
	delete(p.sizes, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *fifoPolicy) evictionCandidate() (string, bool) {
	if len(p.order) == 0 {
		return "", false
	}
	return p.order[0], true
}

func (p *fifoPolicy) totalBytes() int64 { return p.total }

// lfuPolicy evicts the key with the fewest touches since insertion.
type lfuPolicy struct {
	freq  map[string]int64
	sizes map[string]int64
	total int64
}

func newLFUPolicy() *lfuPolicy {
	return &lfuPolicy{freq: make(map[string]int64), sizes: make(map[string]int64)}
}

func (p *lfuPolicy) add(key string, size int64) {
	if _, ok := p.sizes[key]; !ok {
		p.freq[key] = 0
	} else {
		p.total -= p.sizes[key]
	}
	p.sizes[key] = size
	p.total += size
}

func (p *lfuPolicy) touch(key string) {
	if _, ok := p.sizes[key]; ok {
		p.freq[key]++
	}
}

func (p *lfuPolicy) remove(key string) {
	if _, ok := p.sizes[key]; !ok {
		return
	}
	p.total -= p.sizes[key]
	delete(p.sizes, key)
	delete(p.freq, key)
}

func (p *lfuPolicy) evictionCandidate() (string, bool) {
	var best string
	var bestFreq int64 = -1
	found := false
	for k, f := range p.freq {
		if !found || f < bestFreq {
			best, bestFreq, found = k, f, true
		}
	}
	return best, found
}

func (p *lfuPolicy) totalBytes() int64 { return p.total }
