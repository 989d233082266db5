package pool

import (
	"context"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	// DefaultLevels matches the number of levels of an allocation map
	DefaultLevels = 9
	// DefaultLevel0Capacity is the number of extents the level-0 queue holds by default
	DefaultLevel0Capacity = 64
	// DefaultLevelCapacity is the number of extents every other level's queue holds by default
	DefaultLevelCapacity = 4
	// DefaultLevel0Reserved is the number of level-0 units AllocateOne leaves in the pool by default
	DefaultLevel0Reserved = 32
)

// Options configures a Pool. Zero values select the defaults.
type Options struct {
	Levels         int
	Level0Capacity int
	LevelCapacity  int
	Level0Reserved int64
	Logger         *slog.Logger
}

type queue struct {
	extents  []Extent
	capacity int
	// total is counted in units of the queue's level
	total int64
}

func (q *queue) empty() bool { return len(q.extents) == 0 }

func (q *queue) full() bool { return len(q.extents) >= q.capacity }

// Pool caches free extents discovered in an allocation map so that single units can be handed
// out without querying the map. Every level has a bounded FIFO queue; extents are consumed from
// the front of the queue one level-sized unit at a time. Pool is not safe for concurrent use.
type Pool struct {
	levels         []queue
	level0Total    int64
	level0Reserved int64
	positions      *swiss.Map[int64, int]
	logger         *slog.Logger
}

// New creates an empty pool
func New(options Options) *Pool {
	if options.Levels <= 0 {
		options.Levels = DefaultLevels
	}
	if options.Level0Capacity <= 0 {
		options.Level0Capacity = DefaultLevel0Capacity
	}
	if options.LevelCapacity <= 0 {
		options.LevelCapacity = DefaultLevelCapacity
	}
	if options.Level0Reserved <= 0 {
		options.Level0Reserved = DefaultLevel0Reserved
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	p := &Pool{
		levels:         make([]queue, options.Levels),
		level0Reserved: options.Level0Reserved,
		positions:      swiss.NewMap[int64, int](uint32(options.Level0Capacity)),
		logger:         options.Logger,
	}

	p.levels[0].capacity = options.Level0Capacity
	for level := 1; level < options.Levels; level++ {
		p.levels[level].capacity = options.LevelCapacity
	}

	return p
}

// Levels returns the number of levels the pool queues extents for
func (p *Pool) Levels() int { return len(p.levels) }

// Level0Total returns the number of level-0 units held by the pool across all levels
func (p *Pool) Level0Total() int64 { return p.level0Total }

// Level0Reserved returns the number of level-0 units AllocateOne never hands out
func (p *Pool) Level0Reserved() int64 { return p.level0Reserved }

// Len returns the number of extents queued at a level
func (p *Pool) Len(level int) int {
	return len(p.levels[level].extents)
}

// AvailableCapacity returns the number of extents a level's queue can still accept
func (p *Pool) AvailableCapacity(level int) int {
	q := &p.levels[level]
	return q.capacity - len(q.extents)
}

// Contains reports whether an extent starting at position is queued
func (p *Pool) Contains(position int64) bool {
	return p.positions.Has(position)
}

// Add queues a free extent found at level. It returns false when the level's queue is full, the
// level is out of range, the extent is smaller than one unit of its level, or an extent starting
// at the same position is already queued.
func (p *Pool) Add(position, size int64, level int) bool {
	extent := Extent{Position: position, Size: size, Level: level}
	if !p.push(extent) {
		return false
	}

	p.level0Total += extent.Size
	return true
}

func (p *Pool) push(extent Extent) bool {
	if extent.Level < 0 || extent.Level >= len(p.levels) || extent.SizeAtLevel() <= 0 {
		return false
	}

	q := &p.levels[extent.Level]
	if q.full() {
		return false
	}

	if p.positions.Has(extent.Position) {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "refusing duplicate extent",
			slog.Int64("position", extent.Position),
			slog.Int("level", extent.Level))
		return false
	}

	q.extents = append(q.extents, extent)
	q.total += extent.SizeAtLevel()
	p.positions.Put(extent.Position, extent.Level)
	return true
}

// takeFront splits one unit off the front extent of a non-empty level
func (p *Pool) takeFront(level int) Extent {
	q := &p.levels[level]
	front := &q.extents[0]

	p.positions.Delete(front.Position)
	taken := front.Take(1)
	q.total--

	if front.Size == 0 {
		q.extents = q.extents[1:]
	} else {
		p.positions.Put(front.Position, level)
	}

	return taken
}

// AllocateOne hands out a single unit of 2^level level-0 units, as long as the pool would keep
// at least its reserve. When the level's queue is empty, an extent is split off a coarser level.
func (p *Pool) AllocateOne(level int) (Extent, bool) {
	if level < 0 || level >= len(p.levels) {
		return Extent{}, false
	}

	if p.level0Total-p.level0Reserved >= int64(1)<<level {
		return p.doAllocateOne(level)
	}

	return Extent{}, false
}

// AllocateReserved hands out a single level-0 unit from the reserve, as long as more than
// remainder units would be left behind
func (p *Pool) AllocateReserved(remainder int64) (Extent, bool) {
	if p.level0Total > remainder {
		return p.doAllocateOne(0)
	}

	return Extent{}, false
}

func (p *Pool) doAllocateOne(level int) (Extent, bool) {
	if p.levels[level].empty() {
		p.borrowFromAbove(level)
	}

	if p.levels[level].empty() {
		return Extent{}, false
	}

	extent := p.takeFront(level)
	p.level0Total -= extent.Size
	return extent, true
}

func (p *Pool) borrowFromAbove(level int) {
	if level >= len(p.levels)-1 {
		return
	}

	if p.levels[level+1].empty() {
		p.borrowFromAbove(level + 1)
	}

	if !p.levels[level+1].empty() {
		extent := p.takeFront(level + 1)
		p.push(extent.AsLevel(level))
	}
}

// HasRoom reports whether the units queued at level and every coarser level, counted in units
// of level, are fewer than the level's queue capacity
func (p *Pool) HasRoom(level int) bool {
	return p.computeLevelTotal(level) < int64(p.levels[level].capacity)
}

func (p *Pool) computeLevelTotal(level int) int64 {
	var total int64
	for c := level; c < len(p.levels); c++ {
		total += p.levels[c].total << (c - level)
	}
	return total
}

// ForEach calls fn for every queued extent, level by level in queue order, until fn returns false
func (p *Pool) ForEach(fn func(extent Extent) bool) {
	for level := range p.levels {
		for _, extent := range p.levels[level].extents {
			if !fn(extent) {
				return
			}
		}
	}
}

// Extents returns every queued extent sorted by position
func (p *Pool) Extents() []Extent {
	var extents []Extent
	p.ForEach(func(extent Extent) bool {
		extents = append(extents, extent)
		return true
	})

	slices.SortFunc(extents, func(a, b Extent) bool {
		return a.Position < b.Position
	})
	return extents
}

// Store returns the queued extents, level by level in queue order, so that Load can restore the
// pool exactly
func (p *Pool) Store() []Extent {
	var extents []Extent
	p.ForEach(func(extent Extent) bool {
		extents = append(extents, extent)
		return true
	})
	return extents
}

// Load replaces the pool's contents with extents previously returned by Store
func (p *Pool) Load(extents []Extent) error {
	p.Clear()

	for _, extent := range extents {
		if !p.Add(extent.Position, extent.Size, extent.Level) {
			p.Clear()
			return errors.Errorf("pool refused extent %s", extent)
		}
	}

	return nil
}

// Clear removes every queued extent
func (p *Pool) Clear() {
	for level := range p.levels {
		p.levels[level].extents = nil
		p.levels[level].total = 0
	}
	p.level0Total = 0
	p.positions = swiss.NewMap[int64, int](uint32(p.levels[0].capacity))
}
