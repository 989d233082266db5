package allocmap

//go:generate mockgen -source populate.go -destination ./mocks/pool.go

// Pool receives free extents discovered by PopulateAllocationPool. position and size are in
// level-0 units; level is the level the extent was found on. Add returns false to refuse the
// extent, which ends the scan of that level.
type Pool interface {
	Add(position, size int64, level int) bool
}

// PopulateAllocationPool offers every free run to pool, scanning from the coarsest level down to
// minLevel. Runs the pool accepts are immediately marked as used, so later scans never report
// them again. base is added to every position offered. It returns the number of level-0 units
// claimed; on error, the units claimed before the error remain claimed.
func (m *Map) PopulateAllocationPool(base int64, pool Pool, minLevel int) (int64, error) {
	if minLevel < 0 || minLevel >= Levels {
		return 0, rangeError(minLevel)
	}

	var claimed int64
	var err error
	for level := Levels - 1; level >= minLevel; level-- {
		m.ScanUnallocated(level, func(pos, length int) bool {
			if !pool.Add(base+int64(pos)<<level, int64(length)<<level, level) {
				return false
			}

			err = m.SetBits(level, pos, length)
			if err != nil {
				return false
			}

			claimed += int64(length) << level
			return true
		})

		if err != nil {
			return claimed, err
		}
	}

	return claimed, nil
}
