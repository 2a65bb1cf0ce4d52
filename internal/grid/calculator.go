package grid

import (
	"fmt"
	"math"
	"sync"

	"gridtrader/internal/models"
)

// Calculator owns the grid's level geometry: the center price, the bounds
// and the ordered list of levels. Geometry is replaced atomically under the
// lock so no reader ever observes a mix of old and new levels.
type Calculator struct {
	mu     sync.RWMutex
	cfg    models.GridConfig
	levels []models.GridLevel
	center float64
	lower  float64
	upper  float64
}

// NewCalculator returns a Calculator with no grid yet; CalculateGrid builds
// the first geometry.
func NewCalculator(cfg models.GridConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// CalculateGrid builds num_levels equally spaced levels bracketing
// centerPrice. Levels below the center are BUY, above are SELL, and the
// level nearest the center is CENTER. Capital is split equally across all
// levels regardless of side.
func (c *Calculator) CalculateGrid(centerPrice float64) ([]models.GridLevel, error) {
	if centerPrice <= 0 {
		return nil, fmt.Errorf("center price must be positive, got %f", centerPrice)
	}

	halfRange := c.cfg.RangePercent / 200.0
	upper := centerPrice * (1 + halfRange)
	lower := centerPrice * (1 - halfRange)

	n := c.cfg.NumLevels
	capitalPerLevel := c.cfg.CapitalPerLevel()

	levels := make([]models.GridLevel, 0, n)
	step := 0.0
	if n > 1 {
		step = (upper - lower) / float64(n-1)
	}

	centerIdx := 0
	bestDist := math.MaxFloat64
	for i := 0; i < n; i++ {
		price := lower + step*float64(i)
		if n == 1 {
			price = centerPrice
		}
		if d := math.Abs(price - centerPrice); d < bestDist {
			bestDist = d
			centerIdx = i
		}
		quantity := capitalPerLevel / price
		if quantity < c.cfg.MinOrderSize {
			// Padding the quantity up would silently spend more than the
			// level's capital share; reject the geometry instead.
			return nil, fmt.Errorf("level %d quantity %.8f is below min_order_size %.8f: raise total_capital or lower num_levels",
				i, quantity, c.cfg.MinOrderSize)
		}
		side := models.SideBuy
		if price > centerPrice {
			side = models.SideSell
		}
		levels = append(levels, models.GridLevel{
			LevelID:          i,
			Price:            price,
			Side:             side,
			AllocatedCapital: capitalPerLevel,
			Quantity:         quantity,
		})
	}
	levels[centerIdx].Side = models.SideCenter

	c.mu.Lock()
	c.levels = levels
	c.center = centerPrice
	c.lower = lower
	c.upper = upper
	c.mu.Unlock()

	return c.Levels(), nil
}

// RecalculateGrid fully replaces levels and bounds around newCenter. This is
// the only mutator besides CalculateGrid and is atomic from every reader's
// perspective.
func (c *Calculator) RecalculateGrid(newCenter float64) ([]models.GridLevel, error) {
	return c.CalculateGrid(newCenter)
}

// HasGrid reports whether a grid has been calculated yet.
func (c *Calculator) HasGrid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.levels) > 0
}

// CenterPrice returns the price the current grid was built around.
func (c *Calculator) CenterPrice() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.center
}

// Bounds returns the grid's lower and upper price limits.
func (c *Calculator) Bounds() (lower, upper float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lower, c.upper
}

// Config returns the grid configuration the calculator was built with.
func (c *Calculator) Config() models.GridConfig {
	return c.cfg
}

// Levels returns a copy of the current levels, ordered ascending by price.
func (c *Calculator) Levels() []models.GridLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.GridLevel, len(c.levels))
	copy(out, c.levels)
	return out
}

// RecordFill accumulates filled quantity on a level after one of its orders
// fills. The level reports IsFilled once the accumulated quantity reaches its
// target within tolerance.
func (c *Calculator) RecordFill(levelID int, quantity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if levelID < 0 || levelID >= len(c.levels) {
		return
	}
	c.levels[levelID].FilledQuantity += quantity
}

// ResetLevelFill clears a level's fill state when its round trip completes
// and the level becomes available again. Recalculating the grid resets every
// level implicitly.
func (c *Calculator) ResetLevelFill(levelID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if levelID < 0 || levelID >= len(c.levels) {
		return
	}
	c.levels[levelID].FilledQuantity = 0
}

// Level returns the level with the given ID.
func (c *Calculator) Level(id int) (models.GridLevel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.levels) {
		return models.GridLevel{}, false
	}
	return c.levels[id], true
}

// Spacing returns the price distance between adjacent levels.
func (c *Calculator) Spacing() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.levels) < 2 {
		return 0
	}
	return (c.upper - c.lower) / float64(len(c.levels)-1)
}

// IsPriceInGrid reports whether price lies within [lower, upper].
func (c *Calculator) IsPriceInGrid(price float64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.levels) == 0 {
		return false
	}
	return price >= c.lower && price <= c.upper
}

// LevelAtPrice returns the level whose price matches within half a level
// spacing.
func (c *Calculator) LevelAtPrice(price float64) (models.GridLevel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.levels) == 0 {
		return models.GridLevel{}, false
	}
	tolerance := (c.upper - c.lower)
	if len(c.levels) > 1 {
		tolerance = (c.upper - c.lower) / float64(len(c.levels)-1) / 2
	}
	best := -1
	bestDist := math.MaxFloat64
	for i := range c.levels {
		if d := math.Abs(c.levels[i].Price - price); d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 || bestDist > tolerance {
		return models.GridLevel{}, false
	}
	return c.levels[best], true
}

// AdjacentLevels returns the nearest BUY level below price and the nearest
// SELL level above it. Either may be absent near the grid edges.
func (c *Calculator) AdjacentLevels(price float64) (buyBelow, sellAbove *models.GridLevel) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.levels {
		l := c.levels[i]
		if l.Side == models.SideBuy && l.Price < price {
			lc := l
			buyBelow = &lc // levels ascend, keep the highest buy below
		}
		if l.Side == models.SideSell && l.Price > price && sellAbove == nil {
			lc := l
			sellAbove = &lc
		}
	}
	return buyBelow, sellAbove
}

// DistanceFromBounds returns how far price sits from each bound as a
// fraction of the bound price. Negative values mean price is outside.
func (c *Calculator) DistanceFromBounds(price float64) (fromLower, fromUpper float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lower > 0 {
		fromLower = (price - c.lower) / c.lower
	}
	if c.upper > 0 {
		fromUpper = (c.upper - price) / c.upper
	}
	return fromLower, fromUpper
}

// SellLevelFor returns the sell level paired with a buy level: its mirror
// across the center, clamped to the highest level. The offset between a buy
// and its sell is fixed for the lifetime of one geometry.
func (c *Calculator) SellLevelFor(buyLevelID int) (models.GridLevel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if buyLevelID < 0 || buyLevelID >= len(c.levels) {
		return models.GridLevel{}, false
	}
	centerIdx := -1
	for i := range c.levels {
		if c.levels[i].Side == models.SideCenter {
			centerIdx = i
			break
		}
	}
	if centerIdx < 0 {
		return models.GridLevel{}, false
	}
	mirror := 2*centerIdx - buyLevelID
	if mirror <= centerIdx {
		mirror = centerIdx + 1
	}
	if mirror >= len(c.levels) {
		mirror = len(c.levels) - 1
	}
	if mirror == buyLevelID {
		return models.GridLevel{}, false
	}
	return c.levels[mirror], true
}
