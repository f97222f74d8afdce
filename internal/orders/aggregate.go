package orders

import (
	"sort"

	"github.com/voltx/vault-engine/internal/model"
)

// Aggregate groups the remaining amount of resting orders by exact
// (side, points). Orders with nothing remaining, and orders that are not
// resting, are skipped. Each side is sorted ascending by points.
func Aggregate(orders []model.Order) model.OrderBook {
	var long, short []model.Order
	for _, o := range orders {
		if !o.Status.Resting() || !o.Remaining().IsPositive() {
			continue
		}
		switch o.Side {
		case model.SideLong:
			long = append(long, o)
		case model.SideShort:
			short = append(short, o)
		}
	}
	return model.OrderBook{Long: depth(long), Short: depth(short)}
}

// depth merges orders whose points compare equal as decimals, so 2 and 2.0
// share a level while 2.0 and 2.05 never do.
func depth(orders []model.Order) []model.DepthLevel {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Points.LessThan(orders[j].Points)
	})

	levels := []model.DepthLevel{}
	for _, o := range orders {
		n := len(levels)
		if n > 0 && levels[n-1].Points.Equal(o.Points) {
			levels[n-1].Amount = levels[n-1].Amount.Add(o.Remaining())
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, model.DepthLevel{
			Points: o.Points,
			Amount: o.Remaining(),
			Orders: 1,
		})
	}
	return levels
}
