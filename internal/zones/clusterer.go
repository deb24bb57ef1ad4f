package zones

import (
	"math"
	"sort"

	"github.com/skalibog/marketsync/pkg/models"
)

// Config пороги кластеризации и классификации зон
type Config struct {
	ClusterGap     float64 // относительный разрыв цены, начинающий новый кластер
	MinStrength    float64 // минимальная сила кластера, чтобы стать зоной
	MatchTolerance float64 // относительная разница середин для одной и той же зоны
	ShiftStrength  float64 // минимальная сила для событий new/gone
	GrowthRatio    float64
	ShrinkRatio    float64
}

func DefaultConfig() Config {
	return Config{
		ClusterGap:     0.005,
		MinStrength:    0.25,
		MatchTolerance: 0.005,
		ShiftStrength:  0.4,
		GrowthRatio:    1.3,
		ShrinkRatio:    0.6,
	}
}

// Cluster непрерывный ценовой диапазон уровней стакана
type Cluster struct {
	PriceMin float64
	PriceMax float64
	Volume   float64
}

// Clusterer группирует уровни стакана в зоны ликвидности
type Clusterer struct {
	config Config
}

func NewClusterer(cfg Config) *Clusterer {
	return &Clusterer{config: cfg}
}

// Zones кластеризует биды и аски и оставляет кластеры с силой выше порога
func (c *Clusterer) Zones(book models.OrderBook) []models.AccZone {
	bidClusters := ClusterLevels(book.Bids, c.config.ClusterGap)
	askClusters := ClusterLevels(book.Asks, c.config.ClusterGap)

	// Минимум 1, чтобы не делить на ноль
	maxVolume := 1.0
	for _, cl := range bidClusters {
		maxVolume = math.Max(maxVolume, cl.Volume)
	}
	for _, cl := range askClusters {
		maxVolume = math.Max(maxVolume, cl.Volume)
	}

	var zones []models.AccZone
	zones = c.appendZones(zones, bidClusters, models.SideBuy, maxVolume)
	zones = c.appendZones(zones, askClusters, models.SideSell, maxVolume)
	return zones
}

func (c *Clusterer) appendZones(zones []models.AccZone, clusters []Cluster, side models.Side, maxVolume float64) []models.AccZone {
	for _, cl := range clusters {
		strength := cl.Volume / maxVolume
		if strength <= c.config.MinStrength {
			continue
		}
		zones = append(zones, models.AccZone{
			PriceMin: cl.PriceMin,
			PriceMax: cl.PriceMax,
			Volume:   cl.Volume,
			Side:     side,
			Strength: strength,
		})
	}
	return zones
}

// ClusterLevels сортирует уровни по цене и начинает новый кластер, когда
// относительное расстояние до последнего члена текущего кластера превышает gap
func ClusterLevels(levels []models.OrderLevel, gap float64) []Cluster {
	sorted := make([]models.OrderLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price <= 0 || math.IsNaN(l.Price) || math.IsInf(l.Price, 0) {
			continue
		}
		sorted = append(sorted, l)
	}
	if len(sorted) == 0 {
		return nil
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Price < sorted[j].Price
	})

	clusters := []Cluster{{PriceMin: sorted[0].Price, PriceMax: sorted[0].Price, Volume: sorted[0].Quantity}}
	for _, l := range sorted[1:] {
		cur := &clusters[len(clusters)-1]
		if (l.Price-cur.PriceMax)/cur.PriceMax > gap {
			clusters = append(clusters, Cluster{PriceMin: l.Price, PriceMax: l.Price, Volume: l.Quantity})
			continue
		}
		cur.PriceMax = l.Price
		cur.Volume += l.Quantity
	}
	return clusters
}
