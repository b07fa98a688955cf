// Package ranking derives per-room standings from scored answers and freezes
// final positions when a room finishes.
package ranking

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/store"
)

type Config struct {
	Store store.Store
}

type Aggregator struct {
	store store.Store
}

func NewAggregator(c Config) *Aggregator {
	return &Aggregator{store: c.Store}
}

// Standings returns the room's entries in standing order. Positions are set
// only once the room is finished.
func (a *Aggregator) Standings(ctx context.Context, roomID string) (es []domain.RankingEntry, err error) {
	err = a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		es, err = tx.Rankings().ListByRoom(ctx, roomID)
		return err
	})
	return es, err
}

func (a *Aggregator) Finalize(ctx context.Context, roomID string) (es []domain.RankingEntry, err error) {
	err = a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		es, err = a.FinalizeTx(ctx, tx, roomID)
		return err
	})
	return es, err
}

// FinalizeTx assigns positions 1..N without gaps in standing order. The order
// is total, so finalizing the same answers twice yields the same positions.
func (a *Aggregator) FinalizeTx(ctx context.Context, tx store.Tx, roomID string) ([]domain.RankingEntry, error) {
	es, err := tx.Rankings().ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	domain.SortStandings(es)
	positions := make(map[string]int, len(es))
	for i := range es {
		pos := i + 1
		es[i].Position = &pos
		positions[es[i].ParticipantID] = pos
	}

	if err := tx.Rankings().SetPositions(ctx, roomID, positions); err != nil {
		return nil, err
	}
	return es, nil
}

// GroupStanding is the combined standing of one group in a group-mode room.
type GroupStanding struct {
	Group        int           `json:"group"`
	Score        int           `json:"score"`
	CorrectCount int           `json:"correct_count"`
	TotalTime    time.Duration `json:"total_time"`
	Members      int           `json:"members"`
}

// Groups sums entries per group and orders groups the same way as participants.
func Groups(es []domain.RankingEntry) []GroupStanding {
	byGroup := make(map[int]*GroupStanding)
	for _, e := range es {
		if e.Group == 0 {
			continue
		}
		g, ok := byGroup[e.Group]
		if !ok {
			g = &GroupStanding{Group: e.Group}
			byGroup[e.Group] = g
		}
		g.Score += e.Score
		g.CorrectCount += e.CorrectCount
		g.TotalTime += e.TotalTime
		g.Members++
	}

	out := make([]GroupStanding, 0, len(byGroup))
	for _, g := range byGroup {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b GroupStanding) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.CorrectCount, a.CorrectCount); c != 0 {
			return c
		}
		if c := cmp.Compare(a.TotalTime, b.TotalTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Group, b.Group)
	})
	return out
}
