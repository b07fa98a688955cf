package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
)

func notFound(format string, args ...any) error {
	return errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef(format, args...))
}

type roomRepo struct{ t *tx }

func (r roomRepo) Insert(_ context.Context, room domain.Room) error {
	return r.t.write(func() (func(), error) {
		if _, ok := r.t.s.rooms[room.ID]; ok {
			return nil, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("room %s already exists", room.ID))
		}
		for _, other := range r.t.s.rooms {
			if other.Code == room.Code && other.State != domain.RoomFinished {
				return nil, errors.Reasoned(errors.ReasonAccessCodeTaken, errors.WithMessagef("access code %s is in use", room.Code))
			}
		}
		r.t.s.rooms[room.ID] = room
		return func() { delete(r.t.s.rooms, room.ID) }, nil
	})
}

func (r roomRepo) Get(_ context.Context, id string) (room domain.Room, err error) {
	r.t.read(func() {
		var ok bool
		if room, ok = r.t.s.rooms[id]; !ok {
			err = notFound("room %s not found", id)
		}
	})
	return room, err
}

func (r roomRepo) GetByCode(_ context.Context, code string) (room domain.Room, err error) {
	r.t.read(func() {
		for _, other := range r.t.s.rooms {
			if other.Code == code && other.State != domain.RoomFinished {
				room = other
				return
			}
		}
		err = notFound("no open room with code %s", code)
	})
	return room, err
}

func (r roomRepo) Lock(ctx context.Context, id string, mode store.LockMode) (domain.Room, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return domain.Room{}, err
	}
	if err := r.t.lock(r.t.s.roomLocks, "room", id, mode); err != nil {
		return domain.Room{}, err
	}
	return r.Get(ctx, id)
}

func (r roomRepo) Update(_ context.Context, room domain.Room) error {
	return r.t.write(func() (func(), error) {
		prev, ok := r.t.s.rooms[room.ID]
		if !ok {
			return nil, notFound("room %s not found", room.ID)
		}
		r.t.s.rooms[room.ID] = room
		return func() { r.t.s.rooms[room.ID] = prev }, nil
	})
}

type participantRepo struct{ t *tx }

func sameIdentity(a, b domain.Participant) bool {
	if a.AccountID != "" || b.AccountID != "" {
		return a.AccountID == b.AccountID
	}
	return strings.EqualFold(a.DisplayName, b.DisplayName)
}

func (r participantRepo) Insert(_ context.Context, p domain.Participant) error {
	return r.t.write(func() (func(), error) {
		for _, other := range r.t.s.participants {
			if other.RoomID == p.RoomID && other.State.Active() && sameIdentity(other, p) {
				return nil, errors.Reasoned(errors.ReasonDuplicateParticipant,
					errors.WithMessagef("%q already joined room %s", p.DisplayName, p.RoomID))
			}
		}
		r.t.s.participants[p.ID] = p
		return func() { delete(r.t.s.participants, p.ID) }, nil
	})
}

func (r participantRepo) Get(_ context.Context, id string) (p domain.Participant, err error) {
	r.t.read(func() {
		var ok bool
		if p, ok = r.t.s.participants[id]; !ok {
			err = notFound("participant %s not found", id)
		}
	})
	return p, err
}

func (r participantRepo) ListByRoom(_ context.Context, roomID string) (ps []domain.Participant, _ error) {
	r.t.read(func() {
		for _, p := range r.t.s.participants {
			if p.RoomID == roomID {
				ps = append(ps, p)
			}
		}
	})
	slices.SortFunc(ps, func(a, b domain.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ps, nil
}

func (r participantRepo) UpdateState(_ context.Context, id string, state domain.ParticipantState) error {
	return r.t.write(func() (func(), error) {
		prev, ok := r.t.s.participants[id]
		if !ok {
			return nil, notFound("participant %s not found", id)
		}
		next := prev
		next.State = state
		r.t.s.participants[id] = next
		return func() { r.t.s.participants[id] = prev }, nil
	})
}

func (r participantRepo) TransitionRoom(_ context.Context, roomID string, from []domain.ParticipantState, to domain.ParticipantState) (n int, err error) {
	if err := store.CheckParticipantTransition(to, from...); err != nil {
		return 0, err
	}

	err = r.t.write(func() (func(), error) {
		var prevs []domain.Participant
		for id, p := range r.t.s.participants {
			if p.RoomID != roomID || !slices.Contains(from, p.State) {
				continue
			}
			prevs = append(prevs, p)
			p.State = to
			r.t.s.participants[id] = p
		}
		n = len(prevs)
		return func() {
			for _, p := range prevs {
				r.t.s.participants[p.ID] = p
			}
		}, nil
	})
	return n, err
}

func (r participantRepo) GroupSizes(_ context.Context, roomID string) (map[int]int, error) {
	sizes := make(map[int]int)
	r.t.read(func() {
		for _, p := range r.t.s.participants {
			if p.RoomID == roomID && p.State.Active() && p.Group > 0 {
				sizes[p.Group]++
			}
		}
	})
	return sizes, nil
}

type answerRepo struct{ t *tx }

func (r answerRepo) Insert(_ context.Context, a domain.Answer) error {
	k := answerKey{a.RoomID, a.ParticipantID, a.QuestionID}
	// held until the unit of work ends, as a unique index entry would be
	if err := r.t.lock(r.t.s.answerLocks, "answer", k.String(), store.LockExclusive); err != nil {
		return err
	}
	return r.t.write(func() (func(), error) {
		if _, ok := r.t.s.answers[k]; ok {
			return nil, errors.Reasoned(errors.ReasonDuplicateAnswer,
				errors.WithMessagef("participant %s already answered question %s", a.ParticipantID, a.QuestionID))
		}
		r.t.s.answers[k] = a
		return func() { delete(r.t.s.answers, k) }, nil
	})
}

func (r answerRepo) Get(_ context.Context, roomID, participantID, questionID string) (a domain.Answer, err error) {
	r.t.read(func() {
		var ok bool
		if a, ok = r.t.s.answers[answerKey{roomID, participantID, questionID}]; !ok {
			err = notFound("answer of participant %s to question %s not found", participantID, questionID)
		}
	})
	return a, err
}

func (r answerRepo) ListByRoom(_ context.Context, roomID string) (as []domain.Answer, _ error) {
	r.t.read(func() {
		for k, a := range r.t.s.answers {
			if k.roomID == roomID {
				as = append(as, a)
			}
		}
	})
	slices.SortFunc(as, func(a, b domain.Answer) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return as, nil
}

type rankingRepo struct{ t *tx }

func (r rankingRepo) Create(_ context.Context, e domain.RankingEntry) error {
	k := rankingKey{e.RoomID, e.ParticipantID}
	return r.t.write(func() (func(), error) {
		if _, ok := r.t.s.rankings[k]; ok {
			return nil, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("ranking of %s already exists", e.ParticipantID))
		}
		r.t.s.rankings[k] = e
		return func() { delete(r.t.s.rankings, k) }, nil
	})
}

func (r rankingRepo) Increment(_ context.Context, roomID, participantID string, points, correct int, elapsed time.Duration) (out domain.RankingEntry, err error) {
	k := rankingKey{roomID, participantID}
	err = r.t.write(func() (func(), error) {
		prev, ok := r.t.s.rankings[k]
		if !ok {
			return nil, notFound("ranking of participant %s not found", participantID)
		}
		out = prev
		out.Score += points
		out.CorrectCount += correct
		out.TotalTime += elapsed
		r.t.s.rankings[k] = out
		return func() {
			// Increments commute; revert only our delta.
			cur := r.t.s.rankings[k]
			cur.Score -= points
			cur.CorrectCount -= correct
			cur.TotalTime -= elapsed
			r.t.s.rankings[k] = cur
		}, nil
	})
	return out, err
}

func (r rankingRepo) ListByRoom(_ context.Context, roomID string) (es []domain.RankingEntry, _ error) {
	r.t.read(func() {
		for k, e := range r.t.s.rankings {
			if k.roomID == roomID {
				es = append(es, e)
			}
		}
	})
	domain.SortStandings(es)
	return es, nil
}

func (r rankingRepo) SetPositions(_ context.Context, roomID string, positions map[string]int) error {
	return r.t.write(func() (func(), error) {
		prevs := make(map[rankingKey]domain.RankingEntry, len(positions))
		for pid, pos := range positions {
			k := rankingKey{roomID, pid}
			e, ok := r.t.s.rankings[k]
			if !ok {
				continue
			}
			prevs[k] = e
			pos := pos
			e.Position = &pos
			r.t.s.rankings[k] = e
		}
		return func() {
			for k, e := range prevs {
				r.t.s.rankings[k] = e
			}
		}, nil
	})
}

type profileRepo struct{ t *tx }

func (r profileRepo) Lock(ctx context.Context, accountID string) (domain.Profile, error) {
	if err := r.t.lock(r.t.s.accountLocks, "account", accountID, store.LockExclusive); err != nil {
		return domain.Profile{}, err
	}

	var p domain.Profile
	err := r.t.write(func() (func(), error) {
		var ok bool
		if p, ok = r.t.s.profiles[accountID]; ok {
			return nil, nil
		}
		p = domain.Profile{AccountID: accountID, Level: 1}
		r.t.s.profiles[accountID] = p
		return func() { delete(r.t.s.profiles, accountID) }, nil
	})
	return p, err
}

func (r profileRepo) Get(_ context.Context, accountID string) (p domain.Profile, _ error) {
	r.t.read(func() {
		var ok bool
		if p, ok = r.t.s.profiles[accountID]; !ok {
			p = domain.Profile{AccountID: accountID, Level: 1}
		}
	})
	return p, nil
}

func (r profileRepo) Save(_ context.Context, p domain.Profile) error {
	return r.t.write(func() (func(), error) {
		prev, existed := r.t.s.profiles[p.AccountID]
		r.t.s.profiles[p.AccountID] = p
		return func() {
			if existed {
				r.t.s.profiles[p.AccountID] = prev
			} else {
				delete(r.t.s.profiles, p.AccountID)
			}
		}, nil
	})
}

func (r profileRepo) AppendHistory(_ context.Context, e domain.XPEntry) error {
	return r.t.write(func() (func(), error) {
		r.t.s.history[e.AccountID] = append(r.t.s.history[e.AccountID], e)
		return func() {
			h := r.t.s.history[e.AccountID]
			r.t.s.history[e.AccountID] = slices.DeleteFunc(h, func(x domain.XPEntry) bool { return x.ID == e.ID })
		}, nil
	})
}

func (r profileRepo) History(_ context.Context, accountID string, limit int) (out []domain.XPEntry, _ error) {
	r.t.read(func() {
		h := r.t.s.history[accountID]
		for i := len(h) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			out = append(out, h[i])
		}
	})
	return out, nil
}

func (r profileRepo) ListAccounts(_ context.Context, after string, limit int) (ids []string, _ error) {
	r.t.read(func() {
		for id := range r.t.s.profiles {
			if id > after {
				ids = append(ids, id)
			}
		}
	})
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type statsRepo struct{ t *tx }

func (r statsRepo) Get(_ context.Context, accountID string) (s domain.AccountStats, _ error) {
	r.t.read(func() {
		var ok bool
		if s, ok = r.t.s.stats[accountID]; !ok {
			s = domain.AccountStats{AccountID: accountID}
		}
	})
	return s, nil
}

func (r statsRepo) Save(_ context.Context, s domain.AccountStats) error {
	return r.t.write(func() (func(), error) {
		prev, existed := r.t.s.stats[s.AccountID]
		r.t.s.stats[s.AccountID] = s
		return func() {
			if existed {
				r.t.s.stats[s.AccountID] = prev
			} else {
				delete(r.t.s.stats, s.AccountID)
			}
		}, nil
	})
}

type badgeRepo struct{ t *tx }

func (r badgeRepo) Catalog(_ context.Context) (bs []domain.Badge, _ error) {
	r.t.read(func() {
		for _, b := range r.t.s.catalog {
			bs = append(bs, b)
		}
	})
	slices.SortFunc(bs, func(a, b domain.Badge) int { return strings.Compare(a.ID, b.ID) })
	return bs, nil
}

func (r badgeRepo) UpsertCatalog(_ context.Context, badges []domain.Badge) error {
	return r.t.write(func() (func(), error) {
		prev := make(map[string]domain.Badge, len(r.t.s.catalog))
		for k, v := range r.t.s.catalog {
			prev[k] = v
		}
		for _, b := range badges {
			r.t.s.catalog[b.ID] = b
		}
		return func() { r.t.s.catalog = prev }, nil
	})
}

func (r badgeRepo) Owned(_ context.Context, accountID string) (owned []domain.OwnedBadge, _ error) {
	r.t.read(func() {
		for k, o := range r.t.s.owned {
			if k.accountID == accountID {
				owned = append(owned, o)
			}
		}
	})
	slices.SortFunc(owned, func(a, b domain.OwnedBadge) int { return strings.Compare(a.BadgeID, b.BadgeID) })
	return owned, nil
}

func (r badgeRepo) Grant(_ context.Context, o domain.OwnedBadge) error {
	k := ownedKey{o.AccountID, o.BadgeID}
	return r.t.write(func() (func(), error) {
		if _, ok := r.t.s.owned[k]; ok {
			return nil, errors.Reasoned(errors.ReasonAlreadyOwned,
				errors.WithMessagef("account %s already owns badge %s", o.AccountID, o.BadgeID))
		}
		r.t.s.owned[k] = o
		return func() { delete(r.t.s.owned, k) }, nil
	})
}

type rewardRepo struct{ t *tx }

func (r rewardRepo) Grant(_ context.Context, g domain.RewardGrant) error {
	k := grantKey{g.AccountID, g.RewardID}
	return r.t.write(func() (func(), error) {
		if _, ok := r.t.s.grants[k]; ok {
			return nil, errors.Reasoned(errors.ReasonRewardAlreadyGranted,
				errors.WithMessagef("account %s already holds reward %s", g.AccountID, g.RewardID))
		}
		r.t.s.grants[k] = g
		return func() { delete(r.t.s.grants, k) }, nil
	})
}

func (r rewardRepo) ListByAccount(_ context.Context, accountID string) ([]domain.RewardGrant, error) {
	return r.list(func(g domain.RewardGrant) bool { return g.AccountID == accountID }), nil
}

func (r rewardRepo) ListByRoom(_ context.Context, roomID string) ([]domain.RewardGrant, error) {
	return r.list(func(g domain.RewardGrant) bool { return g.RoomID == roomID }), nil
}

func (r rewardRepo) list(match func(domain.RewardGrant) bool) (gs []domain.RewardGrant) {
	r.t.read(func() {
		for _, g := range r.t.s.grants {
			if match(g) {
				gs = append(gs, g)
			}
		}
	})
	slices.SortFunc(gs, func(a, b domain.RewardGrant) int {
		if c := a.GrantedAt.Compare(b.GrantedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RewardID, b.RewardID)
	})
	return gs
}
