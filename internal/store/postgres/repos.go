package postgres

import (
	"context"
	stderrors "errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
)

const roomColumns = `room_id, code, quiz_id, moderator, mode, state, current_question, question_count,
	time_limit_ms, group_count, created_at, started_at, finished_at, settled_at`

type roomRepo struct{ tx pgx.Tx }

func scanRoom(row pgx.Row) (domain.Room, error) {
	var (
		r           domain.Room
		mode, state string
		limitMS     int64
	)
	err := row.Scan(&r.ID, &r.Code, &r.QuizID, &r.Moderator, &mode, &state, &r.CurrentQuestion, &r.QuestionCount,
		&limitMS, &r.GroupCount, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.SettledAt)
	if err != nil {
		return domain.Room{}, err
	}
	if r.Mode, err = domain.ParseRoomMode(mode); err != nil {
		return domain.Room{}, errors.Internal(err)
	}
	if r.State, err = domain.ParseRoomState(state); err != nil {
		return domain.Room{}, errors.Internal(err)
	}
	r.TimeLimit = time.Duration(limitMS) * time.Millisecond
	return r, nil
}

func (r roomRepo) Insert(ctx context.Context, room domain.Room) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO rooms (`+roomColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		room.ID, room.Code, room.QuizID, room.Moderator, room.Mode.String(), room.State.String(),
		room.CurrentQuestion, room.QuestionCount, room.TimeLimit.Milliseconds(), room.GroupCount,
		room.CreatedAt, room.StartedAt, room.FinishedAt, room.SettledAt)
	return classify(err)
}

func (r roomRepo) Get(ctx context.Context, id string) (domain.Room, error) {
	room, err := scanRoom(r.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_id = $1`, id))
	if err != nil {
		return domain.Room{}, notFound(err, "room %s not found", id)
	}
	return room, nil
}

func (r roomRepo) GetByCode(ctx context.Context, code string) (domain.Room, error) {
	room, err := scanRoom(r.tx.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE code = $1 AND state <> 'finished'`, code))
	if err != nil {
		return domain.Room{}, notFound(err, "no open room with code %s", code)
	}
	return room, nil
}

func (r roomRepo) Lock(ctx context.Context, id string, mode store.LockMode) (domain.Room, error) {
	clause := "FOR SHARE"
	if mode == store.LockExclusive {
		clause = "FOR UPDATE"
	}
	room, err := scanRoom(r.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_id = $1 `+clause, id))
	if err != nil {
		return domain.Room{}, notFound(err, "room %s not found", id)
	}
	return room, nil
}

func (r roomRepo) Update(ctx context.Context, room domain.Room) error {
	tag, err := r.tx.Exec(ctx, `
UPDATE rooms
SET state = $2, current_question = $3, started_at = $4, finished_at = $5, settled_at = $6
WHERE room_id = $1`,
		room.ID, room.State.String(), room.CurrentQuestion, room.StartedAt, room.FinishedAt, room.SettledAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("room %s not found", room.ID))
	}
	return nil
}

const participantColumns = `participant_id, room_id, account_id, display_name, group_no, state, joined_at`

type participantRepo struct{ tx pgx.Tx }

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var (
		p       domain.Participant
		account *string
		state   string
	)
	if err := row.Scan(&p.ID, &p.RoomID, &account, &p.DisplayName, &p.Group, &state, &p.JoinedAt); err != nil {
		return domain.Participant{}, err
	}
	p.AccountID = deref(account)
	s, err := domain.ParseParticipantState(state)
	if err != nil {
		return domain.Participant{}, errors.Internal(err)
	}
	p.State = s
	return p, nil
}

func (r participantRepo) Insert(ctx context.Context, p domain.Participant) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO participants (`+participantColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.RoomID, nullable(p.AccountID), p.DisplayName, p.Group, p.State.String(), p.JoinedAt)
	return classify(err)
}

func (r participantRepo) Get(ctx context.Context, id string) (domain.Participant, error) {
	p, err := scanParticipant(r.tx.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE participant_id = $1`, id))
	if err != nil {
		return domain.Participant{}, notFound(err, "participant %s not found", id)
	}
	return p, nil
}

func (r participantRepo) ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.tx.Query(ctx, `
SELECT `+participantColumns+` FROM participants
WHERE room_id = $1
ORDER BY joined_at, participant_id`, roomID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ps []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify(err)
		}
		ps = append(ps, p)
	}
	return ps, classify(rows.Err())
}

func (r participantRepo) UpdateState(ctx context.Context, id string, state domain.ParticipantState) error {
	tag, err := r.tx.Exec(ctx, `UPDATE participants SET state = $2 WHERE participant_id = $1`, id, state.String())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("participant %s not found", id))
	}
	return nil
}

func (r participantRepo) TransitionRoom(ctx context.Context, roomID string, from []domain.ParticipantState, to domain.ParticipantState) (int, error) {
	if err := store.CheckParticipantTransition(to, from...); err != nil {
		return 0, err
	}

	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, s.String())
	}
	tag, err := r.tx.Exec(ctx, `
UPDATE participants SET state = $3
WHERE room_id = $1 AND state = ANY($2)`, roomID, states, to.String())
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r participantRepo) GroupSizes(ctx context.Context, roomID string) (map[int]int, error) {
	rows, err := r.tx.Query(ctx, `
SELECT group_no, count(*) FROM participants
WHERE room_id = $1 AND state <> 'disconnected' AND group_no > 0
GROUP BY group_no`, roomID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	sizes := make(map[int]int)
	for rows.Next() {
		var group, n int
		if err := rows.Scan(&group, &n); err != nil {
			return nil, classify(err)
		}
		sizes[group] = n
	}
	return sizes, classify(rows.Err())
}

const answerColumns = `answer_id, room_id, participant_id, question_id, option_id, elapsed_ms, correct, points, submitted_at`

type answerRepo struct{ tx pgx.Tx }

func scanAnswer(row pgx.Row) (domain.Answer, error) {
	var (
		a         domain.Answer
		option    *string
		elapsedMS int64
	)
	if err := row.Scan(&a.ID, &a.RoomID, &a.ParticipantID, &a.QuestionID, &option, &elapsedMS, &a.Correct, &a.Points, &a.SubmittedAt); err != nil {
		return domain.Answer{}, err
	}
	a.OptionID = deref(option)
	a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return a, nil
}

func (r answerRepo) Insert(ctx context.Context, a domain.Answer) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO answers (`+answerColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RoomID, a.ParticipantID, a.QuestionID, nullable(a.OptionID), a.Elapsed.Milliseconds(),
		a.Correct, a.Points, a.SubmittedAt)
	return classify(err)
}

func (r answerRepo) Get(ctx context.Context, roomID, participantID, questionID string) (domain.Answer, error) {
	a, err := scanAnswer(r.tx.QueryRow(ctx, `
SELECT `+answerColumns+` FROM answers
WHERE room_id = $1 AND participant_id = $2 AND question_id = $3`, roomID, participantID, questionID))
	if err != nil {
		return domain.Answer{}, notFound(err, "answer of participant %s to question %s not found", participantID, questionID)
	}
	return a, nil
}

func (r answerRepo) ListByRoom(ctx context.Context, roomID string) ([]domain.Answer, error) {
	rows, err := r.tx.Query(ctx, `
SELECT `+answerColumns+` FROM answers
WHERE room_id = $1
ORDER BY submitted_at, answer_id`, roomID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var as []domain.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, classify(err)
		}
		as = append(as, a)
	}
	return as, classify(rows.Err())
}

const rankingColumns = `room_id, participant_id, account_id, display_name, group_no, score, correct_count,
	total_time_ms, joined_at, position`

type rankingRepo struct{ tx pgx.Tx }

func scanRanking(row pgx.Row) (domain.RankingEntry, error) {
	var (
		e       domain.RankingEntry
		account *string
		totalMS int64
	)
	err := row.Scan(&e.RoomID, &e.ParticipantID, &account, &e.DisplayName, &e.Group, &e.Score, &e.CorrectCount,
		&totalMS, &e.JoinedAt, &e.Position)
	if err != nil {
		return domain.RankingEntry{}, err
	}
	e.AccountID = deref(account)
	e.TotalTime = time.Duration(totalMS) * time.Millisecond
	return e, nil
}

func (r rankingRepo) Create(ctx context.Context, e domain.RankingEntry) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO rankings (`+rankingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.RoomID, e.ParticipantID, nullable(e.AccountID), e.DisplayName, e.Group, e.Score, e.CorrectCount,
		e.TotalTime.Milliseconds(), e.JoinedAt, e.Position)
	return classify(err)
}

func (r rankingRepo) Increment(ctx context.Context, roomID, participantID string, points, correct int, elapsed time.Duration) (domain.RankingEntry, error) {
	e, err := scanRanking(r.tx.QueryRow(ctx, `
UPDATE rankings
SET score = score + $3, correct_count = correct_count + $4, total_time_ms = total_time_ms + $5
WHERE room_id = $1 AND participant_id = $2
RETURNING `+rankingColumns, roomID, participantID, points, correct, elapsed.Milliseconds()))
	if err != nil {
		return domain.RankingEntry{}, notFound(err, "ranking of participant %s not found", participantID)
	}
	return e, nil
}

func (r rankingRepo) ListByRoom(ctx context.Context, roomID string) ([]domain.RankingEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+rankingColumns+` FROM rankings WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var es []domain.RankingEntry
	for rows.Next() {
		e, err := scanRanking(rows)
		if err != nil {
			return nil, classify(err)
		}
		es = append(es, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	// Millisecond totals tie more often than the in-memory ones; the
	// comparator falls through to join time and id either way.
	domain.SortStandings(es)
	return es, nil
}

func (r rankingRepo) SetPositions(ctx context.Context, roomID string, positions map[string]int) error {
	batch := &pgx.Batch{}
	for pid, pos := range positions {
		batch.Queue(`UPDATE rankings SET position = $3 WHERE room_id = $1 AND participant_id = $2`, roomID, pid, pos)
	}
	return classify(r.tx.SendBatch(ctx, batch).Close())
}

type profileRepo struct{ tx pgx.Tx }

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(&p.AccountID, &p.XPTotal, &p.Level, &p.XPWithinLevel, &p.UpdatedAt)
	return p, err
}

func (r profileRepo) Lock(ctx context.Context, accountID string) (domain.Profile, error) {
	_, err := r.tx.Exec(ctx, `
INSERT INTO profiles (account_id, updated_at) VALUES ($1, now())
ON CONFLICT (account_id) DO NOTHING`, accountID)
	if err != nil {
		return domain.Profile{}, classify(err)
	}

	p, err := scanProfile(r.tx.QueryRow(ctx, `
SELECT account_id, xp_total, level, xp_within_level, updated_at
FROM profiles WHERE account_id = $1
FOR UPDATE`, accountID))
	if err != nil {
		return domain.Profile{}, classify(err)
	}
	return p, nil
}

func (r profileRepo) Get(ctx context.Context, accountID string) (domain.Profile, error) {
	p, err := scanProfile(r.tx.QueryRow(ctx, `
SELECT account_id, xp_total, level, xp_within_level, updated_at
FROM profiles WHERE account_id = $1`, accountID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{AccountID: accountID, Level: 1}, nil
	}
	if err != nil {
		return domain.Profile{}, classify(err)
	}
	return p, nil
}

func (r profileRepo) Save(ctx context.Context, p domain.Profile) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO profiles (account_id, xp_total, level, xp_within_level, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_id) DO UPDATE
SET xp_total = EXCLUDED.xp_total, level = EXCLUDED.level,
	xp_within_level = EXCLUDED.xp_within_level, updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.XPTotal, p.Level, p.XPWithinLevel, p.UpdatedAt)
	return classify(err)
}

func (r profileRepo) AppendHistory(ctx context.Context, e domain.XPEntry) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO xp_history (entry_id, account_id, delta, reason, xp_total_after, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, e.ID, e.AccountID, e.Delta, e.Reason, e.XPTotalAfter, e.CreatedAt)
	return classify(err)
}

func (r profileRepo) History(ctx context.Context, accountID string, limit int) ([]domain.XPEntry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := r.tx.Query(ctx, `
SELECT entry_id, account_id, delta, reason, xp_total_after, created_at
FROM xp_history WHERE account_id = $1
ORDER BY created_at DESC, xp_total_after DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []domain.XPEntry
	for rows.Next() {
		var e domain.XPEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.XPTotalAfter, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (r profileRepo) ListAccounts(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := r.tx.Query(ctx, `
SELECT account_id FROM profiles
WHERE account_id > $1
ORDER BY account_id
LIMIT $2`, after, limit)
	if err != nil {
		return nil, classify(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, classify(err)
}

type statsRepo struct{ tx pgx.Tx }

func (r statsRepo) Get(ctx context.Context, accountID string) (domain.AccountStats, error) {
	s := domain.AccountStats{AccountID: accountID}
	err := r.tx.QueryRow(ctx, `
SELECT games_played, correct_answers, wins, current_win_streak, best_win_streak, podiums
FROM account_stats WHERE account_id = $1`, accountID).
		Scan(&s.GamesPlayed, &s.CorrectAnswers, &s.Wins, &s.CurrentWinStreak, &s.BestWinStreak, &s.Podiums)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	return s, classify(err)
}

func (r statsRepo) Save(ctx context.Context, s domain.AccountStats) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO account_stats (account_id, games_played, correct_answers, wins, current_win_streak, best_win_streak, podiums)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id) DO UPDATE
SET games_played = EXCLUDED.games_played, correct_answers = EXCLUDED.correct_answers, wins = EXCLUDED.wins,
	current_win_streak = EXCLUDED.current_win_streak, best_win_streak = EXCLUDED.best_win_streak,
	podiums = EXCLUDED.podiums`,
		s.AccountID, s.GamesPlayed, s.CorrectAnswers, s.Wins, s.CurrentWinStreak, s.BestWinStreak, s.Podiums)
	return classify(err)
}

type badgeRepo struct{ tx pgx.Tx }

func (r badgeRepo) Catalog(ctx context.Context) ([]domain.Badge, error) {
	rows, err := r.tx.Query(ctx, `
SELECT badge_id, name, requirement, threshold, rarity, xp_bonus, price
FROM badges ORDER BY badge_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var bs []domain.Badge
	for rows.Next() {
		var b domain.Badge
		if err := rows.Scan(&b.ID, &b.Name, &b.Requirement, &b.Threshold, &b.Rarity, &b.XPBonus, &b.Price); err != nil {
			return nil, classify(err)
		}
		bs = append(bs, b)
	}
	return bs, classify(rows.Err())
}

func (r badgeRepo) UpsertCatalog(ctx context.Context, badges []domain.Badge) error {
	batch := &pgx.Batch{}
	for _, b := range badges {
		batch.Queue(`
INSERT INTO badges (badge_id, name, requirement, threshold, rarity, xp_bonus, price)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (badge_id) DO UPDATE
SET name = EXCLUDED.name, requirement = EXCLUDED.requirement, threshold = EXCLUDED.threshold,
	rarity = EXCLUDED.rarity, xp_bonus = EXCLUDED.xp_bonus, price = EXCLUDED.price`,
			b.ID, b.Name, string(b.Requirement), b.Threshold, string(b.Rarity), b.XPBonus, b.Price)
	}
	return classify(r.tx.SendBatch(ctx, batch).Close())
}

func (r badgeRepo) Owned(ctx context.Context, accountID string) ([]domain.OwnedBadge, error) {
	rows, err := r.tx.Query(ctx, `
SELECT account_id, badge_id, source, acquired_at
FROM owned_badges WHERE account_id = $1
ORDER BY badge_id`, accountID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var owned []domain.OwnedBadge
	for rows.Next() {
		var o domain.OwnedBadge
		if err := rows.Scan(&o.AccountID, &o.BadgeID, &o.Source, &o.AcquiredAt); err != nil {
			return nil, classify(err)
		}
		owned = append(owned, o)
	}
	return owned, classify(rows.Err())
}

// Grant reports a duplicate without aborting the transaction so that callers
// may treat ErrAlreadyOwned as a skip.
func (r badgeRepo) Grant(ctx context.Context, o domain.OwnedBadge) error {
	tag, err := r.tx.Exec(ctx, `
INSERT INTO owned_badges (account_id, badge_id, source, acquired_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT ON CONSTRAINT owned_badges_pkey DO NOTHING`, o.AccountID, o.BadgeID, string(o.Source), o.AcquiredAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Reasoned(errors.ReasonAlreadyOwned,
			errors.WithMessagef("account %s already owns badge %s", o.AccountID, o.BadgeID))
	}
	return nil
}

type rewardRepo struct{ tx pgx.Tx }

// Grant reports a duplicate without aborting the transaction so that reward
// assignment can move on to the next pair.
func (r rewardRepo) Grant(ctx context.Context, g domain.RewardGrant) error {
	tag, err := r.tx.Exec(ctx, `
INSERT INTO reward_grants (account_id, reward_id, room_id, position, granted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT ON CONSTRAINT reward_grants_pkey DO NOTHING`, g.AccountID, g.RewardID, g.RoomID, g.Position, g.GrantedAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Reasoned(errors.ReasonRewardAlreadyGranted,
			errors.WithMessagef("account %s already holds reward %s", g.AccountID, g.RewardID))
	}
	return nil
}

func (r rewardRepo) ListByAccount(ctx context.Context, accountID string) ([]domain.RewardGrant, error) {
	return r.list(ctx, `account_id = $1`, accountID)
}

func (r rewardRepo) ListByRoom(ctx context.Context, roomID string) ([]domain.RewardGrant, error) {
	return r.list(ctx, `room_id = $1`, roomID)
}

func (r rewardRepo) list(ctx context.Context, where string, arg string) ([]domain.RewardGrant, error) {
	rows, err := r.tx.Query(ctx, `
SELECT account_id, reward_id, room_id, position, granted_at
FROM reward_grants WHERE `+where+`
ORDER BY granted_at, reward_id`, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var gs []domain.RewardGrant
	for rows.Next() {
		var g domain.RewardGrant
		if err := rows.Scan(&g.AccountID, &g.RewardID, &g.RoomID, &g.Position, &g.GrantedAt); err != nil {
			return nil, classify(err)
		}
		gs = append(gs, g)
	}
	return gs, classify(rows.Err())
}
