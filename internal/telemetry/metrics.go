package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizroom"

var (
	// AnswersTotal counts answer submissions by outcome: accepted, duplicate, stale, rejected.
	AnswersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Answer submissions by outcome.",
	}, []string{"outcome"})

	AnswerPoints = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "answer_points",
		Help:      "Points awarded per accepted answer.",
		Buckets:   prometheus.LinearBuckets(0, 250, 9),
	})

	RoomTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_transitions_total",
		Help:      "Room state transitions by target state.",
	}, []string{"state"})

	XPGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "xp_granted_total",
		Help:      "XP granted by reason.",
	}, []string{"reason"})

	XPSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "xp_spent_total",
		Help:      "XP spent on badge purchases.",
	})

	BadgesAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "badges_acquired_total",
		Help:      "Badges acquired by source.",
	}, []string{"source"})

	RewardsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rewards_granted_total",
		Help:      "Reward grants by reward type, including skipped duplicates.",
	}, []string{"type", "result"})
)
