package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/docker-backup/internal/metrics"
	"github.com/imedwei/docker-backup/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func gen(id string, size int64, refs ...string) storage.GenerationInfo {
	created, err := time.Parse("20060102_150405", id)
	if err != nil {
		panic(err)
	}
	return storage.GenerationInfo{ID: id, SizeBytes: size, CreatedAt: created, References: refs, Complete: true}
}

func TestPlanRetention_KeepsIncrementalReference(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 100),
		gen("20260102_000000", 10, "20260101_000000"),
	}
	day3 := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)

	plan := PlanRetention(gens, Policy{KeepDaily: 1}, day3)

	assert.Contains(t, plan.Keep, "20260102_000000")
	assert.Equal(t, []Reason{ReasonDaily, ReasonLatest}, plan.Reasons["20260102_000000"])
	assert.NotContains(t, plan.Delete, "20260101_000000")
	assert.Equal(t, []Reason{ReasonChain}, plan.Reasons["20260101_000000"])
	assert.Empty(t, plan.Delete)
}

func TestPlanRetention_TransitiveChain(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 100),
		gen("20260102_000000", 10, "20260101_000000"),
		gen("20260103_000000", 10, "20260102_000000"),
		gen("20260104_000000", 100),
		gen("20260105_000000", 10, "20260104_000000"),
	}
	plan := PlanRetention(gens, Policy{KeepDaily: 1}, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"20260104_000000", "20260105_000000"}, plan.Keep)
	assert.Equal(t, []string{"20260101_000000", "20260102_000000", "20260103_000000"}, plan.Delete)

	plan = PlanRetention(gens, Policy{KeepDaily: 3}, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, plan.Delete, "keeping 20260103 pulls in its whole chain")
}

func TestPlanRetention_Buckets(t *testing.T) {
	var gens []storage.GenerationInfo
	// two generations a day through January and February 2026
	for d := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); d.Before(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); d = d.AddDate(0, 0, 1) {
		for _, h := range []int{2, 14} {
			ts := d.Add(time.Duration(h) * time.Hour)
			gens = append(gens, gen(ts.Format("20060102_150405"), 1))
		}
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("daily", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{KeepDaily: 3}, now)
		assert.Equal(t, []string{"20260226_140000", "20260227_140000", "20260228_140000"}, plan.Keep)
	})

	t.Run("weekly iso", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{KeepWeekly: 2, WeekStart: time.Monday}, now)
		// 2026-02-28 is a Saturday; the previous ISO week ended Sunday 02-22
		assert.Equal(t, []string{"20260222_140000", "20260228_140000"}, plan.Keep)
	})

	t.Run("weekly reference weekday", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{KeepWeekly: 2, WeekStart: time.Saturday}, now)
		assert.Equal(t, []string{"20260227_140000", "20260228_140000"}, plan.Keep)
	})

	t.Run("monthly keeps the first of each month", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{KeepMonthly: 5}, now)
		assert.Equal(t, []string{"20260101_020000", "20260201_020000", "20260228_140000"}, plan.Keep)
		assert.Equal(t, []Reason{ReasonLatest}, plan.Reasons["20260228_140000"])
	})

	t.Run("overlapping buckets", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{KeepDaily: 1, KeepWeekly: 1, KeepMonthly: 1}, now)
		assert.Equal(t, []string{"20260201_020000", "20260228_140000"}, plan.Keep)
		assert.ElementsMatch(t, []Reason{ReasonDaily, ReasonWeekly, ReasonLatest}, plan.Reasons["20260228_140000"])
		assert.Len(t, plan.Delete, len(gens)-2)
	})

	t.Run("zero policy keeps only the latest", func(t *testing.T) {
		plan := PlanRetention(gens, Policy{}, now)
		assert.Equal(t, []string{"20260228_140000"}, plan.Keep)
		assert.Len(t, plan.Delete, len(gens)-1)
	})
}

func TestPlanRetention_IncompleteGenerationsNeverFillBuckets(t *testing.T) {
	partial := gen("20260102_000000", 50)
	partial.Complete = false
	gens := []storage.GenerationInfo{gen("20260101_000000", 10), partial}

	plan := PlanRetention(gens, Policy{KeepDaily: 1}, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"20260101_000000"}, plan.Keep)
	assert.Equal(t, []string{"20260102_000000"}, plan.Delete)
}

func TestPlanRetention_IsPure(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260102_000000", 10, "20260101_000000"),
		gen("20260101_000000", 100),
	}
	before := append([]storage.GenerationInfo(nil), gens...)
	now := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	first := PlanRetention(gens, Policy{KeepDaily: 1}, now)
	second := PlanRetention(gens, Policy{KeepDaily: 1}, now)
	assert.Equal(t, first, second)
	assert.Equal(t, before, gens)
}

func TestPlanRetention_Quota(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 400),
		gen("20260102_000000", 400),
		gen("20260103_000000", 100, "20260102_000000"),
		gen("20260104_000000", 400),
	}
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	policy := Policy{KeepDaily: 2, MaxStorageBytes: 1000, CleanupThreshold: 0.8, WarningThreshold: 0.7}

	plan := PlanRetention(gens, policy, now)

	assert.Equal(t, int64(1300), plan.UsedBytes)
	assert.True(t, plan.Quota.CleanupNeeded)
	assert.True(t, plan.Quota.Warning)
	// 20260102 holds no bucket but 20260103 links against it
	assert.Equal(t, []string{"20260101_000000"}, plan.Delete)
	assert.Equal(t, []string{"20260102_000000", "20260103_000000", "20260104_000000"}, plan.Keep)
	assert.Equal(t, int64(900), plan.RetainedBytes)
	assert.True(t, plan.OverQuota)
}

func TestPlanRetention_QuotaNeverDeletesBucketMembers(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 100),
		gen("20260102_000000", 100),
		gen("20260103_000000", 100),
	}
	policy := Policy{KeepDaily: 3, MaxStorageBytes: 200}

	plan := PlanRetention(gens, policy, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, plan.Delete)
	assert.Len(t, plan.Keep, 3)
	assert.Equal(t, int64(300), plan.RetainedBytes)
	assert.True(t, plan.Quota.CleanupNeeded)
	assert.True(t, plan.OverQuota, "the overage is reported, not evicted")
}

func TestPlanRetention_QuotaSatisfiedByCandidates(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 400),
		gen("20260102_000000", 100, "20260101_000000"),
		gen("20260103_000000", 100),
	}
	policy := Policy{KeepDaily: 1, MaxStorageBytes: 200, CleanupThreshold: 1}

	plan := PlanRetention(gens, policy, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC))
	assert.True(t, plan.Quota.CleanupNeeded)
	assert.Equal(t, []string{"20260101_000000", "20260102_000000"}, plan.Delete)
	assert.Equal(t, []string{"20260103_000000"}, plan.Keep)
	assert.Equal(t, int64(100), plan.RetainedBytes)
	assert.False(t, plan.OverQuota)
}

func TestPlanRetention_QuotaNeverBreaksChains(t *testing.T) {
	gens := []storage.GenerationInfo{
		gen("20260101_000000", 1000),
		gen("20260102_000000", 10, "20260101_000000"),
	}
	policy := Policy{KeepDaily: 7, MaxStorageBytes: 100, CleanupThreshold: 0.9}

	plan := PlanRetention(gens, policy, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, plan.Delete, "the newest generation and its reference survive")
	assert.Greater(t, plan.RetainedBytes, int64(90))
	assert.True(t, plan.OverQuota)
}

func TestPlanRetention_QuotaConverges(t *testing.T) {
	var gens []storage.GenerationInfo
	for d := 1; d <= 20; d++ {
		id := time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC).Format("20060102_150405")
		gens = append(gens, gen(id, 100))
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("below threshold", func(t *testing.T) {
		policy := Policy{KeepDaily: 5, MaxStorageBytes: 1000, CleanupThreshold: 0.5}

		plan := PlanRetention(gens, policy, now)
		assert.Equal(t, int64(500), plan.RetainedBytes)
		assert.Len(t, plan.Keep, 5)
		assert.Equal(t, "20260120_000000", plan.Keep[len(plan.Keep)-1])
		assert.False(t, plan.OverQuota)

		var remaining []storage.GenerationInfo
		for _, g := range gens {
			if plan.Kept(g.ID) {
				remaining = append(remaining, g)
			}
		}
		again := PlanRetention(remaining, policy, now)
		assert.Empty(t, again.Delete)
		assert.False(t, again.Quota.CleanupNeeded)
	})

	t.Run("candidates exhausted", func(t *testing.T) {
		policy := Policy{KeepDaily: 30, MaxStorageBytes: 1000, CleanupThreshold: 0.5}

		plan := PlanRetention(gens, policy, now)
		assert.Empty(t, plan.Delete)
		assert.Len(t, plan.Keep, 20)
		assert.True(t, plan.OverQuota)
	})
}

func TestCheckQuota(t *testing.T) {
	disabled := CheckQuota(500, Policy{})
	assert.False(t, disabled.Enabled)
	assert.Equal(t, int64(500), disabled.UsedBytes)

	q := CheckQuota(850, Policy{MaxStorageBytes: 1000, WarningThreshold: 0.8, CleanupThreshold: 0.9})
	assert.True(t, q.Enabled)
	assert.InDelta(t, 85.0, q.Percent, 0.001)
	assert.True(t, q.Warning)
	assert.False(t, q.CleanupNeeded)

	q = CheckQuota(950, Policy{MaxStorageBytes: 1000, WarningThreshold: 0.8, CleanupThreshold: 0.9})
	assert.True(t, q.CleanupNeeded)
}

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) Name() string { return "mock" }

func (m *mockRemote) Upload(ctx context.Context, req storage.UploadRequest) (*storage.UploadResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*storage.UploadResult), args.Error(1)
}

func (m *mockRemote) List(ctx context.Context) ([]storage.GenerationInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).([]storage.GenerationInfo), args.Error(1)
}

func (m *mockRemote) Delete(ctx context.Context, id string) (*storage.DeleteResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*storage.DeleteResult)
	return res, args.Error(1)
}

func (m *mockRemote) Download(ctx context.Context, id, dest string) error {
	return m.Called(ctx, id, dest).Error(0)
}

func TestExecuteCleanup_ContinuesPastFailures(t *testing.T) {
	remote := &mockRemote{}
	var order []string
	record := func(args mock.Arguments) { order = append(order, args.String(1)) }
	remote.On("Delete", mock.Anything, "20260103_000000").Run(record).
		Return(&storage.DeleteResult{GenerationID: "20260103_000000", FreedBytes: 30}, nil)
	remote.On("Delete", mock.Anything, "20260102_000000").Run(record).
		Return(nil, storage.ErrUnreachable)
	remote.On("Delete", mock.Anything, "20260101_000000").Run(record).
		Return(&storage.DeleteResult{GenerationID: "20260101_000000", FreedBytes: 10}, nil)

	before := testutil.ToFloat64(metrics.GenerationsDeleted.WithLabelValues("mock"))
	result := ExecuteCleanup(context.Background(), remote,
		[]string{"20260101_000000", "20260102_000000", "20260103_000000"}, discard)

	assert.Equal(t, []string{"20260103_000000", "20260102_000000", "20260101_000000"}, order, "newest first")
	assert.Equal(t, []string{"20260103_000000", "20260101_000000"}, result.Deleted)
	assert.Equal(t, int64(40), result.FreedBytes)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "20260102_000000", result.Errors[0].GenerationID)
	assert.ErrorIs(t, result.Errors[0], storage.ErrUnreachable)
	assert.True(t, Error.Has(result.Err()))
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.GenerationsDeleted.WithLabelValues("mock")))
	remote.AssertExpectations(t)
}

func TestExecuteCleanup_Empty(t *testing.T) {
	remote := &mockRemote{}
	result := ExecuteCleanup(context.Background(), remote, nil, discard)
	assert.Empty(t, result.Deleted)
	assert.NoError(t, result.Err())
	remote.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestEnforcer_Enforce(t *testing.T) {
	remote := &mockRemote{}
	remote.On("List", mock.Anything).Return([]storage.GenerationInfo{
		gen("20260101_000000", 100),
		gen("20260102_000000", 100),
	}, nil)
	remote.On("Delete", mock.Anything, "20260101_000000").
		Return(&storage.DeleteResult{GenerationID: "20260101_000000", FreedBytes: 100}, nil)

	e := NewEnforcer(Policy{KeepDaily: 1}, discard)
	e.now = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }

	plan, result, err := e.Enforce(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"20260102_000000"}, plan.Keep)
	assert.Equal(t, []string{"20260101_000000"}, result.Deleted)

	failing := &mockRemote{}
	failing.On("List", mock.Anything).Return([]storage.GenerationInfo(nil), errors.New("boom"))
	_, _, err = e.Enforce(context.Background(), failing)
	assert.Error(t, err)
}
