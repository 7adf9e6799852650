package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/model"
)

// Store 本地缓存的任务列表，Merge* 是唯一的修改入口
// 每次合并都生成新的切片，已经交给读者的快照不会被修改
type Store struct {
	mu     sync.RWMutex
	jobs   []model.Job
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// Load replaces the whole job list, sorting each job's children.
func (s *Store) Load(jobs []model.Job) {
	next := make([]model.Job, len(jobs))
	for i, j := range jobs {
		c := j.Clone()
		c.Milestones = replaceAndSort(c.Milestones, nil, milestoneID, milestoneLess)
		c.Bids = replaceAndSort(c.Bids, nil, bidID, bidLess)
		c.Applications = replaceAndSort(c.Applications, nil, applicationID, applicationLess)
		next[i] = c
	}

	s.mu.Lock()
	s.jobs = next
	s.mu.Unlock()

	s.logger.Info("Cache loaded", zap.Int("jobs", len(next)))
}

// Snapshot returns a deep copy of the cached jobs.
func (s *Store) Snapshot() []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Clone()
	}
	return out
}

// Job returns a copy of the cached job with the given id.
func (s *Store) Job(id string) (model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		if j.ID == id {
			return j.Clone(), true
		}
	}
	return model.Job{}, false
}

// Milestone looks a milestone up by id across all jobs.
func (s *Store) Milestone(id string) (model.Milestone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		for _, m := range j.Milestones {
			if m.ID == id {
				return m.Clone(), true
			}
		}
	}
	return model.Milestone{}, false
}

// MergeMilestone replaces the milestone with the same id in its job and re-sorts
// by order_index. Returns false when no cached job owns it.
func (s *Store) MergeMilestone(m model.Milestone) bool {
	c := m.Clone()
	return s.mergeInto(m.JobID, "milestone", m.ID, func(j *model.Job) {
		j.Milestones = replaceAndSort(j.Milestones, &c, milestoneID, milestoneLess)
	})
}

func (s *Store) MergeBid(b model.Bid) bool {
	return s.mergeInto(b.JobID, "bid", b.ID, func(j *model.Job) {
		j.Bids = replaceAndSort(j.Bids, &b, bidID, bidLess)
	})
}

func (s *Store) MergeApplication(a model.JobApplication) bool {
	return s.mergeInto(a.JobID, "application", a.ID, func(j *model.Job) {
		j.Applications = replaceAndSort(j.Applications, &a, applicationID, applicationLess)
	})
}

// mergeInto 只替换目标 job，其他 job 原样保留
func (s *Store) mergeInto(jobID, kind, id string, apply func(j *model.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, j := range s.jobs {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.logger.Warn("Cache merge skipped, job not cached",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.String("job_id", jobID),
		)
		return false
	}

	next := make([]model.Job, len(s.jobs))
	copy(next, s.jobs)
	updated := next[idx]
	apply(&updated)
	updated.UpdatedAt = time.Now()
	next[idx] = updated
	s.jobs = next
	return true
}

// replaceAndSort 先删除同 id 的旧值，再追加新值并排序，返回新切片
func replaceAndSort[T any](items []T, item *T, id func(T) string, less func(a, b T) bool) []T {
	out := make([]T, 0, len(items)+1)
	for _, it := range items {
		if item != nil && id(it) == id(*item) {
			continue
		}
		out = append(out, it)
	}
	if item != nil {
		out = append(out, *item)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func milestoneID(m model.Milestone) string { return m.ID }

func bidID(b model.Bid) string { return b.ID }

func applicationID(a model.JobApplication) string { return a.ID }

func milestoneLess(a, b model.Milestone) bool {
	if a.OrderIndex != b.OrderIndex {
		return a.OrderIndex < b.OrderIndex
	}
	return a.ID < b.ID
}

func bidLess(a, b model.Bid) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func applicationLess(a, b model.JobApplication) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
