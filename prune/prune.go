// Package prune deletes old packages according to a retention policy.
//
// Packages older than a weekly, monthly, or yearly threshold fall into that tier.
// In each tier the most recently created packages are kept,
// up to the tier's keep count,
// and the rest are deleted.
// Since the choice depends only on creation times,
// running the engine again over an unchanged set of packages deletes nothing more.
package prune

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/tags"
)

// Policy is a retention policy.
// Thresholds are ages in days.
type Policy struct {
	Enabled bool

	WeeklyThreshold  int
	MonthlyThreshold int
	YearlyThreshold  int

	WeeklyKeep  int
	MonthlyKeep int
	YearlyKeep  int

	// Packages carrying any of these tags are never pruned.
	ProtectedTags []string
}

// Repo is what the engine prunes.
type Repo interface {
	Projects(ctx context.Context) ([]string, error)
	AllPackageIDs(ctx context.Context, project string) ([]string, error)
	Manifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error)

	// Delete removes a package the way an explicit delete does,
	// rewiring packages stored relative to it.
	Delete(ctx context.Context, project, id string) error
}

// Tier is a retention age bucket.
type Tier int

const (
	Untouched Tier = iota
	Weekly
	Monthly
	Yearly
)

func (t Tier) String() string {
	switch t {
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	}
	return "untouched"
}

// Report describes one project's prune.
type Report struct {
	Project   string
	Tiers     map[Tier][]string // package ids by tier, newest first
	Protected []string
	Deleted   []string
	Failed    []string
}

// Engine applies a Policy to a Repo.
type Engine struct {
	repo   Repo
	tags   tags.Reader
	policy Policy
	log    zerolog.Logger

	// Now is the clock ages are measured against.
	Now func() time.Time
}

// New produces an Engine.
// Tags may be nil,
// in which case no package is protected.
func New(repo Repo, tags tags.Reader, policy Policy, log zerolog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		tags:   tags,
		policy: policy,
		log:    log,
		Now:    time.Now,
	}
}

// Prune prunes every project.
// Failure to prune one project is logged and does not stop the others.
func (e *Engine) Prune(ctx context.Context) ([]*Report, error) {
	if !e.policy.Enabled {
		return nil, nil
	}
	projects, err := e.repo.Projects(ctx)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, project := range projects {
		if err = ctx.Err(); err != nil {
			return reports, err
		}
		r, err := e.PruneProject(ctx, project)
		if err != nil {
			e.log.Error().Err(err).Str("project", project).Msg("pruning project")
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

type candidate struct {
	id      string
	created time.Time
}

// PruneProject prunes one project.
func (e *Engine) PruneProject(ctx context.Context, project string) (*Report, error) {
	report := &Report{Project: project, Tiers: make(map[Tier][]string)}
	if !e.policy.Enabled {
		return report, nil
	}

	ids, err := e.repo.AllPackageIDs(ctx, project)
	if err != nil {
		return nil, err
	}

	var tagged map[string][]string
	if e.tags != nil && len(e.policy.ProtectedTags) > 0 {
		tagged, err = e.tags.PackagesThenTags(ctx, project)
		if err != nil {
			return nil, err
		}
	}

	now := e.Now()
	tiers := make(map[Tier][]candidate)
	for _, id := range ids {
		if tags.HasAny(tagged[id], e.policy.ProtectedTags) {
			report.Protected = append(report.Protected, id)
			continue
		}
		m, err := e.repo.Manifest(ctx, project, id)
		if err != nil {
			e.log.Warn().Err(err).Str("project", project).Str("package", id).Msg("reading manifest, skipping package")
			continue
		}
		tier := e.tierOf(now.Sub(m.CreatedUtc))
		if tier == Untouched {
			continue
		}
		tiers[tier] = append(tiers[tier], candidate{id: id, created: m.CreatedUtc})
	}

	for _, tier := range []Tier{Weekly, Monthly, Yearly} {
		list := tiers[tier]
		sort.Slice(list, func(i, j int) bool {
			if !list[i].created.Equal(list[j].created) {
				return list[i].created.After(list[j].created)
			}
			return list[i].id > list[j].id
		})
		for _, c := range list {
			report.Tiers[tier] = append(report.Tiers[tier], c.id)
		}

		keep := e.keep(tier)
		if len(list) <= keep {
			continue
		}
		for _, c := range list[keep:] {
			if err = ctx.Err(); err != nil {
				return report, err
			}
			if err := e.repo.Delete(ctx, project, c.id); err != nil {
				e.log.Error().Err(err).Str("project", project).Str("package", c.id).Msg("pruning package")
				report.Failed = append(report.Failed, c.id)
				continue
			}
			e.log.Info().Str("project", project).Str("package", c.id).Stringer("tier", tier).Msg("pruned package")
			metrics.PackagesDeleted.WithLabelValues("prune").Inc()
			report.Deleted = append(report.Deleted, c.id)
		}
	}
	return report, nil
}

func (e *Engine) tierOf(age time.Duration) Tier {
	days := age.Hours() / 24
	switch {
	case days > float64(e.policy.YearlyThreshold):
		return Yearly
	case days > float64(e.policy.MonthlyThreshold):
		return Monthly
	case days > float64(e.policy.WeeklyThreshold):
		return Weekly
	}
	return Untouched
}

func (e *Engine) keep(t Tier) int {
	switch t {
	case Weekly:
		return e.policy.WeeklyKeep
	case Monthly:
		return e.policy.MonthlyKeep
	case Yearly:
		return e.policy.YearlyKeep
	}
	return 0
}
