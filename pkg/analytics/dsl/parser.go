// Package dsl parses the compact text form of a filter set, e.g.
//
//	anthropometric: bmi > 25 and weight between 60 and 90 at 1,3 for adult; diet
//
// Filters are separated by ';'. A bare modality is an existence-only filter.
package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

var (
	clauseRegex    = regexp.MustCompile(`^([a-zA-Z_]+)\s*(?::\s*(.*))?$`)
	cohortRegex    = regexp.MustCompile(`(?i)\s*\bfor\s+([a-z,\s]+)$`)
	timepointRegex = regexp.MustCompile(`(?i)\s*\bat\s+([a-z0-9,\s]+)$`)
	conditionRegex = regexp.MustCompile(`(?i)([a-z0-9_]+)\s*(?:(between)\s+('[^']*'|\S+)\s+and\s+('[^']*'|\S+)|(>=|<=|!=|=|>|<)\s*('[^']*'|[^\s']+))`)
	separatorRegex = regexp.MustCompile(`(?i)^\s*(and)?\s*$`)
)

// Parse turns an expression into a filter set. It checks syntax only; use
// filter.Validate for vocabulary checks.
func Parse(input string) (filter.FilterSet, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	builder := filter.NewBuilder()
	seen := make(map[models.Modality]bool)
	for i, raw := range strings.Split(input, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		match := clauseRegex.FindStringSubmatch(raw)
		if match == nil {
			return nil, fmt.Errorf("filter %d: expected \"modality: conditions\", got %q", i, raw)
		}
		modality := models.Modality(strings.ToLower(match[1]))
		if seen[modality] {
			return nil, fmt.Errorf("filter %d: modality %s given twice", i, modality)
		}
		seen[modality] = true
		builder = builder.Modality(modality)

		body := strings.TrimSpace(match[2])
		if body == "" {
			continue
		}

		if m := cohortRegex.FindStringSubmatchIndex(body); m != nil {
			cohorts, err := parseCohorts(body[m[2]:m[3]])
			if err != nil {
				return nil, fmt.Errorf("filter %d: %w", i, err)
			}
			builder = builder.Cohorts(modality, cohorts...)
			body = body[:m[0]]
		}
		if m := timepointRegex.FindStringSubmatchIndex(body); m != nil {
			timepoints, err := parseTimepoints(body[m[2]:m[3]])
			if err != nil {
				return nil, fmt.Errorf("filter %d: %w", i, err)
			}
			builder = builder.Timepoints(modality, timepoints...)
			body = body[:m[0]]
		}

		thresholds, err := parseConditions(strings.TrimSpace(body))
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		for _, t := range thresholds {
			builder = builder.Threshold(modality, t)
		}
	}

	set := builder.Build()
	if len(set) == 0 {
		return nil, fmt.Errorf("expression holds no filters")
	}
	return set, nil
}

func parseConditions(body string) ([]filter.Threshold, error) {
	if body == "" {
		return nil, nil
	}
	var (
		out  []filter.Threshold
		last int
	)
	for _, m := range conditionRegex.FindAllStringSubmatchIndex(body, -1) {
		if gap := body[last:m[0]]; !separatorRegex.MatchString(gap) {
			return nil, fmt.Errorf("unexpected %q", strings.TrimSpace(gap))
		}
		last = m[1]

		variable := strings.ToLower(body[m[2]:m[3]])
		if m[4] >= 0 {
			out = append(out, filter.Between(variable, literal(body[m[6]:m[7]]), literal(body[m[8]:m[9]])))
			continue
		}
		out = append(out, filter.Compare(variable, filter.Operator(body[m[10]:m[11]]), literal(body[m[12]:m[13]])))
	}
	if rest := strings.TrimSpace(body[last:]); rest != "" {
		return nil, fmt.Errorf("unexpected %q", rest)
	}
	return out, nil
}

// literal unquotes 'text' and reads anything numeric as a float.
func literal(raw string) interface{} {
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return raw[1 : len(raw)-1]
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func parseTimepoints(raw string) ([]filter.Timepoint, error) {
	var out []filter.Timepoint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tp, err := filter.ParseTimepoint(part)
		if err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at needs at least one timepoint")
	}
	return out, nil
}

func parseCohorts(raw string) ([]models.Cohort, error) {
	var out []models.Cohort
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cohort, ok := models.ParseCohort(part)
		if !ok {
			return nil, fmt.Errorf("unknown cohort %q", part)
		}
		out = append(out, cohort)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("for needs at least one cohort")
	}
	return out, nil
}
