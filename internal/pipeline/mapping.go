package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/repository"
)

// RunMap matches source columns against the canonical schema and persists a
// MappingResult. On resume, decisions overlay the recomputed automatic
// mappings. With no schema the stage emits identity mappings.
func (p *Pipeline) RunMap(ctx context.Context, ing *domain.Ingestion, schema *domain.CanonicalSchema, decisions []domain.ReviewDecision) error {
	inferred := ing.InferredSchema
	if inferred == nil {
		return fmt.Errorf("inferred schema missing for ingestion %s", ing.ID)
	}

	if err := p.journal.Purge(ctx, ing.ID, domain.StageMap); err != nil {
		return fmt.Errorf("purge map journal: %w", err)
	}

	if schema == nil {
		result := passthroughMappings(inferred)
		ing.MappingResult = &result
		if err := p.journal.Append(ctx, ing.ID, domain.StageMap, "passthrough_mapping", map[string]any{
			"columnCount": len(result.Mappings),
		}); err != nil {
			return fmt.Errorf("journal passthrough mapping: %w", err)
		}
		return nil
	}

	sourceNames := make([]string, len(inferred.Columns))
	for i, col := range inferred.Columns {
		sourceNames[i] = col.Name
	}

	var result domain.MappingResult
	fromTemplate := false
	if len(decisions) == 0 {
		if tmpl, ok := p.lookupTemplate(ctx, ing, schema, sourceNames); ok {
			result = tmpl
			fromTemplate = true
		}
	}
	if !fromTemplate {
		result = p.matchColumns(sourceNames, schema)
	}

	if len(decisions) > 0 {
		applyDecisions(&result, decisions)
	}
	classifyAmbiguity(&result, schema, p.cfg.ReviewThreshold)

	ing.MappingResult = &result

	for _, m := range result.Mappings {
		decisionType := "column_mapped"
		if m.TargetColumn == nil {
			decisionType = "column_unmapped"
		}
		details := map[string]any{
			"source":     m.SourceColumn,
			"method":     string(m.Method),
			"confidence": m.Confidence,
		}
		if m.TargetColumn != nil {
			details["target"] = *m.TargetColumn
		}
		if len(m.AlternativeMappings) > 0 {
			details["alternatives"] = m.AlternativeMappings
		}
		if err := p.journal.Append(ctx, ing.ID, domain.StageMap, decisionType, details); err != nil {
			return fmt.Errorf("journal column mapping: %w", err)
		}
	}
	for _, d := range decisions {
		details := map[string]any{"source": d.SourceColumn}
		if d.TargetColumn != nil {
			details["target"] = *d.TargetColumn
		}
		if err := p.journal.Append(ctx, ing.ID, domain.StageMap, "human_resolved", details); err != nil {
			return fmt.Errorf("journal review decision: %w", err)
		}
	}

	if len(decisions) > 0 && !result.RequiresReview {
		p.saveTemplate(ctx, ing, schema, sourceNames, result)
	}

	p.log.Info("map complete",
		"ingestion", ing.ID,
		"mappings", len(result.Mappings),
		"requiresReview", result.RequiresReview)
	return nil
}

func passthroughMappings(inferred *domain.InferredSchema) domain.MappingResult {
	mappings := make([]domain.ColumnMapping, 0, len(inferred.Columns))
	for _, col := range inferred.Columns {
		target := col.Name
		mappings = append(mappings, domain.ColumnMapping{
			SourceColumn: col.Name,
			TargetColumn: &target,
			Method:       domain.MappingMethodExact,
			Confidence:   1,
		})
	}
	return domain.MappingResult{Mappings: mappings}
}

// matchColumns runs the strategy chain greedily: each bound target leaves the
// candidate pool, so no target is used twice.
func (p *Pipeline) matchColumns(sourceNames []string, schema *domain.CanonicalSchema) domain.MappingResult {
	available := make([]domain.ColumnDefinition, len(schema.Columns))
	copy(available, schema.Columns)

	mappings := make([]domain.ColumnMapping, 0, len(sourceNames))
	for _, source := range sourceNames {
		mapping, matched := matchOne(source, available, p.cfg.FuzzyMinSimilarity)
		if mapping.Confidence < p.cfg.ReviewThreshold {
			mapping.AlternativeMappings = alternatives(source, available, matched, p.cfg.AlternativeMin)
		}
		if matched >= 0 {
			available = append(available[:matched], available[matched+1:]...)
		}
		mappings = append(mappings, mapping)
	}
	return domain.MappingResult{Mappings: mappings}
}

// matchOne tries exact, case-insensitive, alias, then fuzzy. Returns the
// mapping and the index of the consumed candidate, -1 when unmapped.
func matchOne(source string, available []domain.ColumnDefinition, fuzzyMin float64) (domain.ColumnMapping, int) {
	for i, cand := range available {
		if cand.Name == source {
			return mappingFor(source, cand.Name, domain.MappingMethodExact, 1), i
		}
	}
	// Case-insensitive equality covers aliases too, so "Email" against an
	// alias "email" resolves here rather than at the lower alias confidence.
	for i, cand := range available {
		if strings.EqualFold(cand.Name, source) || anyEqualFold(source, cand.Aliases) {
			return mappingFor(source, cand.Name, domain.MappingMethodCaseInsensitive, 0.95), i
		}
	}
	for i, cand := range available {
		if aliasMatches(source, cand.Aliases) {
			return mappingFor(source, cand.Name, domain.MappingMethodAlias, 0.9), i
		}
	}

	bestIdx := -1
	bestScore := 0.0
	for i, cand := range available {
		if score := candidateSimilarity(source, cand); score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx >= 0 && bestScore >= fuzzyMin {
		return mappingFor(source, available[bestIdx].Name, domain.MappingMethodFuzzy, bestScore), bestIdx
	}

	return domain.ColumnMapping{
		SourceColumn: source,
		Method:       domain.MappingMethodUnmapped,
	}, -1
}

func mappingFor(source, target string, method domain.MappingMethod, confidence float64) domain.ColumnMapping {
	return domain.ColumnMapping{
		SourceColumn: source,
		TargetColumn: &target,
		Method:       method,
		Confidence:   confidence,
	}
}

func anyEqualFold(source string, aliases []string) bool {
	for _, alias := range aliases {
		if strings.EqualFold(alias, source) {
			return true
		}
	}
	return false
}

func aliasMatches(source string, aliases []string) bool {
	normalized := normalizeName(source)
	for _, alias := range aliases {
		if normalizeName(alias) == normalized {
			return true
		}
	}
	return false
}

// candidateSimilarity scores a source against a target's name and aliases.
func candidateSimilarity(source string, cand domain.ColumnDefinition) float64 {
	best := bigramSimilarity(normalizeName(source), normalizeName(cand.Name))
	for _, alias := range cand.Aliases {
		if score := bigramSimilarity(normalizeName(source), normalizeName(alias)); score > best {
			best = score
		}
	}
	return best
}

// alternatives ranks the remaining candidate pool for review display,
// excluding the consumed candidate, cut at the floor, top three.
func alternatives(source string, available []domain.ColumnDefinition, consumed int, floor float64) []domain.AlternativeMapping {
	var alts []domain.AlternativeMapping
	for i, cand := range available {
		if i == consumed {
			continue
		}
		if score := candidateSimilarity(source, cand); score >= floor {
			alts = append(alts, domain.AlternativeMapping{TargetColumn: cand.Name, Confidence: score})
		}
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	if len(alts) > 3 {
		alts = alts[:3]
	}
	return alts
}

// applyDecisions overlays human choices. A decision's target is released
// from any automatic mapping that held it.
func applyDecisions(result *domain.MappingResult, decisions []domain.ReviewDecision) {
	for _, d := range decisions {
		if d.TargetColumn != nil {
			for i := range result.Mappings {
				m := &result.Mappings[i]
				if m.SourceColumn != d.SourceColumn && m.TargetColumn != nil && *m.TargetColumn == *d.TargetColumn {
					m.TargetColumn = nil
					m.Method = domain.MappingMethodUnmapped
					m.Confidence = 0
					m.AlternativeMappings = nil
				}
			}
		}
		for i := range result.Mappings {
			m := &result.Mappings[i]
			if m.SourceColumn != d.SourceColumn {
				continue
			}
			m.TargetColumn = d.TargetColumn
			m.Method = domain.MappingMethodManual
			m.Confidence = 1
			m.AlternativeMappings = nil
		}
	}
}

// classifyAmbiguity recomputes the review flags. A mapping is ambiguous when
// its confidence sits below the threshold but above zero, or when it is
// unmapped under a strict schema.
func classifyAmbiguity(result *domain.MappingResult, schema *domain.CanonicalSchema, threshold float64) {
	result.AmbiguousMappings = nil
	for _, m := range result.Mappings {
		ambiguous := (m.Confidence > 0 && m.Confidence < threshold) ||
			(m.Method == domain.MappingMethodUnmapped && schema.Strict)
		if ambiguous {
			result.AmbiguousMappings = append(result.AmbiguousMappings, m.SourceColumn)
		}
	}
	result.RequiresReview = len(result.AmbiguousMappings) > 0
}

// lookupTemplate applies a recorded mapping template when one exists for
// this schema and header set.
func (p *Pipeline) lookupTemplate(ctx context.Context, ing *domain.Ingestion, schema *domain.CanonicalSchema, sourceNames []string) (domain.MappingResult, bool) {
	if !p.cfg.UseTemplates || p.templates == nil {
		return domain.MappingResult{}, false
	}
	fingerprint := domain.SourceFingerprint(sourceNames)
	tmpl, err := p.templates.GetByFingerprint(ctx, schema.ID, fingerprint)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.log.Warn("template lookup failed", "ingestion", ing.ID, "error", err)
		}
		return domain.MappingResult{}, false
	}

	mappings := make([]domain.ColumnMapping, 0, len(tmpl.Mappings))
	for _, m := range tmpl.Mappings {
		m.Method = domain.MappingMethodManual
		m.Confidence = 1
		m.AlternativeMappings = nil
		mappings = append(mappings, m)
	}
	if err := p.templates.IncrementUsage(ctx, tmpl.ID); err != nil {
		p.log.Warn("template usage bump failed", "ingestion", ing.ID, "error", err)
	}
	_ = p.journal.Append(ctx, ing.ID, domain.StageMap, "template_applied", map[string]any{
		"templateId":  tmpl.ID.String(),
		"fingerprint": tmpl.SourceFingerprint,
	})
	return domain.MappingResult{Mappings: mappings}, true
}

// saveTemplate records the resolved mappings after a successful review so
// the next upload with the same headers can skip it.
func (p *Pipeline) saveTemplate(ctx context.Context, ing *domain.Ingestion, schema *domain.CanonicalSchema, sourceNames []string, result domain.MappingResult) {
	if !p.cfg.UseTemplates || p.templates == nil {
		return
	}
	tmpl := domain.MappingTemplate{
		ID:                uuid.New(),
		SchemaID:          schema.ID,
		SourceFingerprint: domain.SourceFingerprint(sourceNames),
		Mappings:          result.Mappings,
		CreatedAt:         p.now(),
		UpdatedAt:         p.now(),
	}
	if _, err := p.templates.Upsert(ctx, tmpl); err != nil {
		p.log.Warn("template save failed", "ingestion", ing.ID, "error", err)
	}
}

var separatorPattern = regexp.MustCompile(`[_\-\s]+`)
var nonAlnumPattern = regexp.MustCompile(`[^a-z0-9]`)

// normalizeName lowercases and strips separators and any remaining
// non-alphanumerics so "Order-ID", "order id", and "orderid" collide.
func normalizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	lowered = separatorPattern.ReplaceAllString(lowered, "")
	return nonAlnumPattern.ReplaceAllString(lowered, "")
}

// bigramSimilarity is the Sorensen-Dice coefficient over character bigrams.
func bigramSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	counts := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		counts[a[i:i+2]]++
	}
	overlap := 0
	for i := 0; i < len(b)-1; i++ {
		bg := b[i : i+2]
		if counts[bg] > 0 {
			counts[bg]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(a)-1+len(b)-1)
}
