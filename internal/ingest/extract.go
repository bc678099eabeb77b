package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/llm"
	"github.com/xwysyy/KG-RAG/internal/model"
)

const extractionPrompt = `You are an algorithm knowledge extraction expert for competitive programming (OI / ICPC). Given the text below, extract **entities** and **relations**.

## Output Format
Return a JSON object with two keys:
- "entities": array of {"name": str, "type": str, "description": str, "aliases": [str]}
- "relations": array of {"source": str, "target": str, "type": str, "description": str}

## Entity Types (use EXACTLY one per entity)
- Algorithm — a named, deterministic computational procedure with well-defined steps (e.g. Dijkstra's Algorithm, Merge Sort). If it has a unique fixed procedure, it is an Algorithm.
- DataStructure — a named, reusable data organisation with defined operations and complexity guarantees (e.g. Binary Heap, Segment Tree). Do NOT include implementation details like "Visited Array".
- Technique — a reusable problem-solving pattern or strategy that is NOT a single fixed procedure (e.g. Divide and Conquer, Two Pointers).
- Problem — a concrete contest problem or a well-known problem class. Concrete problems: "Luogu PXXXX ProblemName". Problem classes: standard English name (e.g. "Shortest Path Problem").
- Concept — a theoretical notion, mathematical property, or complexity measure that does not fit the four types above. This is the residual category; always prefer the other four first.

## Relation Types (use EXACTLY one per relation)
- PREREQ      — source needs target as a prerequisite
- VARIANT_OF  — source is a specialisation or variant of target (Bidirectional BFS -> BFS)
- IMPROVES    — source improves target in time/space/applicability (A* -> Dijkstra's Algorithm)
- USES        — source uses target as an implementation component (BFS -> Queue)
- APPLIES_TO  — solver -> problem, ALWAYS this direction (BFS -> Shortest Path Problem)
- BELONGS_TO  — source belongs to target category/family (BFS -> Graph Traversal)
- RELATED_TO  — fallback only when none of the above fits

## Quality Rules
1. Only extract entities a student would look up as an independent topic.
2. Do NOT extract implementation details (loop variables, temporary arrays, direction vectors).
3. Prefer specific over vague: if both "Breadth-First Search" and "Search" appear, extract only "Breadth-First Search".
4. Every relation must carry clear, non-trivial semantics, not mere co-occurrence.
5. APPLIES_TO direction is ALWAYS Algorithm/Technique -> Problem, never reversed.
6. Every relation source/target MUST be copied verbatim from an entity's "name" field. Every relation endpoint must appear in the entities list.

## Naming Rules
- Use the FULL ENGLISH name as entity name (e.g. "Breadth-First Search" not "BFS").
- Translate non-English names to the standard English name.
- Put abbreviations and alternative names in "aliases" (e.g. aliases: ["BFS"]).
- Be consistent: same concept, same name throughout.

Return ONLY valid JSON, no explanation.

## Text
%s`

const dedupPrompt = `You are a knowledge-graph deduplication expert.
Below is a numbered list of entities (name + aliases). Identify groups of
entities that refer to the SAME concept (different surface forms of one thing).

Rules:
- Only merge entities that are genuinely the same concept expressed differently.
- Do NOT merge entities that are merely related (e.g. "BFS" and "Queue").
- "canonical" must be one of the existing entity names listed below.

## Entities
%s

## Output Format
Return ONLY a JSON object:
{"groups": [{"canonical": "<existing entity name>", "duplicates": ["<name>", ...]}]}

If no duplicates found, return: {"groups": []}`

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject pulls the outermost JSON object out of raw model
// output, tolerating reasoning tags, code fences and surrounding prose.
func extractJSONObject(raw string, target any) bool {
	cleaned := strings.TrimSpace(thinkTagRe.ReplaceAllString(raw, ""))
	cleaned = llm.StripCodeFences(cleaned)

	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return true
	}
	if m := jsonObjectRe.FindString(cleaned); m != "" {
		if err := json.Unmarshal([]byte(m), target); err == nil {
			return true
		}
	}
	return false
}

// Extractor mines entities and relations from text chunks with an LLM.
type Extractor struct {
	client llm.Client
	logger *zap.Logger
}

func NewExtractor(client llm.Client, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, logger: logger}
}

type extractionDoc struct {
	Entities []struct {
		Name        string   `json:"name"`
		Type        string   `json:"type"`
		Description string   `json:"description"`
		Aliases     []string `json:"aliases"`
	} `json:"entities"`
	Relations []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"relations"`
}

// ExtractChunk runs extraction on one chunk. Unparseable output gets one
// retry with a stricter instruction, then degrades to empty results.
func (e *Extractor) ExtractChunk(ctx context.Context, chunk model.TextChunk) ([]model.Entity, []model.Relation, error) {
	prompt := fmt.Sprintf(extractionPrompt, chunk.Content)
	raw, err := e.client.Complete(ctx, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("extraction failed for chunk %.8s: %w", chunk.ID, err)
	}

	entities, relations := e.parseExtraction(raw, chunk.ID)
	if len(entities) == 0 && len(relations) == 0 {
		e.logger.Info("retrying extraction", zap.String("chunk", chunk.ID))
		raw, err = e.client.Complete(ctx, prompt+"\n\nReturn ONLY valid JSON, no extra text.")
		if err != nil {
			return nil, nil, fmt.Errorf("extraction retry failed for chunk %.8s: %w", chunk.ID, err)
		}
		entities, relations = e.parseExtraction(raw, chunk.ID)
	}
	return entities, relations, nil
}

func (e *Extractor) parseExtraction(raw, chunkID string) ([]model.Entity, []model.Relation) {
	var doc extractionDoc
	if !extractJSONObject(raw, &doc) {
		e.logger.Warn("failed to parse extraction JSON", zap.String("chunk", chunkID))
		return nil, nil
	}

	var entities []model.Entity
	for _, ent := range doc.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		var aliases []string
		for _, a := range ent.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		entities = append(entities, model.Entity{
			ID:          model.MakeEntityID(name),
			Name:        name,
			Type:        ent.Type,
			Description: ent.Description,
			Aliases:     aliases,
		})
	}

	names := make(map[string]bool, len(entities))
	for _, ent := range entities {
		names[ent.Name] = true
	}

	var relations []model.Relation
	for _, rel := range doc.Relations {
		src := strings.TrimSpace(rel.Source)
		tgt := strings.TrimSpace(rel.Target)
		if src == "" || tgt == "" {
			continue
		}
		if !names[src] || !names[tgt] {
			e.logger.Warn("dropping relation with unknown endpoint",
				zap.String("source", src), zap.String("target", tgt),
				zap.String("chunk", chunkID))
			continue
		}
		relType := rel.Type
		if relType == "" {
			relType = "RELATED_TO"
		}
		relations = append(relations, model.Relation{
			Source:      src,
			Target:      tgt,
			Type:        relType,
			Description: rel.Description,
			Weight:      1.0,
		})
	}
	return entities, relations
}

// MergeEntities fuses entities extracted from different chunks by
// lowercase name: descriptions concatenate with line-level dedup,
// aliases union, the type is decided by majority vote.
func MergeEntities(entityLists [][]model.Entity) []model.Entity {
	type slot struct {
		entity model.Entity
		types  map[string]int
	}
	merged := make(map[string]*slot)
	var order []string

	for _, entities := range entityLists {
		for _, ent := range entities {
			key := strings.ToLower(ent.Name)
			existing, ok := merged[key]
			if !ok {
				e := ent
				merged[key] = &slot{entity: e, types: map[string]int{ent.Type: 1}}
				order = append(order, key)
				continue
			}
			existing.types[ent.Type]++
			if ent.Description != "" {
				existing.entity.Description = mergeLines(existing.entity.Description, ent.Description)
			}
			if ent.Name != existing.entity.Name {
				existing.entity.Aliases = appendAlias(existing.entity.Aliases, existing.entity.Name, ent.Name)
			}
			for _, alias := range ent.Aliases {
				existing.entity.Aliases = appendAlias(existing.entity.Aliases, existing.entity.Name, alias)
			}
		}
	}

	out := make([]model.Entity, 0, len(order))
	for _, key := range order {
		s := merged[key]
		s.entity.Type = majorityType(s.types)
		out = append(out, s.entity)
	}
	return out
}

func mergeLines(existing, incoming string) string {
	if existing == "" {
		return incoming
	}
	seen := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		seen[line] = true
	}
	var fresh []string
	for _, line := range strings.Split(incoming, "\n") {
		if !seen[line] {
			fresh = append(fresh, line)
		}
	}
	if len(fresh) == 0 {
		return existing
	}
	return strings.TrimSpace(existing + "\n" + strings.Join(fresh, "\n"))
}

func appendAlias(aliases []string, name, candidate string) []string {
	if candidate == "" || candidate == name {
		return aliases
	}
	for _, a := range aliases {
		if a == candidate {
			return aliases
		}
	}
	return append(aliases, candidate)
}

func majorityType(counts map[string]int) string {
	best, bestCount := "", -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic tie-break
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

// DedupByAlias merges entities whose name matches another entity's
// alias, using union-find over name/alias overlap. Returns the merged
// entities and a map from replaced names to their canonical name.
func DedupByAlias(entities []model.Entity) ([]model.Entity, map[string]string) {
	if len(entities) < 2 {
		return entities, nil
	}

	parent := make([]int, len(entities))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	const minTokenLen = 2
	nameToIdx := make(map[string]int)
	aliasToIdx := make(map[string][]int)
	for i, ent := range entities {
		name := strings.ToLower(strings.TrimSpace(ent.Name))
		if len(name) >= minTokenLen {
			nameToIdx[name] = i
		}
		for _, alias := range ent.Aliases {
			tok := strings.ToLower(strings.TrimSpace(alias))
			if len(tok) >= minTokenLen {
				aliasToIdx[tok] = append(aliasToIdx[tok], i)
			}
		}
	}
	for nameTok, nameIdx := range nameToIdx {
		for _, aliasIdx := range aliasToIdx[nameTok] {
			if aliasIdx != nameIdx {
				union(nameIdx, aliasIdx)
			}
		}
	}

	groups := make(map[int][]model.Entity)
	var roots []int
	for i, ent := range entities {
		root := find(i)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], ent)
	}

	var merged []model.Entity
	nameMap := make(map[string]string)
	for _, root := range roots {
		group := groups[root]
		if len(group) == 1 {
			merged = append(merged, group[0])
			continue
		}
		// Canonical name: the longest in the group, as the most descriptive.
		canonical := group[0].Name
		for _, ent := range group[1:] {
			if len(ent.Name) > len(canonical) {
				canonical = ent.Name
			}
		}
		normalized := make([]model.Entity, len(group))
		for i, ent := range group {
			normalized[i] = ent
			if ent.Name != canonical {
				normalized[i].Name = canonical
				nameMap[ent.Name] = canonical
			}
		}
		result := MergeEntities([][]model.Entity{normalized})[0]
		for _, ent := range group {
			if ent.Name != canonical {
				result.Aliases = appendAlias(result.Aliases, canonical, ent.Name)
			}
		}
		result.ID = model.MakeEntityID(canonical)
		merged = append(merged, result)
	}

	if len(nameMap) == 0 {
		nameMap = nil
	}
	return merged, nameMap
}

type dedupDoc struct {
	Groups []struct {
		Canonical  string   `json:"canonical"`
		Duplicates []string `json:"duplicates"`
	} `json:"groups"`
}

// DedupByLLM asks the model once to spot duplicate entity groups the
// alias pass missed. A malformed answer skips the pass entirely.
func (e *Extractor) DedupByLLM(ctx context.Context, entities []model.Entity) ([]model.Entity, map[string]string, error) {
	if len(entities) < 2 {
		return entities, nil, nil
	}

	nameSet := make(map[string]bool, len(entities))
	var lines []string
	for i, ent := range entities {
		nameSet[ent.Name] = true
		aliasStr := "(none)"
		if len(ent.Aliases) > 0 {
			aliasStr = strings.Join(ent.Aliases, ", ")
		}
		lines = append(lines, fmt.Sprintf("%d. %s  [aliases: %s]", i+1, ent.Name, aliasStr))
	}

	raw, err := e.client.Complete(ctx, fmt.Sprintf(dedupPrompt, strings.Join(lines, "\n")))
	if err != nil {
		return nil, nil, fmt.Errorf("dedup call failed: %w", err)
	}

	var doc dedupDoc
	if !extractJSONObject(raw, &doc) {
		e.logger.Warn("failed to parse dedup response, skipping")
		return entities, nil, nil
	}

	nameMap := make(map[string]string)
	for _, group := range doc.Groups {
		if group.Canonical == "" || !nameSet[group.Canonical] {
			e.logger.Warn("dedup canonical not found, skipping group",
				zap.String("canonical", group.Canonical))
			continue
		}
		for _, dup := range group.Duplicates {
			if nameSet[dup] && dup != group.Canonical {
				nameMap[dup] = group.Canonical
			}
		}
	}
	if len(nameMap) == 0 {
		return entities, nil, nil
	}

	byName := make(map[string]model.Entity, len(entities))
	var order []string
	for _, ent := range entities {
		byName[ent.Name] = ent
		order = append(order, ent.Name)
	}
	for dupName, canonName := range nameMap {
		dup, okDup := byName[dupName]
		canon, okCanon := byName[canonName]
		if !okDup || !okCanon {
			continue
		}
		delete(byName, dupName)
		dup.Name = canonName
		mergedEnt := MergeEntities([][]model.Entity{{canon, dup}})[0]
		mergedEnt.Aliases = appendAlias(mergedEnt.Aliases, canonName, dupName)
		mergedEnt.ID = model.MakeEntityID(canonName)
		byName[canonName] = mergedEnt
	}

	out := make([]model.Entity, 0, len(byName))
	for _, name := range order {
		if ent, ok := byName[name]; ok {
			out = append(out, ent)
		}
	}
	return out, nameMap, nil
}

// resolveName follows nameMap transitively to the final canonical name.
func resolveName(name string, nameMap map[string]string) string {
	seen := make(map[string]bool)
	for nameMap[name] != "" && !seen[name] {
		seen[name] = true
		name = nameMap[name]
	}
	return name
}

// RemapRelations rewrites relation endpoints through nameMap, dropping
// self-loops and duplicate (source, target, type) triples.
func RemapRelations(relations []model.Relation, nameMap map[string]string) []model.Relation {
	var out []model.Relation
	seen := make(map[[3]string]bool)
	for _, rel := range relations {
		src := resolveName(rel.Source, nameMap)
		tgt := resolveName(rel.Target, nameMap)
		if src == tgt {
			continue
		}
		key := [3]string{src, tgt, rel.Type}
		if seen[key] {
			continue
		}
		seen[key] = true
		rel.Source = src
		rel.Target = tgt
		out = append(out, rel)
	}
	return out
}
