package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/llm"
	"github.com/xwysyy/KG-RAG/internal/store"
)

// The graph query tool turns a natural-language question into a SQL
// query over the knowledge graph, validates it, and executes it on the
// read-only connection. Generated SQL is untrusted input: it passes
// the safety pipeline below on every round, including repairs, and
// rejection messages stay generic so the model cannot probe the rules.

const defaultGraphLimit = 50

// Messages returned to the caller. Deliberately generic.
const (
	msgQueryRejected  = "Query rejected: only read operations are allowed."
	msgQueryFailed    = "Graph query failed. Please try rephrasing your question."
	msgNoGraphResults = "No results found in the knowledge graph."
)

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)

	// Write and side-effect statements that must never appear in
	// generated SQL, checked as whole words after comment stripping.
	writeKeywordRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|REPLACE|TRUNCATE|MERGE|DETACH|ATTACH|VACUUM|REINDEX|PRAGMA)\b`)

	// SQLite functions that reach outside the database.
	unsafeFuncRe = regexp.MustCompile(`(?i)\b(load_extension|readfile|writefile|fsdir|zipfile)\s*\(`)

	firstKeywordRe = regexp.MustCompile(`^\s*([A-Za-z]+)`)
	limitRe        = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

var allowedLeadingKeywords = map[string]bool{
	"SELECT": true,
	"WITH":   true,
}

// stripSQLComments removes /* */ and -- comments so keywords cannot
// hide inside them.
func stripSQLComments(query string) string {
	query = blockCommentRe.ReplaceAllString(query, " ")
	return lineCommentRe.ReplaceAllString(query, " ")
}

// normalizeSQL removes formatting noise models add around queries: a
// wrapping code fence and a standalone leading language tag line.
func normalizeSQL(raw string) string {
	text := llm.StripCodeFences(raw)
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) {
		first := strings.ToLower(strings.TrimSpace(lines[i]))
		if first == "sql" || first == "sqlite" || first == "query" || strings.HasPrefix(first, "sql:") {
			i++
		}
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// validateReadSQL checks a candidate query against the safety rules.
// The returned issue is for logs and repair prompts, never for users.
func validateReadSQL(query string) (ok bool, issue string) {
	stripped := strings.TrimSpace(stripSQLComments(query))
	if stripped == "" {
		return false, "empty query"
	}
	if writeKeywordRe.MatchString(stripped) || unsafeFuncRe.MatchString(stripped) {
		return false, "unsafe keyword detected"
	}
	m := firstKeywordRe.FindStringSubmatch(stripped)
	if m == nil {
		return false, "missing leading keyword"
	}
	if !allowedLeadingKeywords[strings.ToUpper(m[1])] {
		return false, fmt.Sprintf("unexpected leading keyword: %s", strings.ToUpper(m[1]))
	}
	return true, ""
}

// ensureLimit appends a LIMIT clause when none is present. The check
// runs on the comment-stripped form so a LIMIT inside a comment does
// not count.
func ensureLimit(query string, limit int) string {
	if limitRe.MatchString(stripSQLComments(query)) {
		return query
	}
	return strings.TrimRight(strings.TrimSpace(query), ";") + fmt.Sprintf(" LIMIT %d", limit)
}

// graphSchemaDoc describes the tables to the SQL-generating model.
const graphSchemaDoc = `Table nodes:
  entity_id   TEXT PRIMARY KEY  -- stable hash of the lowercased name
  name        TEXT              -- display name, e.g. "Breadth-First Search"
  type        TEXT              -- Algorithm, DataStructure, Concept, Problem, Technique, Unknown, or User
  description TEXT
  aliases     TEXT              -- JSON array of alternative names, e.g. ["BFS"]

Table edges:
  source       TEXT  -- entity_id of the source node
  target       TEXT  -- entity_id of the target node
  relation     TEXT  -- see relation types below
  description  TEXT
  weight       REAL
  confidence   REAL  -- profile edges only
  evidence     TEXT  -- profile edges only
  last_updated TEXT  -- profile edges only, RFC3339

Relation types:
  PREREQ        -- source needs target as a learning prerequisite
  VARIANT_OF    -- source is a specialisation / variant of target
  IMPROVES      -- source improves target in complexity or applicability
  USES          -- source uses target as an implementation component
  APPLIES_TO    -- solver -> problem (always this direction)
  BELONGS_TO    -- source belongs to target category / family
  RELATED_TO    -- general relationship (fallback)
  MASTERED, WEAK_AT, INTERESTED_IN -- user profile edges (source is a user node)

To match an entity by any name variant use:
  lower(n.name) = lower('BFS') OR n.aliases LIKE '%"BFS"%'`

func buildGenerationPrompt(question string) string {
	return fmt.Sprintf(`You are a SQL query generator for a SQLite algorithm knowledge graph.

## Graph Schema
%s

## Task
Write ONE read-only SQL query that answers the question.
Return ONLY the SQL query, no explanation.

## Allowed
SELECT, WITH, JOIN, WHERE, GROUP BY, ORDER BY, LIMIT, DISTINCT, aggregate functions.

## Forbidden
Any statement that modifies data or schema, and PRAGMA.

## Question
%s
`, graphSchemaDoc, question)
}

func buildRepairPrompt(question, query, issue string) string {
	return fmt.Sprintf(`You are a SQL query generator for a SQLite algorithm knowledge graph.

## Graph Schema
%s

## Task
Fix the SQL query so it is valid and answers the question. The query MUST be read-only.
Return ONLY the SQL query, no explanation.

## Question
%s

## Current SQL (broken)
%s

## Issue
%s
`, graphSchemaDoc, question, query, issue)
}

func formatRecords(records []map[string]any) string {
	const maxShown = 20
	var parts []string
	for i, rec := range records {
		if i == maxShown {
			break
		}
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("%s: %v", k, rec[k]))
		}
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, strings.Join(items, ", ")))
	}
	return strings.Join(parts, "\n")
}

// NewGraphQuery builds the NL-to-SQL graph retrieval tool.
func NewGraphQuery(client llm.Client, graph store.GraphStore, limit int, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = defaultGraphLimit
	}

	// postprocess normalizes and validates a candidate; a non-empty
	// issue means the candidate is unusable as-is.
	postprocess := func(raw string) (query, issue string) {
		q := normalizeSQL(raw)
		if ok, iss := validateReadSQL(q); !ok {
			return q, iss
		}
		return ensureLimit(q, limit), ""
	}

	return &Tool{
		Name: "graph_query",
		Description: "Query the algorithm knowledge graph with a natural language question " +
			"about entities and their relationships (prerequisites, variants, categories).",
		Schema: Schema{
			Required: []string{"question"},
			Properties: map[string]Property{
				"question": {Type: "string", Description: "Natural language question about algorithm relationships."},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			question := strings.TrimSpace(StringArg(args, "question"))
			if question == "" {
				return "Graph query needs a non-empty question.", nil
			}

			raw, err := client.Complete(ctx, buildGenerationPrompt(question))
			if err != nil {
				logger.Warn("sql generation failed", zap.Error(err))
				return msgQueryFailed, nil
			}

			query, issue := postprocess(raw)
			if issue != "" {
				logger.Warn("generated invalid sql",
					zap.String("issue", issue), zap.String("sql", query))
				repaired, err := client.Complete(ctx, buildRepairPrompt(question, query, issue))
				if err != nil {
					return msgQueryFailed, nil
				}
				query, issue = postprocess(repaired)
				if issue != "" {
					if issue == "unsafe keyword detected" {
						logger.Warn("blocked unsafe sql after repair", zap.String("sql", query))
						return msgQueryRejected, nil
					}
					logger.Warn("sql repair still invalid",
						zap.String("issue", issue), zap.String("sql", query))
					return msgQueryFailed, nil
				}
			}

			records, err := graph.Query(ctx, query)
			if err != nil {
				logger.Warn("sql execution failed", zap.Error(err))
				repaired, rerr := client.Complete(ctx,
					buildRepairPrompt(question, query, err.Error()))
				if rerr != nil {
					return msgQueryFailed, nil
				}
				query, issue = postprocess(repaired)
				if issue != "" {
					if issue == "unsafe keyword detected" {
						logger.Warn("blocked unsafe sql after execution repair", zap.String("sql", query))
						return msgQueryRejected, nil
					}
					return msgQueryFailed, nil
				}
				records, err = graph.Query(ctx, query)
				if err != nil {
					logger.Warn("sql execution failed after repair", zap.Error(err))
					return msgQueryFailed, nil
				}
			}

			if len(records) == 0 {
				return msgNoGraphResults, nil
			}
			return formatRecords(records), nil
		},
	}
}
