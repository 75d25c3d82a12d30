// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify routes a user query to a model group.
//
// Routes are declared in TOML or JSON files under the router directory, one
// or more routes per file. Each route names a model group, carries example
// utterances, and an optional score threshold. Classification scores the
// query's keyword overlap against each route's utterances and picks the best
// route above its threshold, falling back to the default group.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/omnisage/internal/util"
)

// =============================================================================
// CLASSIFIER INTERFACE
// =============================================================================

// Classifier picks the model group for a query.
type Classifier interface {
	Classify(query string) string
}

// Static is a Classifier that always returns the same group.
type Static string

func (s Static) Classify(string) string { return string(s) }

// =============================================================================
// ROUTE TYPES
// =============================================================================

// DefaultThreshold is used when a route omits score_threshold.
const DefaultThreshold = 0.3

// Route declares classification examples for one model group.
type Route struct {
	Name        string   `toml:"name" json:"name"`
	Description string   `toml:"description,omitempty" json:"description,omitempty"`
	Utterances  []string `toml:"utterances" json:"utterances"`

	// ScoreThreshold is the minimum overlap score for this route to win.
	// Zero means DefaultThreshold.
	ScoreThreshold float64 `toml:"score_threshold,omitempty" json:"score_threshold,omitempty"`
}

// routeFile is the on-disk shape: one file holds any number of routes.
type routeFile struct {
	Routes []Route `toml:"routes" json:"routes"`
}

// compiledRoute holds a route with its utterances pre-tokenized.
type compiledRoute struct {
	name       string
	threshold  float64
	utterances [][]string
}

// =============================================================================
// ROUTE CLASSIFIER
// =============================================================================

// RouteClassifier classifies queries against routes loaded from a directory.
// Safe for concurrent use; Reload swaps the route set atomically.
type RouteClassifier struct {
	dir          string
	defaultGroup string

	mu     sync.RWMutex
	routes []compiledRoute
}

// NewRouteClassifier loads routes from dir, seeding a default route file if
// the directory has none. Queries that match nothing route to defaultGroup.
func NewRouteClassifier(dir, defaultGroup string) (*RouteClassifier, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create router directory: %w", err)
	}

	c := &RouteClassifier{dir: dir, defaultGroup: defaultGroup}

	seeded, err := c.seedDefault()
	if err != nil {
		return nil, err
	}
	if err := c.Reload(); err != nil {
		if seeded {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load routes from %s: %w", dir, err)
	}
	return c, nil
}

// Dir returns the router directory being watched.
func (c *RouteClassifier) Dir() string { return c.dir }

// Reload re-reads every route file in the directory and swaps in the new
// route set. On error the previous routes stay in effect.
func (c *RouteClassifier) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read router directory: %w", err)
	}

	var compiled []compiledRoute
	var loadedAny bool
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".json" {
			continue
		}

		path := filepath.Join(c.dir, entry.Name())
		routes, err := loadRouteFile(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}
		loadedAny = true

		for _, route := range routes {
			compiled = append(compiled, compileRoute(route))
		}
	}

	if !loadedAny {
		return errors.New("no router configurations found")
	}

	c.mu.Lock()
	c.routes = compiled
	c.mu.Unlock()
	return nil
}

// Classify returns the model group for a query. The best-scoring route at or
// above its threshold wins; otherwise the default group.
func (c *RouteClassifier) Classify(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return c.defaultGroup
	}

	c.mu.RLock()
	routes := c.routes
	c.mu.RUnlock()

	bestGroup := c.defaultGroup
	bestScore := 0.0
	for _, route := range routes {
		score := route.score(tokens)
		if score >= route.threshold && score > bestScore {
			bestGroup = route.name
			bestScore = score
		}
	}
	return bestGroup
}

// =============================================================================
// SCORING
// =============================================================================

// score returns the best utterance overlap for the query tokens. Each
// utterance scores as the fraction of its content words present in the
// query.
func (r compiledRoute) score(queryTokens []string) float64 {
	querySet := make(map[string]struct{}, len(queryTokens))
	for _, tok := range queryTokens {
		querySet[tok] = struct{}{}
	}

	best := 0.0
	for _, utterance := range r.utterances {
		if len(utterance) == 0 {
			continue
		}
		hits := 0
		for _, tok := range utterance {
			if _, ok := querySet[tok]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(utterance))
		if score > best {
			best = score
		}
	}
	return best
}

func compileRoute(route Route) compiledRoute {
	threshold := route.ScoreThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	compiled := compiledRoute{
		name:      route.Name,
		threshold: threshold,
	}
	for _, utterance := range route.Utterances {
		compiled.utterances = append(compiled.utterances, tokenize(utterance))
	}
	return compiled
}

// stopwords are dropped from queries and utterances so overlap reflects
// content words, not filler.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "do": {}, "does": {}, "did": {}, "how": {},
	"what": {}, "whats": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "can": {}, "could": {}, "should": {}, "would": {}, "will": {},
	"i": {}, "you": {}, "we": {}, "they": {}, "it": {}, "its": {}, "my": {},
	"your": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "and": {}, "or": {}, "not": {}, "me": {}, "please": {},
	"like": {}, "this": {}, "that": {},
}

// tokenize lowercases, strips punctuation, and drops stopwords.
func tokenize(s string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, s)

	var tokens []string
	for _, word := range strings.Fields(util.CollapseWhitespace(cleaned)) {
		if _, stop := stopwords[word]; stop {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// =============================================================================
// ROUTE FILE LOADING
// =============================================================================

func loadRouteFile(path string) ([]Route, error) {
	var file routeFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, err
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, err
		}
	}

	for _, route := range file.Routes {
		if route.Name == "" {
			return nil, errors.New("route missing name")
		}
	}
	return file.Routes, nil
}

// defaultRoutes is written on first run so a fresh install routes
// programming questions without any manual configuration.
const defaultRoutes = `# Query routes. Each [[routes]] block maps example
# utterances to a model group; edits are picked up live.

[[routes]]
name = "programming"
description = "Programming and software development related questions"
score_threshold = 0.3
utterances = [
    "How do I write a function in Python?",
    "What's the syntax for a for loop?",
    "How to declare variables in JavaScript?",
    "Can you explain Object-Oriented Programming?",
    "How do I use try-except blocks?",
    "What are arrays in programming?",
    "How to implement data structures?",
    "Explain recursion in programming",
    "What is inheritance in OOP?",
    "How to handle exceptions in code?",
]
`

// seedDefault writes the default route file when the directory holds no
// route files. Returns whether seeding happened.
func (c *RouteClassifier) seedDefault() (bool, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !entry.IsDir() && (ext == ".toml" || ext == ".json") {
			return false, nil
		}
	}

	path := filepath.Join(c.dir, "default.toml")
	if err := util.AtomicWriteFile(path, []byte(defaultRoutes), 0644); err != nil {
		return false, fmt.Errorf("failed to write default routes: %w", err)
	}
	return true, nil
}
